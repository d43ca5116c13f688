//go:build debug

// Package check holds invariant assertions that compile to no-ops unless
// the debug build tag is set. Callers must still handle the failure path
// themselves; an assertion documents an invariant, it does not enforce one
// in release builds.
package check

import "fmt"

// Assert panics with msg when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
