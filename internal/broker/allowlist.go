// Package broker implements the privileged execution broker: the only
// process holding a credential for the container daemon. Callers
// authenticate with a bearer token, requests are authorized against a
// compiled allowlist, and permitted requests are forwarded verbatim to the
// daemon socket.
package broker

import (
	"fmt"
	"regexp"
	"strings"
)

// Entry is one permitted (method, path pattern) pair. Patterns are
// slash-separated literals with {name} segments matching exactly one path
// segment: "DELETE /containers/{id}".
type Entry struct {
	Method  string
	Pattern string
}

// DefaultEntries covers exactly the Engine API operations the rotation
// scheduler needs. Anything beyond this set must be opted in via
// configuration.
var DefaultEntries = []Entry{
	{"GET", "/_ping"},
	{"HEAD", "/_ping"},
	{"GET", "/containers/json"},
	{"POST", "/containers/create"},
	{"GET", "/containers/{id}/json"},
	{"POST", "/containers/{id}/start"},
	{"POST", "/containers/{id}/stop"},
	{"POST", "/containers/{id}/wait"},
	{"DELETE", "/containers/{id}"},
}

// Allowlist is a compiled, immutable set of permitted operations. Compile
// once at startup; Match is a pure function safe for concurrent use.
type Allowlist struct {
	rules []rule
}

type rule struct {
	method string
	re     *regexp.Regexp
}

// Engine API clients prefix paths with a negotiated version ("/v1.47/...").
var versionPrefix = regexp.MustCompile(`^/v[0-9]+\.[0-9]+`)

var segmentVar = regexp.MustCompile(`^\{[a-zA-Z_][a-zA-Z0-9_]*\}$`)

// Compile builds an allowlist from entries. Invalid patterns are rejected so
// a typo in configuration fails startup instead of silently permitting or
// denying the wrong paths.
func Compile(entries []Entry) (*Allowlist, error) {
	rules := make([]rule, 0, len(entries))
	for _, e := range entries {
		method := strings.ToUpper(strings.TrimSpace(e.Method))
		switch method {
		case "GET", "HEAD", "POST", "PUT", "DELETE":
		default:
			return nil, fmt.Errorf("allowlist entry %q: unsupported method %q", e.Pattern, e.Method)
		}
		re, err := compilePattern(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", e.Pattern, err)
		}
		rules = append(rules, rule{method: method, re: re})
	}
	return &Allowlist{rules: rules}, nil
}

// ParseEntries converts "METHOD /path/{var}" config strings into entries.
func ParseEntries(raw []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for _, line := range raw {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("allowlist entry %q: want \"METHOD /path\"", line)
		}
		entries = append(entries, Entry{Method: fields[0], Pattern: fields[1]})
	}
	return entries, nil
}

// Match reports whether the method and path name a permitted operation.
// The result is independent of caller identity: authentication is a
// separate check.
func (a *Allowlist) Match(method, path string) bool {
	path = versionPrefix.ReplaceAllString(path, "")
	if path == "" {
		path = "/"
	}
	method = strings.ToUpper(method)
	for _, r := range a.rules {
		if r.method == method && r.re.MatchString(path) {
			return true
		}
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must start with /")
	}
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var b strings.Builder
	b.WriteString(`^`)
	for _, seg := range segments {
		b.WriteString(`/`)
		switch {
		case seg == "":
			return nil, fmt.Errorf("empty path segment")
		case segmentVar.MatchString(seg):
			b.WriteString(`[^/]+`)
		case strings.ContainsAny(seg, "{}"):
			return nil, fmt.Errorf("malformed segment %q", seg)
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}
