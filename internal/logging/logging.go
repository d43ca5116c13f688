// Package logging configures the process-wide slog default. Every daemon
// component logs through it, tagged with slog.With("component", ...).
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Configure installs a text handler on stderr at the named level. The
// empty string means info.
func Configure(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		return slog.LevelInfo, nil
	}
	parsed, ok := levels[name]
	if !ok {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return parsed, nil
}
