// Package balancer reconciles the edge proxy's backend pool with the
// desired membership. Changes are applied validate-then-reload: a rendered
// config that fails the proxy's offline check never replaces the live one,
// and outgoing members are drained (marked down, still enumerated) rather
// than deleted so in-flight connections finish.
package balancer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"carousel"
)

// ErrValidateFailed reports that the rendered configuration was rejected by
// the proxy's config check. The live configuration is untouched.
var ErrValidateFailed = errors.New("rendered configuration failed validation")

// Runner executes proxy management commands. Injected so tests never exec.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config assembles a reconciler.
type Config struct {
	// ConfPath is the live upstream file the proxy includes.
	ConfPath string
	// TemplatePath overrides the built-in upstream template.
	TemplatePath string
	// Upstream is the pool name rendered into the config.
	Upstream string
	// ValidateCmd and ReloadCmd are argv vectors; "{path}" in any argument
	// is replaced with the candidate config path.
	ValidateCmd []string
	ReloadCmd   []string
	// Runner overrides command execution (tests). nil execs for real.
	Runner Runner
}

const defaultTemplate = `# Managed by carousel; edits are overwritten on every reconciliation.
upstream {{ .Upstream }} {
{{- range .Members }}
    server {{ .Addr }} weight={{ .Weight }}{{ if .Draining }} down{{ end }};
{{- end }}
}
`

// Reconciler applies backend-pool membership to the proxy.
type Reconciler struct {
	cfg    Config
	tmpl   *template.Template
	runner Runner
	log    *slog.Logger

	mu      sync.Mutex
	members []carousel.Member
}

// New builds a reconciler. The template is parsed once at startup so a
// broken override fails fast instead of on the first rotation.
func New(cfg Config) (*Reconciler, error) {
	if cfg.ConfPath == "" {
		return nil, fmt.Errorf("balancer conf path is required")
	}
	if cfg.Upstream == "" {
		cfg.Upstream = "carousel_backends"
	}
	if len(cfg.ValidateCmd) == 0 || len(cfg.ReloadCmd) == 0 {
		return nil, fmt.Errorf("balancer validate and reload commands are required")
	}

	text := defaultTemplate
	if cfg.TemplatePath != "" {
		data, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("read balancer template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("upstream").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse balancer template: %w", err)
	}

	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{}
	}
	return &Reconciler{
		cfg:    cfg,
		tmpl:   tmpl,
		runner: runner,
		log:    slog.With("component", "balancer"),
	}, nil
}

// Apply renders the desired membership, validates it offline, and only then
// swaps it in and reloads the proxy. On validation failure the previous
// configuration remains in force. On reload failure the previous file is
// restored so disk and proxy state stay consistent.
func (r *Reconciler) Apply(ctx context.Context, desired []carousel.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rendered, err := r.render(desired)
	if err != nil {
		return err
	}

	staged := r.cfg.ConfPath + ".staged"
	if err := os.WriteFile(staged, rendered, 0o644); err != nil {
		return fmt.Errorf("write staged config: %w", err)
	}

	if out, err := r.run(ctx, r.cfg.ValidateCmd, staged); err != nil {
		_ = os.Remove(staged)
		r.log.Error("config validation failed", "err", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("%w: %s", ErrValidateFailed, firstLine(out, err))
	}

	previous, prevErr := os.ReadFile(r.cfg.ConfPath)
	hadPrevious := prevErr == nil

	if err := os.Rename(staged, r.cfg.ConfPath); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("install config: %w", err)
	}

	if out, err := r.run(ctx, r.cfg.ReloadCmd, r.cfg.ConfPath); err != nil {
		if hadPrevious {
			_ = os.WriteFile(r.cfg.ConfPath, previous, 0o644)
		}
		r.log.Error("proxy reload failed", "err", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("reload proxy: %s", firstLine(out, err))
	}

	r.members = cloneMembers(desired)
	r.log.Info("pool applied", "members", len(desired), "draining", countDraining(desired))
	return nil
}

// Members returns the last successfully applied membership.
func (r *Reconciler) Members() []carousel.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMembers(r.members)
}

var serverLine = regexp.MustCompile(`(?m)^\s*server\s+([^\s;]+)\s+weight=(\d+)(\s+down)?\s*;`)

// Load recovers membership from the live config file, so a restarted daemon
// reconciles against what the proxy is actually serving. A missing file
// means an empty pool, not an error.
func (r *Reconciler) Load() error {
	data, err := os.ReadFile(r.cfg.ConfPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read live config: %w", err)
	}

	var members []carousel.Member
	for _, m := range serverLine.FindAllStringSubmatch(string(data), -1) {
		addr, err := netip.ParseAddrPort(m[1])
		if err != nil {
			return fmt.Errorf("live config has unparseable member %q: %w", m[1], err)
		}
		weight, _ := strconv.Atoi(m[2])
		members = append(members, carousel.Member{
			Addr:     addr,
			Weight:   weight,
			Draining: m[3] != "",
		})
	}

	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
	r.log.Info("recovered pool from live config", "members", len(members))
	return nil
}

func (r *Reconciler) render(desired []carousel.Member) ([]byte, error) {
	members := cloneMembers(desired)
	// Deterministic output: identical pools render identical bytes.
	sort.Slice(members, func(i, j int) bool {
		return members[i].Addr.String() < members[j].Addr.String()
	})

	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, struct {
		Upstream string
		Members  []carousel.Member
	}{Upstream: r.cfg.Upstream, Members: members})
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Reconciler) run(ctx context.Context, argv []string, path string) ([]byte, error) {
	args := make([]string, 0, len(argv)-1)
	name := strings.ReplaceAll(argv[0], "{path}", path)
	for _, a := range argv[1:] {
		args = append(args, strings.ReplaceAll(a, "{path}", path))
	}
	return r.runner.Run(ctx, name, args...)
}

func cloneMembers(members []carousel.Member) []carousel.Member {
	return append([]carousel.Member(nil), members...)
}

func countDraining(members []carousel.Member) int {
	n := 0
	for _, m := range members {
		if m.Draining {
			n++
		}
	}
	return n
}

func firstLine(out []byte, err error) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return err.Error()
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
