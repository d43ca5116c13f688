// Package config loads the daemon configuration from a YAML file and
// validates it. Secrets (the broker token) never live in the YAML: they are
// resolved from a file path or the environment at load time.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carousel"
)

const tokenEnv = "CAROUSEL_BROKER_TOKEN"

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Broker configures the privileged execution broker.
type Broker struct {
	// Socket is the unix socket the broker listens on; the scheduler and
	// dashboard reach the container daemon only through it.
	Socket string `yaml:"socket"`
	// DaemonSocket is the container daemon's own socket. Only the broker
	// process may dial it.
	DaemonSocket string `yaml:"daemon_socket"`
	// TokenFile holds the bearer token; CAROUSEL_BROKER_TOKEN overrides it.
	TokenFile      string   `yaml:"token_file"`
	RequestTimeout Duration `yaml:"request_timeout"`
	// AllowedUID restricts broker connections to one peer uid (linux only).
	// nil disables the check.
	AllowedUID *int `yaml:"allowed_uid"`
	// Allow extends the built-in allowlist with "METHOD /path/{var}" entries.
	Allow []string `yaml:"allow"`
}

// Token resolves the broker bearer token from the environment or TokenFile.
func (b Broker) Token() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnv)); tok != "" {
		return tok, nil
	}
	if b.TokenFile == "" {
		return "", fmt.Errorf("broker token not configured: set %s or broker.token_file", tokenEnv)
	}
	data, err := os.ReadFile(b.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read broker token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("broker token file %s is empty", b.TokenFile)
	}
	return tok, nil
}

// Rotation configures cadence and the per-cycle plan.
type Rotation struct {
	Interval      Duration `yaml:"interval"`
	Jitter        Duration `yaml:"jitter"`
	Replicas      int      `yaml:"replicas"`
	MinHealthy    int      `yaml:"min_healthy"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	// Selection picks rotation victims: "oldest" or "random".
	Selection   string   `yaml:"selection"`
	GracePeriod Duration `yaml:"grace_period"`
	Retention   Duration `yaml:"retention"`
	// ShutdownPolicy decides what happens to an in-flight rotation on
	// shutdown: "finish" completes the pair, "rollback" tears it down.
	ShutdownPolicy string `yaml:"shutdown_policy"`
}

// Probe configures the readiness prober.
type Probe struct {
	Path           string   `yaml:"path"`
	Timeout        Duration `yaml:"timeout"`
	Attempts       int      `yaml:"attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// Backend describes the interchangeable backend container image.
type Backend struct {
	Image      string            `yaml:"image"`
	Port       int               `yaml:"port"`
	Network    string            `yaml:"network"`
	NamePrefix string            `yaml:"name_prefix"`
	Env        map[string]string `yaml:"env"`
}

// Balancer configures the edge proxy reconciler.
type Balancer struct {
	// ConfPath is the live upstream config file included by the proxy.
	ConfPath string `yaml:"conf_path"`
	// TemplatePath overrides the embedded upstream template.
	TemplatePath string `yaml:"template_path"`
	// Upstream is the pool name rendered into the config.
	Upstream string `yaml:"upstream"`
	// ValidateCmd and ReloadCmd are argv vectors; "{path}" in any argument
	// is replaced with the candidate config path.
	ValidateCmd []string `yaml:"validate_cmd"`
	ReloadCmd   []string `yaml:"reload_cmd"`
}

// API configures the local control socket the CLI and dashboard use.
type API struct {
	Socket string `yaml:"socket"`
}

// Log configures the process logger.
type Log struct {
	Level string `yaml:"level"`
}

// Config is the full daemon configuration.
type Config struct {
	DataRoot string   `yaml:"data_root"`
	Log      Log      `yaml:"log"`
	Broker   Broker   `yaml:"broker"`
	Rotation Rotation `yaml:"rotation"`
	Probe    Probe    `yaml:"probe"`
	Backend  Backend  `yaml:"backend"`
	Balancer Balancer `yaml:"balancer"`
	API      API      `yaml:"api"`
}

// Load reads and validates the config file. A missing file is an error:
// the daemon cannot guess an image or a proxy to manage.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	if c.DataRoot == "" {
		c.DataRoot = defaultDataRoot()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Broker.Socket == "" {
		c.Broker.Socket = filepath.Join(defaultRunDir(), "carousel-broker.sock")
	}
	if c.Broker.DaemonSocket == "" {
		c.Broker.DaemonSocket = "/var/run/docker.sock"
	}
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = Duration(30 * time.Second)
	}

	if c.Rotation.Interval == 0 {
		c.Rotation.Interval = Duration(1 * time.Hour)
	}
	if c.Rotation.Jitter == 0 {
		c.Rotation.Jitter = Duration(5 * time.Minute)
	}
	if c.Rotation.GracePeriod == 0 {
		c.Rotation.GracePeriod = Duration(30 * time.Second)
	}
	if c.Rotation.Retention == 0 {
		c.Rotation.Retention = Duration(7 * 24 * time.Hour)
	}
	switch c.Rotation.Selection {
	case "":
		c.Rotation.Selection = "oldest"
	case "oldest", "random":
	default:
		return fmt.Errorf("rotation.selection must be oldest or random, got %q", c.Rotation.Selection)
	}
	switch c.Rotation.ShutdownPolicy {
	case "":
		c.Rotation.ShutdownPolicy = "finish"
	case "finish", "rollback":
	default:
		return fmt.Errorf("rotation.shutdown_policy must be finish or rollback, got %q", c.Rotation.ShutdownPolicy)
	}
	if c.Probe.Path == "" {
		c.Probe.Path = "/healthz"
	}
	if !strings.HasPrefix(c.Probe.Path, "/") {
		return fmt.Errorf("probe.path must start with /, got %q", c.Probe.Path)
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(5 * time.Second)
	}
	if c.Probe.Attempts == 0 {
		c.Probe.Attempts = 10
	}
	if c.Probe.InitialBackoff == 0 {
		c.Probe.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if c.Probe.MaxBackoff == 0 {
		c.Probe.MaxBackoff = Duration(8 * time.Second)
	}

	if c.Backend.Image == "" {
		return errors.New("backend.image is required")
	}
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be in 1..65535, got %d", c.Backend.Port)
	}
	if c.Backend.NamePrefix == "" {
		c.Backend.NamePrefix = "carousel-backend"
	}

	plan, err := c.Plan().Normalize()
	if err != nil {
		return fmt.Errorf("rotation plan: %w", err)
	}
	c.Rotation.Replicas = plan.Replicas
	c.Rotation.MinHealthy = plan.MinHealthy
	c.Rotation.MaxConcurrent = plan.MaxConcurrent

	if c.Balancer.ConfPath == "" {
		c.Balancer.ConfPath = filepath.Join(c.DataRoot, "upstream.conf")
	}
	if c.Balancer.Upstream == "" {
		c.Balancer.Upstream = "carousel_backends"
	}
	if len(c.Balancer.ValidateCmd) == 0 {
		c.Balancer.ValidateCmd = []string{"nginx", "-t", "-c", "{path}"}
	}
	if len(c.Balancer.ReloadCmd) == 0 {
		c.Balancer.ReloadCmd = []string{"nginx", "-s", "reload"}
	}

	if c.API.Socket == "" {
		c.API.Socket = filepath.Join(defaultRunDir(), "carouseld.sock")
	}
	return nil
}

// Plan returns the rotation plan the configuration describes.
func (c *Config) Plan() carousel.RotationPlan {
	return carousel.RotationPlan{
		Replicas:      c.Rotation.Replicas,
		MinHealthy:    c.Rotation.MinHealthy,
		MaxConcurrent: c.Rotation.MaxConcurrent,
		ProbeTimeout:  c.Probe.Timeout.Std(),
		ProbeAttempts: c.Probe.Attempts,
	}
}

// BackendSpec returns the container spec the runtime provisions from.
func (c *Config) BackendSpec() carousel.BackendSpec {
	return carousel.BackendSpec{
		NamePrefix: c.Backend.NamePrefix,
		Image:      c.Backend.Image,
		Port:       c.Backend.Port,
		Network:    c.Backend.Network,
		Env:        c.Backend.Env,
	}
}

func defaultDataRoot() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/var/lib/carousel"
	}
	return "/var/lib/carousel"
}

func defaultRunDir() string {
	if runtime.GOOS == "darwin" {
		return "/tmp"
	}
	return "/var/run"
}
