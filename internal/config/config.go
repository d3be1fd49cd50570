package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	sysotel "github.com/basket/systerd/internal/otel"
)

var validate = validator.New()

// SchedulerConfig tunes the background task loop.
type SchedulerConfig struct {
	IntervalSeconds    int  `yaml:"interval_seconds" validate:"gte=1,lte=3600"`
	TaskTimeoutSeconds int  `yaml:"task_timeout_seconds" validate:"gte=1"`
	MaxConcurrent      int  `yaml:"max_concurrent" validate:"gte=1,lte=64"`
	CatchUp            bool `yaml:"catch_up"`
}

// NeuroBusConfig bounds the event log.
type NeuroBusConfig struct {
	MaxRows       int `yaml:"max_rows" validate:"gte=1"`
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
	VacuumEvery   int `yaml:"vacuum_every"`
}

// ShellConfig bounds the host command executor.
type ShellConfig struct {
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=1"`
	MaxOutputBytes int      `yaml:"max_output_bytes" validate:"gte=1024"`
	DenyPatterns   []string `yaml:"deny_patterns"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	StateDir     string `yaml:"state_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	BindAddr     string `yaml:"bind_addr" validate:"required,hostname_port"`
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// AuthToken, when set, is required as a bearer token on HTTP transports.
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds" validate:"gte=0,lte=3600"`

	// ACLPolicy decides what an empty mode ACL means: "permissive" lets any
	// caller change mode, "strict" rejects every change.
	ACLPolicy string `yaml:"acl_policy" validate:"oneof=permissive strict"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	NeuroBus  NeuroBusConfig  `yaml:"neurobus"`
	Shell     ShellConfig     `yaml:"shell"`
	OTel      sysotel.Config  `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) PermissionsPath() string { return filepath.Join(c.StateDir, "permissions.json") }
func (c Config) ModePath() string        { return filepath.Join(c.StateDir, "mode.json") }
func (c Config) ACLPath() string         { return filepath.Join(c.StateDir, "mode.acl") }
func (c Config) StateDBPath() string     { return filepath.Join(c.StateDir, "state.db") }
func (c Config) NeuroBusPath() string    { return filepath.Join(c.StateDir, "neurobus.db") }

// ToolTimeout is the per-call bound; zero disables it.
func (c Config) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds == 0 {
		return -1
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect serving.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "state=%s|bind=%s|log=%s|timeout=%d|acl=%s|sched=%+v|bus=%+v|origins=%v",
		c.StateDir, c.BindAddr, c.LogLevel, c.ToolTimeoutSeconds, c.ACLPolicy, c.Scheduler, c.NeuroBus, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddr:           "127.0.0.1:8089",
		LogLevel:           "info",
		ToolTimeoutSeconds: 30,
		ACLPolicy:          "permissive",
		Scheduler: SchedulerConfig{
			IntervalSeconds:    10,
			TaskTimeoutSeconds: 300,
			MaxConcurrent:      4,
		},
		NeuroBus: NeuroBusConfig{
			MaxRows:       100_000,
			RetentionDays: 30,
			VacuumEvery:   1000,
		},
		Shell: ShellConfig{
			TimeoutSeconds: 30,
			MaxOutputBytes: 64 * 1024,
		},
		OTel: sysotel.Config{Exporter: "none", SampleRate: 1},
	}
}

// HomeDir is $SYSTERD_HOME, else ~/.systerd.
func HomeDir() string {
	if override := os.Getenv("SYSTERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".systerd")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom applies defaults, then homeDir/config.yaml, then SYSTERD_*
// environment overrides, then validates.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create systerd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create state dir: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the built-in configuration to homeDir/config.yaml if
// the file does not exist yet.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create systerd home: %w", err)
	}
	out, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = cfg.HomeDir
	}
	cfg.StateDir = expandHome(cfg.StateDir)
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceDir = wd
		} else {
			cfg.WorkspaceDir = "."
		}
	}
	cfg.WorkspaceDir = expandHome(cfg.WorkspaceDir)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.ACLPolicy = strings.ToLower(strings.TrimSpace(cfg.ACLPolicy))
	if cfg.ACLPolicy == "" {
		cfg.ACLPolicy = "permissive"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = Default().BindAddr
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 10
	}
	if cfg.Scheduler.TaskTimeoutSeconds <= 0 {
		cfg.Scheduler.TaskTimeoutSeconds = 300
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 4
	}
	if cfg.NeuroBus.MaxRows <= 0 {
		cfg.NeuroBus.MaxRows = 100_000
	}
	if cfg.Shell.TimeoutSeconds <= 0 {
		cfg.Shell.TimeoutSeconds = 30
	}
	if cfg.Shell.MaxOutputBytes <= 0 {
		cfg.Shell.MaxOutputBytes = 64 * 1024
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SYSTERD_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	}
	if raw := os.Getenv("SYSTERD_WORKSPACE"); raw != "" {
		cfg.WorkspaceDir = raw
	}
	if raw := os.Getenv("SYSTERD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SYSTERD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SYSTERD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("SYSTERD_ACL_POLICY"); raw != "" {
		cfg.ACLPolicy = raw
	}
	if raw := os.Getenv("SYSTERD_TOOL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ToolTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SYSTERD_SCHEDULER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("SYSTERD_SCHEDULER_CATCH_UP"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scheduler.CatchUp = v
		}
	}
	if raw := os.Getenv("SYSTERD_NEUROBUS_MAX_ROWS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.NeuroBus.MaxRows = v
		}
	}
	if raw := os.Getenv("SYSTERD_NEUROBUS_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.NeuroBus.RetentionDays = v
		}
	}
	if raw := os.Getenv("SYSTERD_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("SYSTERD_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
