// Package config loads and validates the twin repository configuration.
//
// Configuration lives in config.yaml at the repository root. It is loaded
// once at startup into an immutable Config value that is threaded through
// the collector, planner, and applier constructors; there is no ambient
// global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file name inside the twin repository.
const ConfigFileName = "config.yaml"

// Config is the twin repository configuration.
type Config struct {
	// RepoRoot is the twin repository root directory. Not serialized;
	// set by the loader from the path it loaded from.
	RepoRoot string `yaml:"-"`

	// Plugins controls which configuration domains are active.
	Plugins PluginsConfig `yaml:"plugins"`

	// Files configures the file mirror plugin.
	Files FilesConfig `yaml:"files"`

	// Collect bounds plugin collection passes.
	Collect CollectConfig `yaml:"collect"`

	// Remote configures the best-effort mirror of the version store.
	Remote RemoteConfig `yaml:"remote"`

	// Policy configures the plan gate.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry selects log level, metrics, and tracing behavior.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PluginsConfig selects the active plugins.
type PluginsConfig struct {
	// Enable lists the enabled plugin domains in no particular order;
	// execution order is fixed by the engine's domain-priority table.
	Enable []string `yaml:"enable" validate:"required,min=1,dive,required"`
}

// FilesConfig configures the file mirror plugin.
type FilesConfig struct {
	// Roots are the directory roots mirrored into the files fragment.
	Roots []string `yaml:"roots"`

	// MaxFileSize is the per-file size cap in bytes; larger files are
	// left out of the mirror entirely.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gte=0"`
}

// CollectConfig bounds collection passes.
type CollectConfig struct {
	// Timeout is the per-plugin collection timeout. A timed-out collector
	// is treated as a collection failure (stale fragment, run continues).
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RemoteConfig configures the best-effort remote mirror.
type RemoteConfig struct {
	// Name is the git remote name.
	Name string `yaml:"name"`

	// URL is the remote URL; empty disables pushing.
	URL string `yaml:"url"`

	// Branch is the branch pushed to the mirror.
	Branch string `yaml:"branch"`
}

// PolicyConfig feeds the plan gate.
type PolicyConfig struct {
	// ProtectedPackages may never be removed by an approved plan.
	ProtectedPackages []string `yaml:"protected_packages"`

	// ProtectedServices may never be stopped or disabled.
	ProtectedServices []string `yaml:"protected_services"`

	// Dir is an optional directory of additional Rego policies,
	// relative to the repository root.
	Dir string `yaml:"dir"`
}

// TelemetryConfig selects telemetry behavior.
type TelemetryConfig struct {
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the optional /metrics listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceExporter selects the trace exporter (otlp, stdout, none).
	TraceExporter string `yaml:"trace_exporter"`

	// TraceEndpoint is the OTLP endpoint when the otlp exporter is active.
	TraceEndpoint string `yaml:"trace_endpoint"`
}

// Default returns the default configuration for a new twin repository.
func Default(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Plugins: PluginsConfig{
			Enable: []string{"packages", "services", "files", "startup"},
		},
		Files: FilesConfig{
			MaxFileSize: 1 << 20,
		},
		Collect: CollectConfig{
			Timeout: 2 * time.Minute,
		},
		Remote: RemoteConfig{
			Name:   "origin",
			Branch: "main",
		},
		Policy: PolicyConfig{
			ProtectedPackages: []string{"systemd", "openssh-server", "sudo"},
			ProtectedServices: []string{"ssh.service", "systemd-journald.service"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
		},
	}
}

// Load reads config.yaml from the repository root, creating the default
// configuration file if it does not exist.
func Load(repoRoot string) (*Config, error) {
	path := filepath.Join(repoRoot, ConfigFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default(repoRoot)
		if err := Save(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default(repoRoot)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.RepoRoot = repoRoot

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to config.yaml in the repository root.
func Save(cfg *Config) error {
	if cfg.RepoRoot == "" {
		return fmt.Errorf("config has no repository root")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(cfg.RepoRoot, 0755); err != nil {
		return fmt.Errorf("failed to create repository root: %w", err)
	}
	return os.WriteFile(filepath.Join(cfg.RepoRoot, ConfigFileName), data, 0644)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, root := range c.Files.Roots {
		if root == "/" {
			return fmt.Errorf("invalid configuration: refusing to mirror the filesystem root")
		}
	}
	return nil
}

// PluginEnabled reports whether the named plugin domain is enabled.
func (c *Config) PluginEnabled(domain string) bool {
	for _, name := range c.Plugins.Enable {
		if name == domain {
			return true
		}
	}
	return false
}
