// Package config loads the cadence YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/cadence/internal/admission"
	"github.com/fentz26/cadence/internal/connectors/scriptexec"
	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/logging"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/fentz26/cadence/internal/session"
	"github.com/fentz26/cadence/internal/store/objectstore"
	"gopkg.in/yaml.v3"
)

// Snapshot backends.
const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Config holds the daemon configuration.
type Config struct {
	// DBPath is the sqlite database holding snapshots, locks and audit records.
	DBPath string `yaml:"db_path"`
	// Listen is the control plane address.
	Listen string `yaml:"listen"`
	// Timezone is the IANA zone admission windows are evaluated in.
	Timezone string `yaml:"timezone"`

	Log       logging.Config         `yaml:"log"`
	DevTools  DevToolsConfig         `yaml:"devtools"`
	Session   session.Config         `yaml:"session"`
	Admission models.AdmissionPolicy `yaml:"admission"`
	Delays    models.StageDelays     `yaml:"delays"`
	Executor  scriptexec.Config      `yaml:"executor"`
	Scheduler scheduler.Config       `yaml:"scheduler"`
	Snapshot  SnapshotConfig         `yaml:"snapshot"`
	API       APIConfig              `yaml:"api"`
}

// DevToolsConfig points at the browser's remote debugging endpoint.
type DevToolsConfig struct {
	URL string `yaml:"url"`
}

// SnapshotConfig selects where state snapshots are written.
type SnapshotConfig struct {
	Backend string             `yaml:"backend"`
	S3      objectstore.Config `yaml:"s3"`
}

// APIConfig tunes the control plane.
type APIConfig struct {
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns a configuration that runs against a local Chrome
// and keeps automation disarmed.
func DefaultConfig() *Config {
	return &Config{
		DBPath:    filepath.Join(homeDir(), ".cadence", "cadence.db"),
		Listen:    "127.0.0.1:7477",
		Timezone:  "Local",
		Log:       logging.Config{Level: "info", Format: "text"},
		DevTools:  DevToolsConfig{URL: "http://127.0.0.1:9222"},
		Session:   session.DefaultConfig(),
		Admission: admission.DefaultPolicy(),
		Delays:    lifecycle.DefaultDelays(),
		Executor:  scriptexec.Config{Timeout: 2 * time.Minute},
		Scheduler: *scheduler.DefaultConfig(),
		Snapshot:  SnapshotConfig{Backend: BackendSQLite},
		API:       APIConfig{RateLimit: 10, Burst: 20},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// HomePath returns ~/.cadence/config.yaml.
func HomePath() string {
	return filepath.Join(homeDir(), ".cadence", "config.yaml")
}

// LoadConfigFromHome loads configuration from ~/.cadence/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	return LoadConfig(HomePath())
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := admission.ValidatePolicy(c.Admission); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	switch c.Snapshot.Backend {
	case "", BackendSQLite:
	case BackendS3:
		if err := c.Snapshot.S3.Validate(); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
	default:
		return fmt.Errorf("invalid snapshot backend %q, must be: %s or %s", c.Snapshot.Backend, BackendSQLite, BackendS3)
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return fmt.Errorf("api rate_limit and burst must not be negative")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
