// Package daemon provides the docflow HTTP daemon: configuration
// discovery, the REST API over the workflow controller, the stalled-run
// sweeper and webhook delivery.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/privacypoint/docflow/engine"
)

const (
	projectConfigName = "docflow.yaml"
	homeConfigName    = "config.yaml"
)

// Duration decodes YAML strings like "30s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon's startup configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Database is the SQLite state database path (empty = in-memory state).
	Database string `yaml:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Policy    PolicyConfig    `yaml:"policy"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LLM       LLMConfig       `yaml:"llm"`
}

// PolicyConfig exposes the engine policy knobs in the config file.
type PolicyConfig struct {
	StageTimeout        Duration `yaml:"stage_timeout"`
	MaxAttempts         int      `yaml:"max_attempts"`
	RetryBackoff        Duration `yaml:"retry_backoff"`
	QualityThreshold    float64  `yaml:"quality_threshold"`
	ComplianceThreshold float64  `yaml:"compliance_threshold"`
	MaxAutoRevisions    int      `yaml:"max_auto_revisions"`
	MaxHumanRevisions   int      `yaml:"max_human_revisions"`
	Workers             int      `yaml:"workers"`
	QueueDepth          int      `yaml:"queue_depth"`
	GateStallAfter      Duration `yaml:"gate_stall_after"`
}

// SweeperConfig controls the stalled-run sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression (default "@every 10m").
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// LLMConfig enables LLM-backed document drafting.
type LLMConfig struct {
	// Provider selects the iris provider (empty = deterministic template).
	Provider string `yaml:"provider"`

	// Model is the provider model id.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// DefaultConfig returns the daemon defaults. The policy section mirrors
// engine.DefaultPolicy.
func DefaultConfig() Config {
	p := engine.DefaultPolicy()
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Policy: PolicyConfig{
			StageTimeout:        Duration(p.StageTimeout),
			MaxAttempts:         p.MaxAttempts,
			RetryBackoff:        Duration(p.RetryBackoff),
			QualityThreshold:    p.QualityThreshold,
			ComplianceThreshold: p.ComplianceThreshold,
			MaxAutoRevisions:    p.MaxAutoRevisions,
			MaxHumanRevisions:   p.MaxHumanRevisions,
			Workers:             p.Workers,
			QueueDepth:          p.QueueDepth,
			GateStallAfter:      Duration(72 * time.Hour),
		},
		Sweeper: SweeperConfig{
			Schedule: "@every 10m",
		},
	}
}

// EnginePolicy converts the config's policy section to an engine.Policy.
func (c Config) EnginePolicy() engine.Policy {
	return engine.Policy{
		StageTimeout:        time.Duration(c.Policy.StageTimeout),
		MaxAttempts:         c.Policy.MaxAttempts,
		RetryBackoff:        time.Duration(c.Policy.RetryBackoff),
		QualityThreshold:    c.Policy.QualityThreshold,
		ComplianceThreshold: c.Policy.ComplianceThreshold,
		MaxAutoRevisions:    c.Policy.MaxAutoRevisions,
		MaxHumanRevisions:   c.Policy.MaxHumanRevisions,
		Workers:             c.Policy.Workers,
		QueueDepth:          c.Policy.QueueDepth,
		GateStallAfter:      time.Duration(c.Policy.GateStallAfter),
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: listen address must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if err := c.EnginePolicy().Validate(); err != nil {
		return err
	}
	if c.LLM.Provider != "" && c.LLM.Model == "" {
		return errors.New("config: llm provider set without model")
	}
	return nil
}

// DiscoverConfigPath resolves the config location with first-match
// semantics: the explicit path if given, then ./docflow.yaml, then
// ~/.docflow/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".docflow", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig discovers, reads and validates the daemon configuration.
// Missing config files yield the defaults. Environment variables
// DOCFLOW_LISTEN and DOCFLOW_DATABASE override the file.
func LoadConfig(explicitPath string) (Config, error) {
	cfg := DefaultConfig()

	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if found {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	if listen := os.Getenv("DOCFLOW_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("DOCFLOW_DATABASE"); db != "" {
		cfg.Database = db
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
