package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the policies and settings for a wrapped connection and the
// channels created on it.
type Config struct {
	// Name identifies the connection in logs, metrics, and events.
	Name string

	// ConnectPolicy governs the initial connection attempt.
	ConnectPolicy *Policy

	// RetryPolicy governs retries of caller operations on connections and
	// channels.
	RetryPolicy *Policy

	// RecoveryPolicy governs transport rebuild and topology recovery after
	// a shutdown.
	RecoveryPolicy *Policy

	// RecoverConsumers controls whether consumer subscriptions are replayed
	// onto recovered channels.
	RecoverConsumers bool

	// Log configures the logger built by logging.New.
	Log LogConfig
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FileConfig is the serializable form of Config.
type FileConfig struct {
	Name             string            `yaml:"name"`
	ConnectPolicy    *PolicyDefinition `yaml:"connectPolicy"`
	RetryPolicy      *PolicyDefinition `yaml:"retryPolicy"`
	RecoveryPolicy   *PolicyDefinition `yaml:"recoveryPolicy"`
	RecoverConsumers *bool             `yaml:"recoverConsumers"`
	Log              LogConfig         `yaml:"log"`
}

// Default returns a config that retries and recovers indefinitely with the
// default backoff ladder and replays consumers.
func Default() *Config {
	return &Config{
		ConnectPolicy:    AlwaysRetry(),
		RetryPolicy:      AlwaysRetry(),
		RecoveryPolicy:   AlwaysRetry(),
		RecoverConsumers: true,
		Log:              LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a yaml config file, validates it, and applies environment
// overrides (LYRA_LOG_LEVEL, LYRA_LOG_FORMAT).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg.Name = fc.Name

	for _, pd := range []struct {
		def  *PolicyDefinition
		dest **Policy
	}{
		{fc.ConnectPolicy, &cfg.ConnectPolicy},
		{fc.RetryPolicy, &cfg.RetryPolicy},
		{fc.RecoveryPolicy, &cfg.RecoveryPolicy},
	} {
		if pd.def == nil {
			continue
		}
		if err := ValidateDefinition(*pd.def); err != nil {
			return nil, err
		}
		*pd.dest = pd.def.ToPolicy()
	}

	if fc.RecoverConsumers != nil {
		cfg.RecoverConsumers = *fc.RecoverConsumers
	}
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Log.Format != "" {
		cfg.Log.Format = fc.Log.Format
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LYRA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LYRA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
