package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/safeguard"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Loader handles loading and managing run configurations.
type Loader struct {
	configPath string
	config     *Config
}

// NewLoader creates a configuration loader for the given path.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load loads the configuration from file.
func (l *Loader) Load() (*Config, error) {
	if l.configPath == "" {
		return nil, fmt.Errorf("configuration path is required")
	}
	if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file does not exist: %s", l.configPath)
	}

	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return l.LoadFromString(string(data))
}

// LoadFromString loads configuration from a YAML string.
func (l *Loader) LoadFromString(yamlContent string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	l.substituteEnvVars(&config)
	l.applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	l.config = &config
	return &config, nil
}

// GetConfig returns the loaded configuration.
func (l *Loader) GetConfig() *Config {
	return l.config
}

// Reload reloads the configuration from file.
func (l *Loader) Reload() (*Config, error) {
	return l.Load()
}

// substituteEnvVars replaces ${VAR_NAME} placeholders in secret-bearing
// fields with environment variable values.
func (l *Loader) substituteEnvVars(config *Config) {
	for i := range config.Agents {
		agent := &config.Agents[i]
		if agent.APIKey != "" {
			agent.APIKey = os.ExpandEnv(agent.APIKey)
		}
		if agent.BaseURL != "" {
			agent.BaseURL = os.ExpandEnv(agent.BaseURL)
		}
	}
	if config.Similarity.OracleURL != "" {
		config.Similarity.OracleURL = os.ExpandEnv(config.Similarity.OracleURL)
	}
	if config.Storage.RedisAddr != "" {
		config.Storage.RedisAddr = os.ExpandEnv(config.Storage.RedisAddr)
	}
	if config.Storage.SQLitePath != "" {
		config.Storage.SQLitePath = os.ExpandEnv(config.Storage.SQLitePath)
	}
}

// applyDefaults applies default values to the configuration.
func (l *Loader) applyDefaults(config *Config) {
	if config.Mode == "" {
		config.Mode = ModeConverge
	}
	if config.ReviewMode == "" {
		config.ReviewMode = "dyadic"
	}
	if config.ArtifactType == "" {
		config.ArtifactType = "generic"
	}
	if config.MaxRounds == 0 {
		config.MaxRounds = 5
	}
	if config.CallTimeoutSeconds == 0 {
		config.CallTimeoutSeconds = 120
	}
	if config.PauseFraction == 0 {
		config.PauseFraction = 0.5
	}
	for i := range config.Agents {
		if config.Agents[i].Provider == "" {
			config.Agents[i].Provider = "http"
		}
		if config.Agents[i].Role == "" {
			config.Agents[i].Role = string(trust.RoleCreator)
		}
	}

	cc := convergence.DefaultConfig()
	if config.Convergence.Method == "" {
		config.Convergence.Method = string(cc.Method)
	}
	if config.Convergence.Threshold == 0 {
		config.Convergence.Threshold = cc.Threshold
	}
	if config.Convergence.ConsensusCutoff == 0 {
		config.Convergence.ConsensusCutoff = cc.ConsensusCutoff
	}
	if config.Convergence.VotesStrategy == "" {
		config.Convergence.VotesStrategy = string(cc.VotesStrategy)
	}
	if config.Convergence.RecurringObjectionThreshold == 0 {
		config.Convergence.RecurringObjectionThreshold = cc.RecurringObjectionThreshold
	}

	tc := trust.DefaultConfig()
	if config.Trust.WindowDays == 0 {
		config.Trust.WindowDays = tc.WindowDays
	}
	if config.Trust.RawWindowSize == 0 {
		config.Trust.RawWindowSize = tc.RawWindowSize
	}
	if config.Trust.NewAgentScore == 0 {
		config.Trust.NewAgentScore = tc.NewAgentScore
	}
	if config.Trust.ImpactWeight == 0 {
		config.Trust.ImpactWeight = tc.ImpactWeight
	}
	if config.Trust.DepthWeight == 0 {
		config.Trust.DepthWeight = tc.DepthWeight
	}
	if config.Trust.RegretWeight == 0 {
		config.Trust.RegretWeight = tc.RegretWeight
	}
	if config.Trust.RegretDeadlineHours == 0 {
		config.Trust.RegretDeadlineHours = int(tc.RegretDeadline.Hours())
	}
	if config.Trust.CooldownRounds == 0 {
		config.Trust.CooldownRounds = tc.CooldownRounds
	}
	if config.Trust.ProbationRounds == 0 {
		config.Trust.ProbationRounds = tc.ProbationRounds
	}

	sc := safeguard.DefaultConfig()
	if config.Safeguard.SkipRate == 0 {
		config.Safeguard.SkipRate = sc.SkipRate
	}
	if config.Safeguard.MinTrust == 0 {
		config.Safeguard.MinTrust = sc.MinTrust
	}
	if config.Safeguard.DriftCadence == 0 {
		config.Safeguard.DriftCadence = sc.DriftCadence
	}

	if config.Storage.SQLitePath == "" {
		config.Storage.SQLitePath = "vorsting.db"
	}
	if config.Storage.EventLogDir == "" {
		config.Storage.EventLogDir = "events"
	}
	if config.Storage.OutputDir == "" {
		config.Storage.OutputDir = "output"
	}
	if config.Storage.CacheTTLHours == 0 {
		config.Storage.CacheTTLHours = 24
	}
	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}
