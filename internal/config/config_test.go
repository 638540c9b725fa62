package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

const validYAML = `
task: "Write an ADR for the new cache layer"
artifact_type: adr
mode: converge
review_mode: dyadic
max_rounds: 4
agents:
  - name: alpha
    role: creator
    provider: mock
  - name: beta
    role: creator
    provider: mock
  - name: critic
    role: reviewer
    provider: mock
convergence:
  method: consensus
  threshold: 0.8
rubric:
  criteria:
    - name: accuracy
      description: claims are verifiable
      weight: 2.0
    - name: clarity
      weight: 1.0
`

func loadString(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	return NewLoader("").LoadFromString(yaml)
}

// =============================================================================
// Loading Tests
// =============================================================================

func TestLoadFromString_Valid(t *testing.T) {
	cfg, err := loadString(t, validYAML)
	require.NoError(t, err)

	assert.Equal(t, "adr", cfg.ArtifactType)
	assert.Equal(t, 4, cfg.MaxRounds)
	assert.Len(t, cfg.Agents, 3)
	assert.Equal(t, "consensus", cfg.Convergence.Method)
	assert.InDelta(t, 0.8, cfg.Convergence.Threshold, 1e-9)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loader.GetConfig())

	reloaded, err := loader.Reload()
	require.NoError(t, err)
	assert.Equal(t, cfg.Task, reloaded.Task)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestLoadFromString_InvalidYAML(t *testing.T) {
	_, err := loadString(t, "task: [unclosed")
	assert.Error(t, err)
}

func TestLoadFromString_AppliesDefaults(t *testing.T) {
	cfg, err := loadString(t, validYAML)
	require.NoError(t, err)

	// Omitted sections pick up the documented defaults.
	assert.Equal(t, string(trust.StrategyHybrid), cfg.Convergence.VotesStrategy)
	assert.InDelta(t, 0.7, cfg.Convergence.ConsensusCutoff, 1e-9)
	assert.Equal(t, 90, cfg.Trust.WindowDays)
	assert.Equal(t, 100, cfg.Trust.RawWindowSize)
	assert.InDelta(t, 0.6, cfg.Trust.NewAgentScore, 1e-9)
	assert.Equal(t, 24, cfg.Trust.RegretDeadlineHours)
	assert.Equal(t, 3, cfg.Trust.CooldownRounds)
	assert.Equal(t, 5, cfg.Trust.ProbationRounds)
	assert.InDelta(t, 0.1, cfg.Safeguard.SkipRate, 1e-9)
	assert.Equal(t, 3, cfg.Safeguard.DriftCadence)
	assert.InDelta(t, 0.5, cfg.PauseFraction, 1e-9)
	assert.Equal(t, "vorsting.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Server.Enabled)
}

func TestLoadFromString_ServerSection(t *testing.T) {
	cfg, err := loadString(t, validYAML+`
server:
  enabled: true
  addr: ":9090"
`)
	require.NoError(t, err)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadFromString_EnvSubstitution(t *testing.T) {
	t.Setenv("VORSTING_TEST_KEY", "sk-secret")
	t.Setenv("VORSTING_TEST_URL", "http://models.internal:9000")

	yaml := `
task: "Write an ADR"
mode: converge
agents:
  - name: alpha
    role: creator
    provider: http
    base_url: ${VORSTING_TEST_URL}
    api_key: ${VORSTING_TEST_KEY}
  - name: critic
    role: reviewer
    provider: mock
rubric:
  criteria:
    - name: accuracy
      weight: 1.0
`
	cfg, err := loadString(t, yaml)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Agents[0].APIKey)
	assert.Equal(t, "http://models.internal:9000", cfg.Agents[0].BaseURL)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg, err := loadString(t, validYAML)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing task", func(c *Config) { c.Task = "" }, "task is required"},
		{"diverge mode", func(c *Config) { c.Mode = ModeDiverge }, "not implemented"},
		{"unknown mode", func(c *Config) { c.Mode = "debate" }, "unknown mode"},
		{"unknown review mode", func(c *Config) { c.ReviewMode = "triadic" }, "unknown review mode"},
		{"zero rounds", func(c *Config) { c.MaxRounds = -1 }, "max_rounds"},
		{"unknown role", func(c *Config) { c.Agents[0].Role = "moderator" }, "unknown role"},
		{"unknown provider", func(c *Config) { c.Agents[0].Provider = "grpc" }, "unknown provider"},
		{"duplicate agent", func(c *Config) { c.Agents[1].Name = "alpha" }, "duplicate agent"},
		{"http without base_url", func(c *Config) { c.Agents[0].Provider = "http" }, "base_url"},
		{"unknown method", func(c *Config) { c.Convergence.Method = "vibes" }, "unknown convergence method"},
		{"unknown strategy", func(c *Config) { c.Convergence.VotesStrategy = "median" }, "unknown votes strategy"},
		{"threshold range", func(c *Config) { c.Convergence.Threshold = 1.5 }, "threshold"},
		{"skip rate range", func(c *Config) { c.Safeguard.SkipRate = 2 }, "skip_rate"},
		{"no rubric", func(c *Config) { c.Rubric = RubricConfig{} }, "rubric"},
		{"bad criterion weight", func(c *Config) { c.Rubric.Criteria[0].Weight = 0 }, "weight"},
		{"no creators", func(c *Config) {
			c.Agents = []AgentConfig{{Name: "critic", Role: "reviewer", Provider: "mock"}}
		}, "creator"},
		{"polyadic one creator", func(c *Config) {
			c.ReviewMode = "polyadic"
			c.Agents = c.Agents[:1]
		}, "two creators"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// Mapping Tests
// =============================================================================

func TestConfig_ToConvergence(t *testing.T) {
	cfg, err := loadString(t, validYAML)
	require.NoError(t, err)

	cc := cfg.ToConvergence()
	assert.Equal(t, convergence.MethodConsensus, cc.Method)
	assert.InDelta(t, 0.8, cc.Threshold, 1e-9)
	assert.Equal(t, trust.StrategyHybrid, cc.VotesStrategy)
	assert.InDelta(t, 0.85, cc.RecurringObjectionThreshold, 1e-9)
}

func TestConfig_ToTrust(t *testing.T) {
	cfg, err := loadString(t, validYAML)
	require.NoError(t, err)

	tc := cfg.ToTrust()
	assert.Equal(t, trust.DefaultConfig(), tc)
}

func TestConfig_ArtifactExtension(t *testing.T) {
	cfg := &Config{ArtifactType: "adr"}
	assert.Equal(t, "md", store.ArtifactExtension(cfg.ArtifactType))
	cfg.ArtifactType = "cursor-rules"
	assert.Equal(t, "mdc", store.ArtifactExtension(cfg.ArtifactType))
	cfg.ArtifactType = "something-else"
	assert.Equal(t, "txt", store.ArtifactExtension(cfg.ArtifactType))
}

func TestConfig_GoldRubricInline(t *testing.T) {
	cfg, err := loadString(t, validYAML)
	require.NoError(t, err)

	r, err := cfg.GoldRubric()
	require.NoError(t, err)
	assert.Equal(t, "adr", r.Name)
	require.Len(t, r.Criteria, 2)
	assert.InDelta(t, 2.0, r.Criteria[0].Weight, 1e-9)
}
