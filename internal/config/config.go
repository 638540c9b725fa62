// Package config defines the run configuration file format and its
// validation. Validation failures are fatal at startup: a run never
// begins on a malformed configuration.
package config

import (
	"fmt"
	"time"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/orchestrator"
	"github.com/bdarlt/vors-ting/internal/provider"
	"github.com/bdarlt/vors-ting/internal/rubric"
	"github.com/bdarlt/vors-ting/internal/safeguard"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Config is the top-level run configuration.
type Config struct {
	Task         string `json:"task" yaml:"task"`
	Context      string `json:"context,omitempty" yaml:"context,omitempty"`
	ArtifactType string `json:"artifact_type" yaml:"artifact_type"`
	// Mode is converge or diverge. Diverge is reserved and rejected at
	// validation time.
	Mode               string        `json:"mode" yaml:"mode"`
	ReviewMode         string        `json:"review_mode" yaml:"review_mode"`
	MaxRounds          int           `json:"max_rounds" yaml:"max_rounds"`
	CallTimeoutSeconds int           `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	PauseFraction      float64       `json:"pause_fraction" yaml:"pause_fraction"`
	ContinueOnEscalate bool          `json:"continue_on_escalate" yaml:"continue_on_escalate"`
	Agents             []AgentConfig `json:"agents" yaml:"agents"`

	Convergence ConvergenceConfig `json:"convergence" yaml:"convergence"`
	Similarity  SimilarityConfig  `json:"similarity" yaml:"similarity"`
	Trust       TrustConfig       `json:"trust" yaml:"trust"`
	Safeguard   SafeguardConfig   `json:"safeguard" yaml:"safeguard"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Rubric      RubricConfig      `json:"rubric" yaml:"rubric"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// AgentConfig describes one participating agent and the content model
// that speaks for it.
type AgentConfig struct {
	Name         string  `json:"name" yaml:"name"`
	Role         string  `json:"role" yaml:"role"`
	Provider     string  `json:"provider" yaml:"provider"` // http or mock
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL      string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey       string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// ConvergenceConfig tunes the convergence detector.
type ConvergenceConfig struct {
	Method                      string  `json:"method" yaml:"method"`
	Threshold                   float64 `json:"threshold" yaml:"threshold"`
	ConsensusCutoff             float64 `json:"consensus_cutoff" yaml:"consensus_cutoff"`
	VotesStrategy               string  `json:"votes_strategy" yaml:"votes_strategy"`
	RecurringObjectionThreshold float64 `json:"recurring_objection_threshold" yaml:"recurring_objection_threshold"`
}

// SimilarityConfig selects the similarity oracle. An empty OracleURL
// means the built-in lexical oracle.
type SimilarityConfig struct {
	OracleURL string `json:"oracle_url,omitempty" yaml:"oracle_url,omitempty"`
}

// TrustConfig tunes the trust engine.
type TrustConfig struct {
	WindowDays          int     `json:"window_days" yaml:"window_days"`
	RawWindowSize       int     `json:"raw_window_size" yaml:"raw_window_size"`
	NewAgentScore       float64 `json:"new_agent_score" yaml:"new_agent_score"`
	ImpactWeight        float64 `json:"impact_weight" yaml:"impact_weight"`
	DepthWeight         float64 `json:"depth_weight" yaml:"depth_weight"`
	RegretWeight        float64 `json:"regret_weight" yaml:"regret_weight"`
	RegretDeadlineHours int     `json:"regret_deadline_hours" yaml:"regret_deadline_hours"`
	CooldownRounds      int     `json:"cooldown_rounds" yaml:"cooldown_rounds"`
	ProbationRounds     int     `json:"probation_rounds" yaml:"probation_rounds"`
}

// SafeguardConfig tunes Devil's Advocate selection and drift monitoring.
type SafeguardConfig struct {
	SkipRate        float64 `json:"skip_rate" yaml:"skip_rate"`
	MinTrust        float64 `json:"min_trust" yaml:"min_trust"`
	DriftCadence    int     `json:"drift_cadence" yaml:"drift_cadence"`
	PauseOnCritical bool    `json:"pause_on_critical" yaml:"pause_on_critical"`
}

// StorageConfig locates the persistence layer.
type StorageConfig struct {
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path"`
	EventLogDir string `json:"event_log_dir" yaml:"event_log_dir"`
	OutputDir   string `json:"output_dir" yaml:"output_dir"`
	// RedisAddr enables the similarity cache when set.
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	CacheTTLHours int    `json:"cache_ttl_hours,omitempty" yaml:"cache_ttl_hours,omitempty"`
}

// RubricConfig locates the gold and living rubrics. Inline criteria are
// used when no gold path is given.
type RubricConfig struct {
	GoldPath   string            `json:"gold_path,omitempty" yaml:"gold_path,omitempty"`
	LivingPath string            `json:"living_path,omitempty" yaml:"living_path,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Criteria   []CriterionConfig `json:"criteria,omitempty" yaml:"criteria,omitempty"`
}

// CriterionConfig is one inline rubric criterion.
type CriterionConfig struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      float64 `json:"weight" yaml:"weight"`
}

// ServerConfig tunes the optional read API.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// LoggingConfig tunes the logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

const (
	ModeConverge = "converge"
	ModeDiverge  = "diverge"
)

// Validate checks the configuration. Any unknown role, method, strategy
// or mode is an error.
func (c *Config) Validate() error {
	if c.Task == "" {
		return fmt.Errorf("task is required")
	}
	if c.Mode != ModeConverge {
		if c.Mode == ModeDiverge {
			return fmt.Errorf("mode %q is not implemented", c.Mode)
		}
		return fmt.Errorf("unknown mode %q (expected %q)", c.Mode, ModeConverge)
	}
	switch orchestrator.ReviewMode(c.ReviewMode) {
	case orchestrator.ModeDyadic, orchestrator.ModePolyadic:
	default:
		return fmt.Errorf("unknown review mode %q", c.ReviewMode)
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive, got %d", c.MaxRounds)
	}
	if c.PauseFraction < 0 || c.PauseFraction > 1 {
		return fmt.Errorf("pause_fraction must be in [0,1], got %v", c.PauseFraction)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	creators, reviewers := 0, 0
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if !trust.ValidRole(trust.Role(a.Role)) {
			return fmt.Errorf("agent %q: unknown role %q", a.Name, a.Role)
		}
		switch a.Role {
		case string(trust.RoleCreator):
			creators++
		case string(trust.RoleReviewer):
			reviewers++
		}
		switch a.Provider {
		case "http":
			if a.BaseURL == "" {
				return fmt.Errorf("agent %q: http provider requires base_url", a.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("agent %q: unknown provider %q", a.Name, a.Provider)
		}
	}
	if creators == 0 {
		return fmt.Errorf("at least one creator agent is required")
	}
	if orchestrator.ReviewMode(c.ReviewMode) == orchestrator.ModeDyadic && reviewers == 0 {
		return fmt.Errorf("dyadic review mode requires at least one reviewer agent")
	}
	if orchestrator.ReviewMode(c.ReviewMode) == orchestrator.ModePolyadic && creators < 2 {
		return fmt.Errorf("polyadic review mode requires at least two creators")
	}

	if !convergence.ValidMethod(convergence.Method(c.Convergence.Method)) {
		return fmt.Errorf("unknown convergence method %q", c.Convergence.Method)
	}
	if !trust.ValidVoteStrategy(trust.VoteStrategy(c.Convergence.VotesStrategy)) {
		return fmt.Errorf("unknown votes strategy %q", c.Convergence.VotesStrategy)
	}
	if c.Convergence.Threshold < 0 || c.Convergence.Threshold > 1 {
		return fmt.Errorf("convergence threshold must be in [0,1], got %v", c.Convergence.Threshold)
	}
	if c.Safeguard.SkipRate < 0 || c.Safeguard.SkipRate > 1 {
		return fmt.Errorf("safeguard skip_rate must be in [0,1], got %v", c.Safeguard.SkipRate)
	}
	if c.Rubric.GoldPath == "" && len(c.Rubric.Criteria) == 0 {
		return fmt.Errorf("rubric requires either gold_path or inline criteria")
	}
	for i, cr := range c.Rubric.Criteria {
		if cr.Name == "" {
			return fmt.Errorf("rubric criterion %d: name is required", i)
		}
		if cr.Weight <= 0 {
			return fmt.Errorf("rubric criterion %q: weight must be positive", cr.Name)
		}
	}
	return nil
}

// ToConvergence maps onto the detector's config.
func (c *Config) ToConvergence() convergence.Config {
	return convergence.Config{
		Method:                      convergence.Method(c.Convergence.Method),
		Threshold:                   c.Convergence.Threshold,
		ConsensusCutoff:             c.Convergence.ConsensusCutoff,
		VotesStrategy:               trust.VoteStrategy(c.Convergence.VotesStrategy),
		RecurringObjectionThreshold: c.Convergence.RecurringObjectionThreshold,
	}
}

// ToTrust maps onto the trust engine's config.
func (c *Config) ToTrust() trust.Config {
	return trust.Config{
		WindowDays:      c.Trust.WindowDays,
		RawWindowSize:   c.Trust.RawWindowSize,
		NewAgentScore:   c.Trust.NewAgentScore,
		ImpactWeight:    c.Trust.ImpactWeight,
		DepthWeight:     c.Trust.DepthWeight,
		RegretWeight:    c.Trust.RegretWeight,
		RegretDeadline:  time.Duration(c.Trust.RegretDeadlineHours) * time.Hour,
		CooldownRounds:  c.Trust.CooldownRounds,
		ProbationRounds: c.Trust.ProbationRounds,
	}
}

// ToSafeguard maps onto the safeguard manager's config.
func (c *Config) ToSafeguard() safeguard.Config {
	return safeguard.Config{
		SkipRate:        c.Safeguard.SkipRate,
		MinTrust:        c.Safeguard.MinTrust,
		DriftCadence:    c.Safeguard.DriftCadence,
		PauseOnCritical: c.Safeguard.PauseOnCritical,
	}
}

// ToRun maps onto the controller's config.
func (c *Config) ToRun(runID string) orchestrator.Config {
	return orchestrator.Config{
		RunID:              runID,
		Task:               c.Task,
		Context:            c.Context,
		ArtifactType:       c.ArtifactType,
		Mode:               orchestrator.ReviewMode(c.ReviewMode),
		MaxRounds:          c.MaxRounds,
		CallTimeout:        time.Duration(c.CallTimeoutSeconds) * time.Second,
		PauseFraction:      c.PauseFraction,
		ContinueOnEscalate: c.ContinueOnEscalate,
		OutputDir:          c.Storage.OutputDir,
	}
}

// ToRetry maps onto the provider retry wrapper's config.
func (c *Config) ToRetry() provider.RetryConfig {
	cfg := provider.DefaultRetryConfig()
	if c.CallTimeoutSeconds > 0 {
		cfg.CallTimeout = time.Duration(c.CallTimeoutSeconds) * time.Second
	}
	return cfg
}

// GoldRubric materializes the gold rubric, from file when a path is
// configured, otherwise from the inline criteria.
func (c *Config) GoldRubric() (*rubric.Rubric, error) {
	if c.Rubric.GoldPath != "" {
		return rubric.Load(c.Rubric.GoldPath)
	}
	r := &rubric.Rubric{Name: c.Rubric.Name}
	if r.Name == "" {
		r.Name = c.ArtifactType
	}
	for _, cr := range c.Rubric.Criteria {
		r.Criteria = append(r.Criteria, rubric.Criterion{
			Name:        cr.Name,
			Description: cr.Description,
			Weight:      cr.Weight,
		})
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inline rubric: %w", err)
	}
	return r, nil
}
