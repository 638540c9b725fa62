// Package orchestrator drives the round loop: generate, review, refine,
// convergence check, repeat. The controller is an explicit state machine
// with a bounded step loop, so a run can be snapshotted and resumed
// instead of living on the call stack.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/metrics"
	"github.com/bdarlt/vors-ting/internal/provider"
	"github.com/bdarlt/vors-ting/internal/rubric"
	"github.com/bdarlt/vors-ting/internal/safeguard"
	"github.com/bdarlt/vors-ting/internal/similarity"
	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// State is a controller state. Converged, Escalated and MaxRounds are
// terminal; Paused is resumable.
type State string

const (
	StateInit        State = "init"
	StateGenerate    State = "generate"
	StateReview      State = "review"
	StateRefine      State = "refine"
	StateConvergence State = "convergence_check"
	StateConverged   State = "converged"
	StateEscalated   State = "escalated"
	StateMaxRounds   State = "max_rounds_reached"
	StatePaused      State = "paused"
)

// Terminal reports whether s ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateEscalated, StateMaxRounds:
		return true
	}
	return false
}

// ReviewMode selects who reviews artifacts.
type ReviewMode string

const (
	// ModeDyadic uses dedicated reviewer agents.
	ModeDyadic ReviewMode = "dyadic"
	// ModePolyadic has peer creators review each other's artifacts.
	ModePolyadic ReviewMode = "polyadic"
)

// Agent binds a name, a role and the content model that speaks for it.
type Agent struct {
	Name  string
	Role  trust.Role
	Model provider.ContentModel
}

// Config tunes a single run.
type Config struct {
	RunID        string        `json:"run_id" yaml:"run_id"`
	Task         string        `json:"task" yaml:"task"`
	Context      string        `json:"context,omitempty" yaml:"context,omitempty"`
	ArtifactType string        `json:"artifact_type" yaml:"artifact_type"`
	Mode         ReviewMode    `json:"mode" yaml:"mode"`
	MaxRounds    int           `json:"max_rounds" yaml:"max_rounds"`
	CallTimeout  time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// PauseFraction pauses the run when more than this fraction of a
	// phase's agents are unavailable.
	PauseFraction float64 `json:"pause_fraction" yaml:"pause_fraction"`
	// ContinueOnEscalate carries triage annotations into the next round
	// instead of halting the run as escalated.
	ContinueOnEscalate bool `json:"continue_on_escalate" yaml:"continue_on_escalate"`
	// ImpactThreshold: a dissent counts as impactful when the reviewed
	// artifact's post-refine similarity drops below this value.
	ImpactThreshold float64 `json:"impact_threshold" yaml:"impact_threshold"`
	OutputDir       string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// DefaultConfig returns run defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeDyadic,
		MaxRounds:       5,
		CallTimeout:     2 * time.Minute,
		PauseFraction:   0.5,
		ImpactThreshold: 0.95,
	}
}

// SafeguardReport is the safeguard slice of a round result.
type SafeguardReport struct {
	DAAgent        string                  `json:"da_agent,omitempty"`
	DriftSeverity  safeguard.DriftSeverity `json:"drift_severity,omitempty"`
	DriftFraction  float64                 `json:"drift_fraction,omitempty"`
	PauseRequested bool                    `json:"pause_requested,omitempty"`
}

// RoundResult is the per-round contract surfaced to callers.
type RoundResult struct {
	Verdict       convergence.Verdict        `json:"verdict"`
	Round         int                        `json:"round"`
	Artifacts     map[string]string          `json:"artifacts"`
	Disagreements []convergence.Disagreement `json:"disagreements,omitempty"`
	Safeguard     SafeguardReport            `json:"safeguard"`
	// Unavailable maps agent name to the failure that benched it this
	// round.
	Unavailable   map[string]string `json:"unavailable,omitempty"`
	MinSimilarity float64           `json:"min_similarity"`
	Accepts       int               `json:"accepts"`
	Required      int               `json:"required"`
}

// RunResult is the whole run's outcome.
type RunResult struct {
	RunID         string              `json:"run_id"`
	Verdict       convergence.Verdict `json:"verdict"`
	Rounds        int                 `json:"rounds"`
	Artifacts     map[string]string   `json:"artifacts"`
	RoundResults  []*RoundResult      `json:"round_results"`
	RegretRate    float64             `json:"regret_rate"`
	AvgTrustDelta float64             `json:"avg_trust_delta"`
	DissentTotal  int                 `json:"dissent_total"`
	OutputDir     string              `json:"output_dir,omitempty"`
}

type pendingImpact struct {
	agent    string
	eventID  string
	artifact string
	class    convergence.DissentClass
}

// Controller owns one run. It is not safe for concurrent use; phase
// concurrency happens inside a step, never across steps.
type Controller struct {
	cfg          Config
	creators     []Agent
	reviewers    []Agent
	detector     *convergence.Detector
	engine       *trust.Engine
	safeguards   *safeguard.Manager
	oracle       similarity.Oracle
	collector    *metrics.Collector
	sink         Sink
	events       EventAppender
	interactions *provider.InteractionLog
	log          *logrus.Logger

	mu          sync.Mutex
	state       State
	resumeState State
	round       int
	artifacts   map[string]string
	previous    map[string]string
	feedback    map[string][]string
	reviews     []convergence.Review
	unavailable map[string]string
	pending     []pendingImpact
	daAgent     string
	lastDrift   *safeguard.DriftReport
	results     []*RoundResult
	dissents    int
	trustBase   map[string]float64
}

// NewController wires a run. Detector, trust engine, safeguard manager
// and oracle are required; collector, sink and events default to no-ops.
func NewController(cfg Config, creators, reviewers []Agent, detector *convergence.Detector,
	engine *trust.Engine, safeguards *safeguard.Manager, oracle similarity.Oracle,
	log *logrus.Logger, opts ...ControllerOption) (*Controller, error) {

	if len(creators) == 0 {
		return nil, fmt.Errorf("at least one creator agent is required")
	}
	if cfg.Mode == ModeDyadic && len(reviewers) == 0 {
		return nil, fmt.Errorf("dyadic mode requires at least one reviewer agent")
	}
	if cfg.Mode == ModePolyadic && len(creators) < 2 {
		return nil, fmt.Errorf("polyadic mode requires at least two creators")
	}
	if cfg.MaxRounds <= 0 {
		return nil, fmt.Errorf("max_rounds must be positive, got %d", cfg.MaxRounds)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.PauseFraction <= 0 {
		cfg.PauseFraction = 0.5
	}
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = 0.95
	}
	if log == nil {
		log = logrus.New()
	}

	c := &Controller{
		cfg:         cfg,
		creators:    creators,
		reviewers:   reviewers,
		detector:    detector,
		engine:      engine,
		safeguards:  safeguards,
		oracle:      oracle,
		sink:        noopSink{},
		events:      noopEvents{},
		log:         log,
		state:       StateInit,
		round:       1,
		artifacts:   make(map[string]string),
		feedback:    make(map[string][]string),
		unavailable: make(map[string]string),
		trustBase:   make(map[string]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ControllerOption configures optional collaborators.
type ControllerOption func(*Controller)

// WithCollector attaches a Prometheus collector.
func WithCollector(col *metrics.Collector) ControllerOption {
	return func(c *Controller) { c.collector = col }
}

// WithSink attaches a persistence sink flushed at round checkpoints.
func WithSink(s Sink) ControllerOption {
	return func(c *Controller) { c.sink = s }
}

// WithEvents attaches the append-only event log.
func WithEvents(e EventAppender) ControllerOption {
	return func(c *Controller) { c.events = e }
}

// WithInteractions attaches the shared prompt/response log so WriteOutput
// can include the run's model exchanges.
func WithInteractions(tape *provider.InteractionLog) ControllerOption {
	return func(c *Controller) { c.interactions = tape }
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Round returns the current round number.
func (c *Controller) Round() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// Artifacts returns a copy of the current artifact set, so a human can
// inspect the last completed round even when the run is paused.
func (c *Controller) Artifacts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// Unavailable returns the agents benched in the current round and why.
func (c *Controller) Unavailable() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.unavailable))
	for k, v := range c.unavailable {
		out[k] = v
	}
	return out
}

// Run steps the state machine until a terminal state or Paused.
func (c *Controller) Run(ctx context.Context) (*RunResult, error) {
	for {
		st := c.State()
		if st.Terminal() || st == StatePaused {
			break
		}
		if err := c.Step(ctx); err != nil {
			return nil, err
		}
	}
	return c.result(), nil
}

// Step executes the current phase and advances the state machine by one
// edge. Calling Step while paused is an error; use Resume first.
func (c *Controller) Step(ctx context.Context) error {
	st := c.State()
	start := time.Now()
	var err error
	switch st {
	case StateInit:
		err = c.stepInit()
	case StateGenerate:
		err = c.stepGenerate(ctx)
	case StateReview:
		err = c.stepReview(ctx)
	case StateRefine:
		err = c.stepRefine(ctx)
	case StateConvergence:
		err = c.stepConvergence(ctx)
	case StatePaused:
		return fmt.Errorf("run %s is paused; call Resume before stepping", c.cfg.RunID)
	default:
		return fmt.Errorf("run %s already finished in state %s", c.cfg.RunID, st)
	}
	if c.collector != nil {
		c.collector.RoundDuration.WithLabelValues(string(st)).Observe(time.Since(start).Seconds())
	}
	return err
}

// Resume re-enters the phase that was interrupted by a pause. The benched
// agents are cleared so the retried phase starts from a clean slate.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("run %s is not paused (state %s)", c.cfg.RunID, c.state)
	}
	c.log.WithFields(logrus.Fields{
		"run_id": c.cfg.RunID,
		"round":  c.round,
		"phase":  c.resumeState,
	}).Info("Resuming paused run")
	c.unavailable = make(map[string]string)
	c.state = c.resumeState
	c.resumeState = ""
	return nil
}

// RecordOverride records a human override of an agent's final artifact.
func (c *Controller) RecordOverride(agent, proposed, decision string) (*trust.OverrideEvent, error) {
	ev, err := c.engine.RecordOverride(agent, c.Round(), proposed, decision)
	if err != nil {
		return nil, err
	}
	if c.collector != nil {
		c.collector.OverridesTotal.Inc()
	}
	c.appendEvent(store.LogEntry{
		Round: ev.Round, Type: store.EventOverride, Agent: agent,
		Payload: ev,
	})
	return ev, nil
}

// OverrideRubric applies a human rubric revision and returns the
// immediate drift report.
func (c *Controller) OverrideRubric(ctx context.Context, revised *rubric.Rubric) (*safeguard.DriftReport, error) {
	report, err := c.safeguards.ApplyOverride(ctx, revised)
	if err != nil {
		return nil, err
	}
	c.noteDrift(report)
	return report, nil
}

func (c *Controller) stepInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.creators {
		c.engine.Register(a.Name, a.Role)
	}
	for _, a := range c.reviewers {
		c.engine.Register(a.Name, a.Role)
	}
	for _, rec := range c.engine.Snapshot() {
		c.trustBase[rec.Name] = rec.Trust
	}
	c.log.WithFields(logrus.Fields{
		"run_id":     c.cfg.RunID,
		"task":       c.cfg.Task,
		"mode":       c.cfg.Mode,
		"creators":   len(c.creators),
		"reviewers":  len(c.reviewers),
		"max_rounds": c.cfg.MaxRounds,
	}).Info("Starting run")
	c.state = StateGenerate
	return nil
}

func (c *Controller) stepConvergence(ctx context.Context) error {
	c.mu.Lock()
	in := &convergence.Input{
		Round:     c.round,
		MaxRounds: c.cfg.MaxRounds,
		Current:   copyMap(c.artifacts),
		Previous:  copyMap(c.previous),
		Reviews:   append([]convergence.Review(nil), c.reviews...),
	}
	c.mu.Unlock()

	res, err := c.detector.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("convergence check failed in round %d: %w", in.Round, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rr := &RoundResult{
		Verdict:       res.Verdict,
		Round:         c.round,
		Artifacts:     copyMap(c.artifacts),
		Disagreements: res.Disagreements,
		Safeguard:     SafeguardReport{DAAgent: c.daAgent},
		Unavailable:   copyMap(c.unavailable),
		MinSimilarity: res.MinSimilarity,
		Accepts:       res.Accepts,
		Required:      res.Required,
	}
	if c.lastDrift != nil {
		rr.Safeguard.DriftSeverity = c.lastDrift.Severity
		rr.Safeguard.DriftFraction = c.lastDrift.Fraction
		rr.Safeguard.PauseRequested = c.lastDrift.PauseAsked
	}
	c.results = append(c.results, rr)

	for _, a := range c.creators {
		if _, benched := c.unavailable[a.Name]; !benched {
			c.engine.RecordParticipation(a.Name)
		}
	}
	for _, a := range c.reviewers {
		if _, benched := c.unavailable[a.Name]; !benched {
			c.engine.RecordParticipation(a.Name)
		}
	}

	c.appendEvent(store.LogEntry{
		Round: c.round, Type: store.EventVerdict, Payload: res,
	})
	if c.collector != nil {
		c.collector.RoundVerdicts.WithLabelValues(string(res.Verdict)).Inc()
		c.collector.MinSimilarity.Observe(res.MinSimilarity)
		for _, dis := range res.Disagreements {
			c.collector.DissentCount.WithLabelValues(string(dis.Class)).Inc()
		}
		for _, rec := range c.engine.Snapshot() {
			c.collector.TrustScore.WithLabelValues(rec.Name).Set(rec.Trust)
		}
	}
	c.flushRoundLocked(ctx, rr)

	c.log.WithFields(logrus.Fields{
		"run_id":         c.cfg.RunID,
		"round":          c.round,
		"verdict":        res.Verdict,
		"min_similarity": res.MinSimilarity,
		"accepts":        res.Accepts,
		"required":       res.Required,
		"disagreements":  len(res.Disagreements),
	}).Info("Round evaluated")

	switch res.Verdict {
	case convergence.VerdictConverged:
		c.state = StateConverged
	case convergence.VerdictMaxRounds:
		c.state = StateMaxRounds
	case convergence.VerdictEscalate:
		if c.cfg.ContinueOnEscalate {
			c.log.WithField("round", c.round).Warn("Escalation flagged; continuing with triage annotations")
			c.advanceRoundLocked(ctx)
		} else {
			c.state = StateEscalated
		}
	default:
		c.advanceRoundLocked(ctx)
	}

	if c.state.Terminal() {
		c.finishLocked(ctx)
	} else if c.lastDrift != nil && c.lastDrift.PauseAsked && c.state != StatePaused {
		c.resumeState = c.state
		c.state = StatePaused
		c.log.WithField("round", c.round).Warn("Pausing run on critical rubric drift")
	}
	return nil
}

// advanceRoundLocked rolls the controller into the next round.
func (c *Controller) advanceRoundLocked(ctx context.Context) {
	c.round++
	c.reviews = nil
	c.feedback = make(map[string][]string)
	c.unavailable = make(map[string]string)
	c.daAgent = ""
	c.lastDrift = nil

	report, err := c.safeguards.AdvanceRound(ctx, c.round)
	if err != nil {
		c.log.WithError(err).Warn("Scheduled drift check failed")
	} else if report != nil {
		c.noteDriftLocked(report)
	}
	c.state = StateReview
}

func (c *Controller) finishLocked(ctx context.Context) {
	final := copyMap(c.artifacts)
	regretted := c.engine.SweepRegret(func(agent string) (string, bool) {
		text, ok := final[agent]
		return text, ok
	})
	for range regretted {
		if c.collector != nil {
			c.collector.RegretTotal.Inc()
		}
	}
	if c.collector != nil {
		c.collector.RunsTotal.WithLabelValues(string(c.state)).Inc()
	}
	c.flushSummaryLocked(ctx)
}

func (c *Controller) noteDrift(report *safeguard.DriftReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteDriftLocked(report)
}

func (c *Controller) noteDriftLocked(report *safeguard.DriftReport) {
	c.lastDrift = report
	if c.collector != nil {
		c.collector.DriftChecks.WithLabelValues(string(report.Severity)).Inc()
	}
	c.appendEvent(store.LogEntry{
		Round: c.round, Type: store.EventSafeguard, Payload: report,
	})
}

func (c *Controller) result() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &RunResult{
		RunID:        c.cfg.RunID,
		Verdict:      verdictForState(c.state),
		Rounds:       len(c.results),
		Artifacts:    copyMap(c.artifacts),
		RoundResults: append([]*RoundResult(nil), c.results...),
		DissentTotal: c.dissents,
	}

	var overrides, regretted int
	var deltaSum float64
	var deltaN int
	for _, rec := range c.engine.Snapshot() {
		for _, o := range rec.Overrides {
			overrides++
			if o.Regret {
				regretted++
			}
		}
		overrides += rec.OverrideAgg.Count
		regretted += rec.OverrideAgg.Regretted
		if base, ok := c.trustBase[rec.Name]; ok {
			deltaSum += rec.Trust - base
			deltaN++
		}
	}
	if overrides > 0 {
		out.RegretRate = float64(regretted) / float64(overrides)
	}
	if deltaN > 0 {
		out.AvgTrustDelta = deltaSum / float64(deltaN)
	}
	return out
}

func verdictForState(s State) convergence.Verdict {
	switch s {
	case StateConverged:
		return convergence.VerdictConverged
	case StateEscalated:
		return convergence.VerdictEscalate
	case StateMaxRounds:
		return convergence.VerdictMaxRounds
	}
	return convergence.VerdictContinue
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
