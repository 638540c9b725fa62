package trust

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/similarity"
)

// Config tunes the trust engine's numeric policies.
type Config struct {
	// WindowDays bounds the rolling history window for score computation.
	WindowDays int `json:"window_days" yaml:"window_days"`
	// RawWindowSize bounds the per-kind raw event ring buffer; older
	// events compress into rolling aggregates.
	RawWindowSize int `json:"raw_window_size" yaml:"raw_window_size"`
	// NewAgentScore is the trust assigned before any history exists.
	NewAgentScore float64 `json:"new_agent_score" yaml:"new_agent_score"`
	// ImpactWeight, DepthWeight, RegretWeight are the trust formula
	// coefficients.
	ImpactWeight float64 `json:"impact_weight" yaml:"impact_weight"`
	DepthWeight  float64 `json:"depth_weight" yaml:"depth_weight"`
	RegretWeight float64 `json:"regret_weight" yaml:"regret_weight"`
	// RegretDeadline is how long after an override the automated regret
	// check fires.
	RegretDeadline time.Duration `json:"regret_deadline" yaml:"regret_deadline"`
	// CooldownRounds is the Devil's Advocate cooldown window length.
	CooldownRounds int `json:"cooldown_rounds" yaml:"cooldown_rounds"`
	// ProbationRounds is the minimum participation count before an agent
	// becomes Devil's Advocate eligible.
	ProbationRounds int `json:"probation_rounds" yaml:"probation_rounds"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays:      90,
		RawWindowSize:   100,
		NewAgentScore:   0.6,
		ImpactWeight:    0.4,
		DepthWeight:     0.3,
		RegretWeight:    0.3,
		RegretDeadline:  24 * time.Hour,
		CooldownRounds:  3,
		ProbationRounds: 5,
	}
}

// Engine owns all agent records for a run. It is the only mutator of
// trust state; the orchestrator holds the single live reference and
// persistence happens at load/flush boundaries.
//
// Appends are serialized per agent: one agent's events are totally
// ordered, while events for different agents proceed concurrently.
type Engine struct {
	cfg    Config
	oracle similarity.Oracle
	log    *logrus.Logger
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentState
}

type agentState struct {
	mu  sync.Mutex
	rec *AgentRecord
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a trust engine. The oracle scores dissent novelty
// against the agent's own prior dissents.
func NewEngine(cfg Config, oracle similarity.Oracle, log *logrus.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logrus.New()
	}
	if oracle == nil {
		oracle = similarity.NewLexical()
	}
	e := &Engine{
		cfg:    cfg,
		oracle: oracle,
		log:    log,
		now:    time.Now,
		agents: make(map[string]*agentState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register creates the agent record on first participation, or merges role
// capabilities into an existing one.
func (e *Engine) Register(name string, roles ...Role) *AgentRecord {
	e.mu.Lock()
	st, ok := e.agents[name]
	if !ok {
		now := e.now()
		rec := &AgentRecord{
			Name:      name,
			Roles:     append([]Role(nil), roles...),
			CreatedAt: now,
			UpdatedAt: now,
			Trust:     e.cfg.NewAgentScore,
			TrustHistory: []TrustSample{
				{Timestamp: now, Score: e.cfg.NewAgentScore, Reason: "initial"},
			},
		}
		st = &agentState{rec: rec}
		e.agents[name] = st
		e.mu.Unlock()
		e.log.WithField("agent", name).Debug("Registered new agent record")
		return rec.clone()
	}
	e.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, r := range roles {
		if !hasRole(st.rec.Roles, r) {
			st.rec.Roles = append(st.rec.Roles, r)
		}
	}
	return st.rec.clone()
}

func hasRole(roles []Role, r Role) bool {
	for _, have := range roles {
		if have == r {
			return true
		}
	}
	return false
}

func (e *Engine) state(name string) (*agentState, error) {
	e.mu.RLock()
	st, ok := e.agents[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return st, nil
}

// RecordParticipation bumps the participation counters for the named
// agents. Counters never decrease.
func (e *Engine) RecordParticipation(names ...string) {
	for _, name := range names {
		st, err := e.state(name)
		if err != nil {
			continue
		}
		st.mu.Lock()
		st.rec.Participations++
		st.rec.UpdatedAt = e.now()
		st.mu.Unlock()
	}
}

// RecordDissent appends a dissent event for the agent. Novelty is scored
// against the agent's own prior dissents in the raw window; the first
// dissent has novelty 0. The trust score is not recomputed until the
// dissent's impact is finalized.
func (e *Engine) RecordDissent(ctx context.Context, agent string, round int, text string, cited []string) (*DissentEvent, error) {
	st, err := e.state(agent)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	novelty, err := e.noveltyLocked(ctx, st, text)
	if err != nil {
		return nil, fmt.Errorf("failed to score dissent novelty: %w", err)
	}

	ev := &DissentEvent{
		ID:            uuid.New().String(),
		Agent:         agent,
		Round:         round,
		Timestamp:     e.now(),
		Text:          text,
		CitedCriteria: append([]string(nil), cited...),
		Novelty:       novelty,
		Depth:         DepthScore(WordCount(text), len(cited), novelty),
	}

	st.rec.Dissents = append(st.rec.Dissents, ev)
	if e.cfg.RawWindowSize > 0 && len(st.rec.Dissents) > e.cfg.RawWindowSize {
		oldest := st.rec.Dissents[0]
		st.rec.DissentAgg.Count++
		st.rec.DissentAgg.DepthSum += oldest.Depth
		if oldest.Finalized() {
			st.rec.DissentAgg.Finalized++
		}
		if oldest.Impactful() {
			st.rec.DissentAgg.Impactful++
		}
		st.rec.Dissents = st.rec.Dissents[1:]
	}
	st.rec.UpdatedAt = ev.Timestamp

	copied := *ev
	return &copied, nil
}

// noveltyLocked computes 1 - max(similarity to prior dissents), 0 when no
// prior dissents exist.
func (e *Engine) noveltyLocked(ctx context.Context, st *agentState, text string) (float64, error) {
	if len(st.rec.Dissents) == 0 {
		return 0, nil
	}
	maxSim := 0.0
	for _, prior := range st.rec.Dissents {
		sim, err := e.oracle.Similarity(ctx, text, prior.Text)
		if err != nil {
			return 0, err
		}
		if sim > maxSim {
			maxSim = sim
		}
	}
	novelty := 1 - maxSim
	if novelty < 0 {
		novelty = 0
	}
	return novelty, nil
}

// FinalizeDissentImpact sets a dissent's impact exactly once and
// recomputes the trust score.
func (e *Engine) FinalizeDissentImpact(agent, eventID string, impact bool) error {
	st, err := e.state(agent)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, ev := range st.rec.Dissents {
		if ev.ID != eventID {
			continue
		}
		if ev.Finalized() {
			return fmt.Errorf("dissent %s impact already finalized", eventID)
		}
		v := impact
		ev.Impact = &v
		e.recomputeLocked(st, fmt.Sprintf("dissent %s finalized (impact=%v)", eventID, impact))
		return nil
	}
	return fmt.Errorf("dissent %s not found for agent %q (it may have aged out of the raw window)", eventID, agent)
}

// RecordOverride appends a human-override event with its automated regret
// check deadline.
func (e *Engine) RecordOverride(agent string, round int, proposed, decision string) (*OverrideEvent, error) {
	st, err := e.state(agent)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.now()
	ev := &OverrideEvent{
		ID:                uuid.New().String(),
		Agent:             agent,
		Round:             round,
		Timestamp:         now,
		Proposed:          proposed,
		Decision:          decision,
		AutoCheckDeadline: now.Add(e.cfg.RegretDeadline),
	}

	st.rec.Overrides = append(st.rec.Overrides, ev)
	if e.cfg.RawWindowSize > 0 && len(st.rec.Overrides) > e.cfg.RawWindowSize {
		oldest := st.rec.Overrides[0]
		st.rec.OverrideAgg.Count++
		if oldest.RegretSet && oldest.Regret {
			st.rec.OverrideAgg.Regretted++
		}
		st.rec.Overrides = st.rec.Overrides[1:]
	}
	st.rec.UpdatedAt = now

	copied := *ev
	return &copied, nil
}

// MarkRegret records an explicit human revert of an override. The regret
// flag transitions unset-to-set exactly once.
func (e *Engine) MarkRegret(agent, eventID, revertedBy string) error {
	st, err := e.state(agent)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, ev := range st.rec.Overrides {
		if ev.ID != eventID {
			continue
		}
		if ev.RegretSet {
			return fmt.Errorf("override %s regret already set", eventID)
		}
		ev.Regret = true
		ev.RegretSet = true
		ev.RevertedBy = revertedBy
		e.recomputeLocked(st, fmt.Sprintf("override %s reverted by %s", eventID, revertedBy))
		return nil
	}
	return fmt.Errorf("override %s not found for agent %q", eventID, agent)
}

// SweepRegret runs the automated regret check: any override past its
// deadline whose human decision differs from the surviving final output
// for that agent's artifact lineage is marked regretted. finalOutput
// resolves an agent name to the currently-kept final text. Returns the
// IDs of the overrides marked regretted; upheld decisions are finalized
// silently.
func (e *Engine) SweepRegret(finalOutput func(agent string) (string, bool)) []string {
	e.mu.RLock()
	states := make([]*agentState, 0, len(e.agents))
	for _, st := range e.agents {
		states = append(states, st)
	}
	e.mu.RUnlock()

	now := e.now()
	var marked []string
	for _, st := range states {
		st.mu.Lock()
		changed := false
		for _, ev := range st.rec.Overrides {
			if ev.RegretSet || now.Before(ev.AutoCheckDeadline) {
				continue
			}
			final, ok := finalOutput(ev.Agent)
			if !ok {
				continue
			}
			// The human's choice was itself superseded: regret.
			ev.Regret = final != ev.Decision
			ev.RegretSet = true
			if ev.Regret {
				marked = append(marked, ev.ID)
			}
			changed = true
		}
		if changed {
			e.recomputeLocked(st, "automated regret sweep")
		}
		st.mu.Unlock()
	}
	return marked
}

// recomputeLocked recomputes the trust score from the bounded history
// window and appends a history sample. Deterministic: the same event
// history always yields the same score.
func (e *Engine) recomputeLocked(st *agentState, reason string) {
	now := e.now()
	score := computeTrust(e.cfg, st.rec, now)
	st.rec.Trust = score
	st.rec.TrustHistory = append(st.rec.TrustHistory, TrustSample{
		Timestamp: now,
		Score:     score,
		Reason:    reason,
	})
	st.rec.UpdatedAt = now
	e.log.WithFields(logrus.Fields{
		"agent": st.rec.Name,
		"trust": score,
	}).Debug("Recomputed trust score")
}

// computeTrust applies the trust formula over the rolling window, falling
// back to full history (raw events plus compressed aggregates) when the
// window holds no events:
//
//	trust = 0.4*impact_ratio + 0.3*avg_depth + 0.3*(1 - regret_ratio)
//
// clamped to [0,1]. Agents with no history keep the new-agent score.
func computeTrust(cfg Config, rec *AgentRecord, now time.Time) float64 {
	cutoff := now.AddDate(0, 0, -cfg.WindowDays)

	var dissents []*DissentEvent
	for _, d := range rec.Dissents {
		if !d.Timestamp.Before(cutoff) {
			dissents = append(dissents, d)
		}
	}
	var overrides []*OverrideEvent
	for _, o := range rec.Overrides {
		if !o.Timestamp.Before(cutoff) {
			overrides = append(overrides, o)
		}
	}

	useFull := len(dissents) == 0 && len(overrides) == 0
	if useFull {
		dissents = rec.Dissents
		overrides = rec.Overrides
	}

	var dissentCount, impactful int
	var depthSum float64
	for _, d := range dissents {
		dissentCount++
		depthSum += d.Depth
		if d.Impactful() {
			impactful++
		}
	}
	var overrideCount, regretted int
	for _, o := range overrides {
		overrideCount++
		if o.RegretSet && o.Regret {
			regretted++
		}
	}
	if useFull {
		dissentCount += rec.DissentAgg.Count
		impactful += rec.DissentAgg.Impactful
		depthSum += rec.DissentAgg.DepthSum
		overrideCount += rec.OverrideAgg.Count
		regretted += rec.OverrideAgg.Regretted
	}

	if dissentCount == 0 && overrideCount == 0 {
		return cfg.NewAgentScore
	}

	var impactRatio, avgDepth float64
	if dissentCount > 0 {
		impactRatio = float64(impactful) / float64(dissentCount)
		avgDepth = depthSum / float64(dissentCount)
	}
	var regretRatio float64
	if overrideCount > 0 {
		regretRatio = float64(regretted) / float64(overrideCount)
	}

	score := cfg.ImpactWeight*impactRatio + cfg.DepthWeight*avgDepth + cfg.RegretWeight*(1-regretRatio)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Trust returns the agent's current score.
func (e *Engine) Trust(agent string) (float64, bool) {
	st, err := e.state(agent)
	if err != nil {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Trust, true
}

// Eligible reports whether the agent has cleared probation.
func (e *Engine) Eligible(agent string) bool {
	st, err := e.state(agent)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Participations >= e.cfg.ProbationRounds
}

// CooldownPenalty returns the agent's current selection weight multiplier.
func (e *Engine) CooldownPenalty(agent string) float64 {
	st, err := e.state(agent)
	if err != nil {
		return 1.0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Cooldown.Penalty()
}

// NoteAdvocateService starts the agent's cooldown after Devil's Advocate
// service.
func (e *Engine) NoteAdvocateService(agent string) {
	st, err := e.state(agent)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.rec.Cooldown = CooldownState{Remaining: e.cfg.CooldownRounds, Window: e.cfg.CooldownRounds}
	st.rec.UpdatedAt = e.now()
	st.mu.Unlock()
}

// AdvanceCooldowns decays every agent's cooldown by one round.
func (e *Engine) AdvanceCooldowns() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, st := range e.agents {
		st.mu.Lock()
		if st.rec.Cooldown.Remaining > 0 {
			st.rec.Cooldown.Remaining--
		}
		st.mu.Unlock()
	}
}

// Record returns a deep copy of the agent's record.
func (e *Engine) Record(agent string) (*AgentRecord, bool) {
	st, err := e.state(agent)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.clone(), true
}

// Snapshot returns deep copies of all records, sorted by agent name.
// Used at flush checkpoints.
func (e *Engine) Snapshot() []*AgentRecord {
	e.mu.RLock()
	states := make([]*agentState, 0, len(e.agents))
	for _, st := range e.agents {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.rec.clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Hydrate loads persisted records into the engine, replacing any
// in-memory state for the same agents. Called once at startup.
func (e *Engine) Hydrate(records []*AgentRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		e.agents[rec.Name] = &agentState{rec: rec.clone()}
	}
}
