package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/provider"
	"github.com/bdarlt/vors-ting/internal/rubric"
	"github.com/bdarlt/vors-ting/internal/safeguard"
	"github.com/bdarlt/vors-ting/internal/similarity"
	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testRubric() *rubric.Rubric {
	return &rubric.Rubric{
		Name: "review",
		Criteria: []rubric.Criterion{
			{Name: "accuracy", Description: "claims are correct and cited", Weight: 1.0},
			{Name: "clarity", Description: "structure is easy to follow", Weight: 1.0},
		},
	}
}

type fixture struct {
	detector   *convergence.Detector
	engine     *trust.Engine
	safeguards *safeguard.Manager
	oracle     similarity.Oracle
}

func newFixture(t *testing.T, cc convergence.Config) *fixture {
	t.Helper()
	log := quietLogger()
	oracle := similarity.NewLexical()
	engine := trust.NewEngine(trust.DefaultConfig(), oracle, log)
	mgr := safeguard.NewManager(safeguard.DefaultConfig(), engine, oracle, testRubric(), log)
	t.Cleanup(func() { mgr.Close() })
	detector := convergence.NewDetector(cc, oracle, convergence.NewClassifier(nil, log), log)
	return &fixture{detector: detector, engine: engine, safeguards: mgr, oracle: oracle}
}

func consensusConfig() convergence.Config {
	cfg := convergence.DefaultConfig()
	cfg.Method = convergence.MethodConsensus
	cfg.Threshold = 0.8
	return cfg
}

func newTestController(t *testing.T, cfg Config, fx *fixture, creators, reviewers []Agent, opts ...ControllerOption) *Controller {
	t.Helper()
	c, err := NewController(cfg, creators, reviewers, fx.detector, fx.engine, fx.safeguards, fx.oracle, quietLogger(), opts...)
	require.NoError(t, err)
	return c
}

// memEvents collects event log entries in memory.
type memEvents struct {
	mu      sync.Mutex
	entries []store.LogEntry
}

func (m *memEvents) Append(e store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memEvents) byType(t store.EventType) []store.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LogEntry
	for _, e := range m.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memSink collects checkpoint flushes in memory.
type memSink struct {
	mu        sync.Mutex
	rounds    []*store.RoundMetrics
	summaries []*store.RunSummary
	flushes   int
}

func (m *memSink) FlushAgents(_ context.Context, _ []*trust.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memSink) RecordRound(_ context.Context, r *store.RoundMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, r)
	return nil
}

func (m *memSink) RecordSummary(_ context.Context, s *store.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

// =============================================================================
// End-to-End Round Loop Tests
// =============================================================================

func TestRun_ConsensusConvergesFirstRound(t *testing.T) {
	// 3 creators, 1 reviewer, consensus at threshold 0.8. Two of three
	// artifacts accepted: required_votes(3, 0.8) = 2, so the run ends
	// converged in round 1 of 5.
	fx := newFixture(t, consensusConfig())

	reviewer := provider.NewMockModel()
	reviewer.ReviewResponses = []*provider.ReviewResult{
		{Accept: true, Overall: 0.9},
		{Accept: true, Overall: 0.85},
		{Accept: false, Overall: 0.4, Feedback: "missing a rollout section"},
	}

	cfg := DefaultConfig()
	cfg.RunID = "run-consensus"
	cfg.Task = "write an ADR for the cache layer"
	creators := []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "beta", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "gamma", Role: trust.RoleCreator, Model: provider.NewMockModel()},
	}
	reviewers := []Agent{{Name: "critic", Role: trust.RoleReviewer, Model: reviewer}}

	c := newTestController(t, cfg, fx, creators, reviewers)
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, StateConverged, c.State())
	require.Len(t, result.RoundResults, 1)
	rr := result.RoundResults[0]
	assert.Equal(t, 2, rr.Accepts)
	assert.Equal(t, 2, rr.Required)
	assert.Len(t, result.Artifacts, 3)
}

func TestRun_MaxRoundsWithoutFactualDissent(t *testing.T) {
	// Same shape, but only 1 of 3 accepted every round: the run must end
	// max_rounds_reached at round 5, not escalated, because no factual
	// disagreement ever surfaces.
	fx := newFixture(t, consensusConfig())

	reviewer := provider.NewMockModel()
	for round := 0; round < 5; round++ {
		reviewer.ReviewResponses = append(reviewer.ReviewResponses,
			&provider.ReviewResult{Accept: true, Overall: 0.9},
			&provider.ReviewResult{Accept: false, Overall: 0.4, Feedback: "too terse"},
			&provider.ReviewResult{Accept: false, Overall: 0.3, Feedback: "too terse"},
		)
	}

	cfg := DefaultConfig()
	cfg.RunID = "run-maxrounds"
	cfg.Task = "write an ADR"
	cfg.MaxRounds = 5
	creators := []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "beta", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "gamma", Role: trust.RoleCreator, Model: provider.NewMockModel()},
	}
	reviewers := []Agent{{Name: "critic", Role: trust.RoleReviewer, Model: reviewer}}

	c := newTestController(t, cfg, fx, creators, reviewers)
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, convergence.VerdictMaxRounds, result.Verdict)
	assert.Equal(t, 5, result.Rounds)
	assert.Equal(t, StateMaxRounds, c.State())
}

func TestRun_DissentRecordedAndImpactFinalized(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	// Round 1: both artifacts rejected, one with an explicit dissent.
	// Round 2: both accepted. required_votes(2, 0.8) = 1.
	reviewer := provider.NewMockModel()
	reviewer.ReviewResponses = []*provider.ReviewResult{
		{
			Accept:        false,
			Overall:       0.3,
			Feedback:      "the latency figures are wrong",
			Dissent:       "the latency data contradicts the cited benchmark source",
			CitedCriteria: []string{"accuracy"},
		},
		{Accept: false, Overall: 0.4, Feedback: "missing a rollback plan"},
		{Accept: true, Overall: 0.9},
		{Accept: true, Overall: 0.85},
	}

	alpha := provider.NewMockModel()
	alpha.RefineResponses = []string{"an entirely rewritten proposal covering migration and rollback"}
	beta := provider.NewMockModel()
	beta.RefineResponses = []string{"a completely new draft focused on staged deployment windows"}

	cfg := DefaultConfig()
	cfg.RunID = "run-dissent"
	cfg.Task = "write an ADR"
	events := &memEvents{}
	c := newTestController(t, cfg, fx,
		[]Agent{
			{Name: "alpha", Role: trust.RoleCreator, Model: alpha},
			{Name: "beta", Role: trust.RoleCreator, Model: beta},
		},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: reviewer}},
		WithEvents(events))

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, 1, result.DissentTotal)

	rec, ok := fx.engine.Record("critic")
	require.True(t, ok)
	require.Len(t, rec.Dissents, 1)
	require.True(t, rec.Dissents[0].Finalized())
	// The refine rewrote the artifact wholesale, so the dissent landed.
	assert.True(t, rec.Dissents[0].Impactful())

	assert.Len(t, events.byType(store.EventDissent), 1)
	assert.Len(t, events.byType(store.EventVerdict), 2)
}

func TestRun_SingleCreatorFailureContinues(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	failing := provider.NewMockModel()
	failing.FailCall("generate", 0, errors.New("model unreachable"))

	cfg := DefaultConfig()
	cfg.RunID = "run-partial"
	cfg.Task = "write an ADR"
	creators := []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "beta", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "gamma", Role: trust.RoleCreator, Model: failing},
	}
	reviewers := []Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}}

	c := newTestController(t, cfg, fx, creators, reviewers)
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	// One creator benched is below the pause fraction; the run proceeds
	// with the remaining two and the failure is surfaced.
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
	assert.Len(t, result.Artifacts, 2)
	require.Len(t, result.RoundResults, 1)
	assert.Contains(t, result.RoundResults[0].Unavailable, "gamma")
	assert.Contains(t, result.RoundResults[0].Unavailable["gamma"], "generate failed")
}

// =============================================================================
// Pause and Resume Tests
// =============================================================================

func TestRun_PopulationFailurePauses(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	boom := errors.New("provider down")
	failA := provider.NewMockModel()
	failA.FailCall("generate", 0, boom)
	failB := provider.NewMockModel()
	failB.FailCall("generate", 0, boom)

	cfg := DefaultConfig()
	cfg.RunID = "run-paused"
	cfg.Task = "write an ADR"
	creators := []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: failA},
		{Name: "beta", Role: trust.RoleCreator, Model: failB},
		{Name: "gamma", Role: trust.RoleCreator, Model: provider.NewMockModel()},
	}
	reviewers := []Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}}

	c := newTestController(t, cfg, fx, creators, reviewers)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatePaused, c.State())
	unavailable := c.Unavailable()
	assert.Contains(t, unavailable, "alpha")
	assert.Contains(t, unavailable, "beta")

	// Stepping while paused is refused; resuming re-enters generate.
	assert.Error(t, c.Step(context.Background()))
	require.NoError(t, c.Resume())
	assert.Equal(t, StateGenerate, c.State())
	assert.Empty(t, c.Unavailable())

	// With the provider healthy again the run completes.
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
}

func TestResume_ReviewPhaseRerunsWithoutDuplicateVotes(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	critic := provider.NewMockModel()
	critic.FailCall("review", 0, errors.New("provider down"))

	cfg := DefaultConfig()
	cfg.RunID = "run-review-resume"
	cfg.Task = "write an ADR"
	creators := []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		{Name: "beta", Role: trust.RoleCreator, Model: provider.NewMockModel()},
	}
	reviewers := []Agent{{Name: "critic", Role: trust.RoleReviewer, Model: critic}}

	c := newTestController(t, cfg, fx, creators, reviewers)
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Resume())
	assert.Equal(t, StateReview, c.State())

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
	require.Len(t, result.RoundResults, 1)

	// A single reviewer over two artifacts can cast at most two votes.
	// The interrupted attempt must not leave any behind for the rerun
	// to stack on top of.
	rr := result.RoundResults[0]
	assert.Equal(t, 2, rr.Accepts)
	assert.Equal(t, 1, rr.Required)
	assert.Len(t, rr.Artifacts, 2)
}

func TestResume_NotPaused(t *testing.T) {
	fx := newFixture(t, consensusConfig())
	cfg := DefaultConfig()
	cfg.Task = "write an ADR"
	c := newTestController(t, cfg, fx,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}})
	assert.Error(t, c.Resume())
}

// =============================================================================
// Review Mode Tests
// =============================================================================

func TestRun_PolyadicPeersReviewEachOther(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	alpha := provider.NewMockModel()
	beta := provider.NewMockModel()
	cfg := DefaultConfig()
	cfg.RunID = "run-polyadic"
	cfg.Task = "write an ADR"
	cfg.Mode = ModePolyadic
	c := newTestController(t, cfg, fx, []Agent{
		{Name: "alpha", Role: trust.RoleCreator, Model: alpha},
		{Name: "beta", Role: trust.RoleCreator, Model: beta},
	}, nil)

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)

	// Each creator reviewed exactly the other's artifact, never its own.
	_, alphaReviews, _ := alpha.Calls()
	_, betaReviews, _ := beta.Calls()
	assert.Equal(t, 1, alphaReviews)
	assert.Equal(t, 1, betaReviews)
}

func TestNewController_Validation(t *testing.T) {
	fx := newFixture(t, consensusConfig())
	mock := provider.NewMockModel()

	_, err := NewController(DefaultConfig(), nil, nil, fx.detector, fx.engine, fx.safeguards, fx.oracle, quietLogger())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Mode = ModePolyadic
	_, err = NewController(cfg, []Agent{{Name: "solo", Role: trust.RoleCreator, Model: mock}}, nil,
		fx.detector, fx.engine, fx.safeguards, fx.oracle, quietLogger())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxRounds = 0
	_, err = NewController(cfg, []Agent{{Name: "solo", Role: trust.RoleCreator, Model: mock}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: mock}},
		fx.detector, fx.engine, fx.safeguards, fx.oracle, quietLogger())
	assert.Error(t, err)
}

// =============================================================================
// Persistence Tests
// =============================================================================

func TestRun_FlushesSinkPerRound(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	reviewer := provider.NewMockModel()
	reviewer.ReviewResponses = []*provider.ReviewResult{
		{Accept: false, Overall: 0.4, Feedback: "needs detail"},
		{Accept: false, Overall: 0.3, Feedback: "needs detail"},
		{Accept: true, Overall: 0.9},
		{Accept: true, Overall: 0.85},
	}

	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.RunID = "run-sink"
	cfg.Task = "write an ADR"
	c := newTestController(t, cfg, fx,
		[]Agent{
			{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()},
			{Name: "beta", Role: trust.RoleCreator, Model: provider.NewMockModel()},
		},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: reviewer}},
		WithSink(sink))

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rounds)

	require.Len(t, sink.rounds, 2)
	assert.Equal(t, "run-sink", sink.rounds[0].RunID)
	assert.Equal(t, 1, sink.rounds[0].Round)
	assert.Equal(t, "continue", sink.rounds[0].Verdict)
	assert.Equal(t, "converged", sink.rounds[1].Verdict)

	require.Len(t, sink.summaries, 1)
	assert.Equal(t, "converged", sink.summaries[0].Verdict)
	assert.Equal(t, 2, sink.summaries[0].Rounds)
}

func TestSaveAndLoadState(t *testing.T) {
	fx := newFixture(t, consensusConfig())

	boom := errors.New("provider down")
	failing := provider.NewMockModel()
	failing.FailCall("generate", 0, boom)

	cfg := DefaultConfig()
	cfg.RunID = "run-snapshot"
	cfg.Task = "write an ADR"
	cfg.PauseFraction = 0.1
	c := newTestController(t, cfg, fx,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: failing}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}})
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePaused, c.State())

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, c.SaveState(path))

	fx2 := newFixture(t, consensusConfig())
	c2 := newTestController(t, cfg, fx2,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}})
	require.NoError(t, c2.LoadState(path))

	// The restored controller is paused at the same phase and resumes
	// into a completed run.
	assert.Equal(t, StatePaused, c2.State())
	require.NoError(t, c2.Resume())
	assert.Equal(t, StateGenerate, c2.State())
	result, err := c2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, convergence.VerdictConverged, result.Verdict)
}

func TestLoadState_WrongRun(t *testing.T) {
	fx := newFixture(t, consensusConfig())
	cfg := DefaultConfig()
	cfg.RunID = "run-a"
	cfg.Task = "write an ADR"
	c := newTestController(t, cfg, fx,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}})

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, c.SaveState(path))

	cfg.RunID = "run-b"
	other := newTestController(t, cfg, fx,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}})
	assert.Error(t, other.LoadState(path))
}

// =============================================================================
// Override Tests
// =============================================================================

func TestRecordOverride(t *testing.T) {
	fx := newFixture(t, consensusConfig())
	events := &memEvents{}
	cfg := DefaultConfig()
	cfg.RunID = "run-override"
	cfg.Task = "write an ADR"
	c := newTestController(t, cfg, fx,
		[]Agent{{Name: "alpha", Role: trust.RoleCreator, Model: provider.NewMockModel()}},
		[]Agent{{Name: "critic", Role: trust.RoleReviewer, Model: provider.NewMockModel()}},
		WithEvents(events))

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, convergence.VerdictConverged, result.Verdict)

	ev, err := c.RecordOverride("alpha", result.Artifacts["alpha"], "a human-edited version")
	require.NoError(t, err)
	assert.Equal(t, "a human-edited version", ev.Decision)
	assert.Len(t, events.byType(store.EventOverride), 1)

	rec, ok := fx.engine.Record("alpha")
	require.True(t, ok)
	assert.Len(t, rec.Overrides, 1)
}
