package safeguard

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdarlt/vors-ting/internal/rubric"
	"github.com/bdarlt/vors-ting/internal/trust"
)

func testRubric() *rubric.Rubric {
	return &rubric.Rubric{
		Name: "adr",
		Criteria: []rubric.Criterion{
			{Name: "accuracy", Description: "claims are verifiable", Weight: 1.0},
			{Name: "clarity", Description: "prose is unambiguous", Weight: 1.0},
			{Name: "completeness", Description: "covers alternatives", Weight: 1.0},
			{Name: "consistency", Description: "no internal contradictions", Weight: 1.0},
			{Name: "brevity", Description: "no filler", Weight: 1.0},
		},
	}
}

func testTrustEngine() *trust.Engine {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return trust.NewEngine(trust.DefaultConfig(), nil, nil, trust.WithClock(func() time.Time { return now }))
}

func seededManager(t *testing.T, cfg Config, engine *trust.Engine, seed int64) *Manager {
	t.Helper()
	return NewManager(cfg, engine, nil, testRubric(), nil, WithRand(rand.New(rand.NewSource(seed))))
}

func participate(engine *trust.Engine, name string, rounds int) {
	engine.Register(name, trust.RoleReviewer)
	for i := 0; i < rounds; i++ {
		engine.RecordParticipation(name)
	}
}

func TestAdvocateNeverSelectedBeforeProbation(t *testing.T) {
	engine := testTrustEngine()
	participate(engine, "rookie", 0)
	participate(engine, "veteran", 5)

	cfg := DefaultConfig()
	cfg.SkipRate = 0
	m := seededManager(t, cfg, engine, 1)

	for i := 0; i < 100; i++ {
		chosen, ok := m.SelectAdvocate([]string{"rookie", "veteran"})
		require.True(t, ok)
		assert.NotEqual(t, "rookie", chosen, "agent with 0 participations must never be selected")
	}
}

func TestAdvocateEligibleAtExactlyFiveParticipations(t *testing.T) {
	engine := testTrustEngine()
	participate(engine, "solo", 5)

	cfg := DefaultConfig()
	cfg.SkipRate = 0
	m := seededManager(t, cfg, engine, 1)

	chosen, ok := m.SelectAdvocate([]string{"solo"})
	require.True(t, ok)
	assert.Equal(t, "solo", chosen, "5 participations at trust 0.6 is eligible")
}

func TestAdvocateSkipRate(t *testing.T) {
	engine := testTrustEngine()
	participate(engine, "solo", 5)

	cfg := DefaultConfig()
	cfg.SkipRate = 1.0
	m := seededManager(t, cfg, engine, 1)

	_, ok := m.SelectAdvocate([]string{"solo"})
	assert.False(t, ok, "skip rate 1.0 never assigns an advocate")
}

func TestAdvocateFallsBackToFullPool(t *testing.T) {
	// Nobody has cleared probation; the round still gets an advocate.
	engine := testTrustEngine()
	participate(engine, "a", 1)
	participate(engine, "b", 2)

	cfg := DefaultConfig()
	cfg.SkipRate = 0
	m := seededManager(t, cfg, engine, 1)

	chosen, ok := m.SelectAdvocate([]string{"a", "b"})
	require.True(t, ok)
	assert.Contains(t, []string{"a", "b"}, chosen)
}

func TestAdvocateServiceStartsCooldown(t *testing.T) {
	engine := testTrustEngine()
	participate(engine, "solo", 5)

	cfg := DefaultConfig()
	cfg.SkipRate = 0
	m := seededManager(t, cfg, engine, 1)

	_, ok := m.SelectAdvocate([]string{"solo"})
	require.True(t, ok)
	assert.InDelta(t, 0.3, engine.CooldownPenalty("solo"), 1e-9)
}

func TestSelectAdvocateEmptyCandidates(t *testing.T) {
	engine := testTrustEngine()
	m := seededManager(t, DefaultConfig(), engine, 1)
	_, ok := m.SelectAdvocate(nil)
	assert.False(t, ok)
}
