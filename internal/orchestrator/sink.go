package orchestrator

import (
	"context"
	"time"

	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Sink receives round checkpoints. Implementations must tolerate the same
// checkpoint being flushed twice.
type Sink interface {
	FlushAgents(ctx context.Context, records []*trust.AgentRecord) error
	RecordRound(ctx context.Context, m *store.RoundMetrics) error
	RecordSummary(ctx context.Context, s *store.RunSummary) error
}

// EventAppender receives event log entries.
type EventAppender interface {
	Append(entry store.LogEntry) error
}

type noopSink struct{}

func (noopSink) FlushAgents(context.Context, []*trust.AgentRecord) error { return nil }
func (noopSink) RecordRound(context.Context, *store.RoundMetrics) error  { return nil }
func (noopSink) RecordSummary(context.Context, *store.RunSummary) error  { return nil }

type noopEvents struct{}

func (noopEvents) Append(store.LogEntry) error { return nil }

// StoreSink adapts *store.Store to the Sink interface.
type StoreSink struct {
	s *store.Store
}

// NewStoreSink wraps a store.
func NewStoreSink(s *store.Store) *StoreSink { return &StoreSink{s: s} }

func (ss *StoreSink) FlushAgents(ctx context.Context, records []*trust.AgentRecord) error {
	return ss.s.Agents.SaveSnapshot(ctx, records)
}

func (ss *StoreSink) RecordRound(ctx context.Context, m *store.RoundMetrics) error {
	return ss.s.Metrics.SaveRound(ctx, m)
}

func (ss *StoreSink) RecordSummary(ctx context.Context, s *store.RunSummary) error {
	return ss.s.Metrics.SaveSummary(ctx, s)
}

// flushRoundLocked persists the round checkpoint. Persistence failures are
// logged, not fatal: the run's source of truth is in memory until the
// final flush. Callers hold c.mu.
func (c *Controller) flushRoundLocked(ctx context.Context, rr *RoundResult) {
	if err := c.sink.RecordRound(ctx, &store.RoundMetrics{
		RunID:         c.cfg.RunID,
		Round:         rr.Round,
		Verdict:       string(rr.Verdict),
		MinSimilarity: rr.MinSimilarity,
		Accepts:       rr.Accepts,
		Required:      rr.Required,
		DissentCount:  len(rr.Disagreements),
		Unavailable:   len(rr.Unavailable),
		TrustDelta:    c.avgTrustDeltaLocked(),
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		c.log.WithError(err).Warn("Failed to persist round metrics")
	}
	if err := c.sink.FlushAgents(ctx, c.engine.Snapshot()); err != nil {
		c.log.WithError(err).Warn("Failed to flush agent snapshot")
	}
}

// flushSummaryLocked persists the final run summary. Callers hold c.mu.
func (c *Controller) flushSummaryLocked(ctx context.Context) {
	var overrides, regretted int
	for _, rec := range c.engine.Snapshot() {
		for _, o := range rec.Overrides {
			overrides++
			if o.Regret {
				regretted++
			}
		}
		overrides += rec.OverrideAgg.Count
		regretted += rec.OverrideAgg.Regretted
	}
	summary := &store.RunSummary{
		RunID:         c.cfg.RunID,
		Task:          c.cfg.Task,
		Verdict:       string(verdictForState(c.state)),
		Rounds:        len(c.results),
		AvgTrustDelta: c.avgTrustDeltaLocked(),
		DissentTotal:  c.dissents,
		CreatedAt:     time.Now().UTC(),
	}
	if overrides > 0 {
		summary.RegretRate = float64(regretted) / float64(overrides)
	}
	if err := c.sink.RecordSummary(ctx, summary); err != nil {
		c.log.WithError(err).Warn("Failed to persist run summary")
	}
	if err := c.sink.FlushAgents(ctx, c.engine.Snapshot()); err != nil {
		c.log.WithError(err).Warn("Failed to flush final agent snapshot")
	}
}

func (c *Controller) avgTrustDeltaLocked() float64 {
	var sum float64
	var n int
	for _, rec := range c.engine.Snapshot() {
		if base, ok := c.trustBase[rec.Name]; ok {
			sum += rec.Trust - base
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// WriteOutput writes the run's artifacts, history and summary files under
// the configured output directory. No-op when no directory is configured.
func (c *Controller) WriteOutput(result *RunResult) (string, error) {
	if c.cfg.OutputDir == "" {
		return "", nil
	}
	out := &store.RunOutput{
		RunID:        result.RunID,
		Task:         c.cfg.Task,
		ArtifactType: c.cfg.ArtifactType,
		Mode:         string(c.cfg.Mode),
		Verdict:      string(result.Verdict),
		Rounds:       result.Rounds,
		MaxRounds:    c.cfg.MaxRounds,
		Artifacts:    result.Artifacts,
		History:      result.RoundResults,
	}
	if c.interactions != nil {
		out.Interactions = c.interactions.Records()
	}
	return store.WriteRunOutput(c.cfg.OutputDir, out)
}
