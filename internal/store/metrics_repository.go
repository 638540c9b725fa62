package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RoundMetrics is the per-round time-series row used for reporting.
type RoundMetrics struct {
	RunID         string    `json:"run_id"`
	Round         int       `json:"round"`
	Verdict       string    `json:"verdict"`
	MinSimilarity float64   `json:"min_similarity"`
	Accepts       int       `json:"accepts"`
	Required      int       `json:"required"`
	DissentCount  int       `json:"dissent_count"`
	Unavailable   int       `json:"unavailable"`
	TrustDelta    float64   `json:"trust_delta"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunSummary aggregates one run's outcome.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Task           string    `json:"task"`
	Verdict        string    `json:"verdict"`
	Rounds         int       `json:"rounds"`
	RegretRate     float64   `json:"regret_rate"`
	AvgTrustDelta  float64   `json:"avg_trust_delta"`
	DissentTotal   int       `json:"dissent_total"`
	CreatedAt      time.Time `json:"created_at"`
}

// MetricsRepository persists round metrics and run summaries.
type MetricsRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewMetricsRepository creates a metrics repository.
func NewMetricsRepository(db *sql.DB, log *logrus.Logger) *MetricsRepository {
	if log == nil {
		log = logrus.New()
	}
	return &MetricsRepository{db: db, log: log}
}

// CreateTables creates the metrics schema if it does not exist.
func (r *MetricsRepository) CreateTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS round_metrics (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		min_similarity REAL NOT NULL,
		accepts INTEGER NOT NULL,
		required INTEGER NOT NULL,
		dissent_count INTEGER NOT NULL,
		unavailable INTEGER NOT NULL,
		trust_delta REAL NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, round)
	);

	CREATE TABLE IF NOT EXISTS run_summaries (
		run_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		verdict TEXT NOT NULL,
		rounds INTEGER NOT NULL,
		regret_rate REAL NOT NULL,
		avg_trust_delta REAL NOT NULL,
		dissent_total INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create metrics tables: %w", err)
	}
	return nil
}

// SaveRound upserts one round's metrics row.
func (r *MetricsRepository) SaveRound(ctx context.Context, m *RoundMetrics) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO round_metrics (run_id, round, verdict, min_similarity, accepts, required,
			dissent_count, unavailable, trust_delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, round) DO UPDATE SET
			verdict = excluded.verdict,
			min_similarity = excluded.min_similarity,
			accepts = excluded.accepts,
			required = excluded.required,
			dissent_count = excluded.dissent_count,
			unavailable = excluded.unavailable,
			trust_delta = excluded.trust_delta`,
		m.RunID, m.Round, m.Verdict, m.MinSimilarity, m.Accepts, m.Required,
		m.DissentCount, m.Unavailable, m.TrustDelta, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save round metrics: %w", err)
	}
	return nil
}

// RoundsForRun loads a run's round metrics in round order.
func (r *MetricsRepository) RoundsForRun(ctx context.Context, runID string) ([]*RoundMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, round, verdict, min_similarity, accepts, required,
			dissent_count, unavailable, trust_delta, created_at
		FROM round_metrics WHERE run_id = ? ORDER BY round`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load round metrics: %w", err)
	}
	defer rows.Close()

	var out []*RoundMetrics
	for rows.Next() {
		m := &RoundMetrics{}
		if err := rows.Scan(&m.RunID, &m.Round, &m.Verdict, &m.MinSimilarity, &m.Accepts,
			&m.Required, &m.DissentCount, &m.Unavailable, &m.TrustDelta, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveSummary upserts the final run summary.
func (r *MetricsRepository) SaveSummary(ctx context.Context, s *RunSummary) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_summaries (run_id, task, verdict, rounds, regret_rate, avg_trust_delta, dissent_total, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			verdict = excluded.verdict,
			rounds = excluded.rounds,
			regret_rate = excluded.regret_rate,
			avg_trust_delta = excluded.avg_trust_delta,
			dissent_total = excluded.dissent_total`,
		s.RunID, s.Task, s.Verdict, s.Rounds, s.RegretRate, s.AvgTrustDelta, s.DissentTotal, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}
	return nil
}

// Summary loads one run's summary.
func (r *MetricsRepository) Summary(ctx context.Context, runID string) (*RunSummary, error) {
	s := &RunSummary{}
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, task, verdict, rounds, regret_rate, avg_trust_delta, dissent_total, created_at
		FROM run_summaries WHERE run_id = ?`, runID).
		Scan(&s.RunID, &s.Task, &s.Verdict, &s.Rounds, &s.RegretRate, &s.AvgTrustDelta, &s.DissentTotal, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run summary: %w", err)
	}
	return s, nil
}
