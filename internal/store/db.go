// Package store persists trust state, round metrics, and run summaries in
// an embedded SQLite database, plus an append-only JSONL event log for
// full-fidelity replay. Persistence is a boundary concern: the engine is
// hydrated at startup and flushed at round checkpoints.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// Store bundles the repositories over one SQLite handle.
type Store struct {
	db      *sql.DB
	log     *logrus.Logger
	Agents  *AgentRepository
	Metrics *MetricsRepository
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for tests.
func Open(ctx context.Context, path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// Single-writer embedded store; the per-agent serialization happens in
	// the trust engine, not here.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:      db,
		log:     log,
		Agents:  NewAgentRepository(db, log),
		Metrics: NewMetricsRepository(db, log),
	}
	if err := s.Agents.CreateTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Metrics.CreateTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
