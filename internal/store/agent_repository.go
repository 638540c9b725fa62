package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/trust"
)

// AgentRepository persists trust.AgentRecord state: one row per agent plus
// normalized event and history tables. Agents are never deleted.
type AgentRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewAgentRepository creates an agent repository.
func NewAgentRepository(db *sql.DB, log *logrus.Logger) *AgentRepository {
	if log == nil {
		log = logrus.New()
	}
	return &AgentRepository{db: db, log: log}
}

// CreateTables creates the agent schema if it does not exist.
func (r *AgentRepository) CreateTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		roles TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		participations INTEGER NOT NULL DEFAULT 0,
		trust REAL NOT NULL,
		cooldown_remaining INTEGER NOT NULL DEFAULT 0,
		cooldown_window INTEGER NOT NULL DEFAULT 0,
		dissent_agg TEXT NOT NULL DEFAULT '{}',
		override_agg TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS dissent_events (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL REFERENCES agents(name),
		round INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		text TEXT NOT NULL,
		cited_criteria TEXT NOT NULL DEFAULT '[]',
		impact INTEGER,
		depth REAL NOT NULL,
		novelty REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dissent_events_agent ON dissent_events(agent_name, timestamp);

	CREATE TABLE IF NOT EXISTS override_events (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL REFERENCES agents(name),
		round INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		proposed TEXT NOT NULL,
		decision TEXT NOT NULL,
		regret INTEGER NOT NULL DEFAULT 0,
		regret_set INTEGER NOT NULL DEFAULT 0,
		reverted_by TEXT NOT NULL DEFAULT '',
		auto_check_deadline TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_override_events_agent ON override_events(agent_name, timestamp);

	CREATE TABLE IF NOT EXISTS trust_history (
		agent_name TEXT NOT NULL REFERENCES agents(name),
		seq INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		score REAL NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (agent_name, seq)
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create agent tables: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the full state of the given records. Flushing the
// same snapshot twice is a no-op, so checkpoint retries are safe.
func (r *AgentRepository) SaveSnapshot(ctx context.Context, records []*trust.AgentRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := saveRecordTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("failed to save agent %q: %w", rec.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	r.log.WithField("agents", len(records)).Debug("Flushed agent snapshot")
	return nil
}

func saveRecordTx(ctx context.Context, tx *sql.Tx, rec *trust.AgentRecord) error {
	roles, err := json.Marshal(rec.Roles)
	if err != nil {
		return err
	}
	dissentAgg, err := json.Marshal(rec.DissentAgg)
	if err != nil {
		return err
	}
	overrideAgg, err := json.Marshal(rec.OverrideAgg)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (name, roles, created_at, updated_at, participations, trust,
			cooldown_remaining, cooldown_window, dissent_agg, override_agg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			roles = excluded.roles,
			updated_at = excluded.updated_at,
			participations = excluded.participations,
			trust = excluded.trust,
			cooldown_remaining = excluded.cooldown_remaining,
			cooldown_window = excluded.cooldown_window,
			dissent_agg = excluded.dissent_agg,
			override_agg = excluded.override_agg`,
		rec.Name, string(roles), rec.CreatedAt, rec.UpdatedAt, rec.Participations, rec.Trust,
		rec.Cooldown.Remaining, rec.Cooldown.Window, string(dissentAgg), string(overrideAgg))
	if err != nil {
		return err
	}

	for _, d := range rec.Dissents {
		cited, err := json.Marshal(d.CitedCriteria)
		if err != nil {
			return err
		}
		var impact interface{}
		if d.Impact != nil {
			impact = boolToInt(*d.Impact)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dissent_events (id, agent_name, round, timestamp, text, cited_criteria, impact, depth, novelty)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET impact = excluded.impact`,
			d.ID, d.Agent, d.Round, d.Timestamp, d.Text, string(cited), impact, d.Depth, d.Novelty)
		if err != nil {
			return err
		}
	}

	for _, o := range rec.Overrides {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO override_events (id, agent_name, round, timestamp, proposed, decision,
				regret, regret_set, reverted_by, auto_check_deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				regret = excluded.regret,
				regret_set = excluded.regret_set,
				reverted_by = excluded.reverted_by`,
			o.ID, o.Agent, o.Round, o.Timestamp, o.Proposed, o.Decision,
			boolToInt(o.Regret), boolToInt(o.RegretSet), o.RevertedBy, o.AutoCheckDeadline)
		if err != nil {
			return err
		}
	}

	for seq, sample := range rec.TrustHistory {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trust_history (agent_name, seq, timestamp, score, reason)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_name, seq) DO NOTHING`,
			rec.Name, seq, sample.Timestamp, sample.Score, sample.Reason)
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadAll hydrates every persisted agent record, events ordered oldest
// first.
func (r *AgentRepository) LoadAll(ctx context.Context) ([]*trust.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, roles, created_at, updated_at, participations, trust,
			cooldown_remaining, cooldown_window, dissent_agg, override_agg
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	defer rows.Close()

	var records []*trust.AgentRecord
	for rows.Next() {
		rec := &trust.AgentRecord{}
		var roles, dissentAgg, overrideAgg string
		if err := rows.Scan(&rec.Name, &roles, &rec.CreatedAt, &rec.UpdatedAt, &rec.Participations,
			&rec.Trust, &rec.Cooldown.Remaining, &rec.Cooldown.Window, &dissentAgg, &overrideAgg); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		if err := json.Unmarshal([]byte(roles), &rec.Roles); err != nil {
			return nil, fmt.Errorf("corrupt roles for agent %q: %w", rec.Name, err)
		}
		if err := json.Unmarshal([]byte(dissentAgg), &rec.DissentAgg); err != nil {
			return nil, fmt.Errorf("corrupt dissent aggregate for agent %q: %w", rec.Name, err)
		}
		if err := json.Unmarshal([]byte(overrideAgg), &rec.OverrideAgg); err != nil {
			return nil, fmt.Errorf("corrupt override aggregate for agent %q: %w", rec.Name, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := r.loadEvents(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *AgentRepository) loadEvents(ctx context.Context, rec *trust.AgentRecord) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, round, timestamp, text, cited_criteria, impact, depth, novelty
		FROM dissent_events WHERE agent_name = ? ORDER BY timestamp, id`, rec.Name)
	if err != nil {
		return fmt.Errorf("failed to load dissents for %q: %w", rec.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		d := &trust.DissentEvent{Agent: rec.Name}
		var cited string
		var impact sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Round, &d.Timestamp, &d.Text, &cited, &impact, &d.Depth, &d.Novelty); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(cited), &d.CitedCriteria); err != nil {
			return fmt.Errorf("corrupt cited criteria on dissent %s: %w", d.ID, err)
		}
		if impact.Valid {
			v := impact.Int64 != 0
			d.Impact = &v
		}
		rec.Dissents = append(rec.Dissents, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	oRows, err := r.db.QueryContext(ctx, `
		SELECT id, round, timestamp, proposed, decision, regret, regret_set, reverted_by, auto_check_deadline
		FROM override_events WHERE agent_name = ? ORDER BY timestamp, id`, rec.Name)
	if err != nil {
		return fmt.Errorf("failed to load overrides for %q: %w", rec.Name, err)
	}
	defer oRows.Close()
	for oRows.Next() {
		o := &trust.OverrideEvent{Agent: rec.Name}
		var regret, regretSet int
		if err := oRows.Scan(&o.ID, &o.Round, &o.Timestamp, &o.Proposed, &o.Decision,
			&regret, &regretSet, &o.RevertedBy, &o.AutoCheckDeadline); err != nil {
			return err
		}
		o.Regret = regret != 0
		o.RegretSet = regretSet != 0
		rec.Overrides = append(rec.Overrides, o)
	}
	if err := oRows.Err(); err != nil {
		return err
	}

	hRows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, score, reason FROM trust_history
		WHERE agent_name = ? ORDER BY seq`, rec.Name)
	if err != nil {
		return fmt.Errorf("failed to load trust history for %q: %w", rec.Name, err)
	}
	defer hRows.Close()
	for hRows.Next() {
		var sample trust.TrustSample
		if err := hRows.Scan(&sample.Timestamp, &sample.Score, &sample.Reason); err != nil {
			return err
		}
		rec.TrustHistory = append(rec.TrustHistory, sample)
	}
	return hRows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
