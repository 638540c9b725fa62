// Package safeguard implements the anti-groupthink safeguards: the
// rotating Devil's Advocate role with probation and cooldown, and shadow
// rubric drift monitoring against an immutable gold rubric.
package safeguard

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/rubric"
	"github.com/bdarlt/vors-ting/internal/similarity"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Config tunes the safeguards.
type Config struct {
	// SkipRate is the probability that no Devil's Advocate is assigned in
	// a round, establishing a baseline of unforced dissent.
	SkipRate float64 `json:"skip_rate" yaml:"skip_rate"`
	// MinTrust is the trust floor for the preferred candidate pool.
	MinTrust float64 `json:"min_trust" yaml:"min_trust"`
	// DriftCadence runs the scheduled drift check every N rounds.
	DriftCadence int `json:"drift_cadence" yaml:"drift_cadence"`
	// PauseOnCritical asks the controller to pause on critical drift.
	PauseOnCritical bool `json:"pause_on_critical" yaml:"pause_on_critical"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SkipRate:     0.1,
		MinTrust:     0.2,
		DriftCadence: 3,
	}
}

// Manager selects and validates the Devil's Advocate and monitors rubric
// drift. It holds the only live copies of the gold and living rubrics; the
// living rubric is only ever replaced through ApplyOverride (human action);
// the drift check itself never mutates it, and nothing auto-reverts it.
type Manager struct {
	cfg    Config
	trust  *trust.Engine
	oracle similarity.Oracle
	log    *logrus.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	gold    *rubric.Rubric
	living  *rubric.Rubric
	watcher *fsnotify.Watcher
}

// Option configures a Manager.
type Option func(*Manager)

// WithRand injects a random source, used by tests for determinism.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// NewManager creates a safeguard manager. The gold rubric is cloned and
// never touched again; the living rubric starts as a second clone.
func NewManager(cfg Config, engine *trust.Engine, oracle similarity.Oracle, gold *rubric.Rubric, log *logrus.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logrus.New()
	}
	if oracle == nil {
		oracle = similarity.NewLexical()
	}
	m := &Manager{
		cfg:    cfg,
		trust:  engine,
		oracle: oracle,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		gold:   gold.Clone(),
		living: gold.Clone(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelectAdvocate picks this round's Devil's Advocate from candidates, or
// none. The preferred pool is agents past probation with trust at or above
// the floor; when that pool is empty the full candidate list is used
// rather than blocking the round. Selection is weighted-random by
// trust * cooldown penalty.
func (m *Manager) SelectAdvocate(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	m.mu.Lock()
	skip := m.rng.Float64() < m.cfg.SkipRate
	m.mu.Unlock()
	if skip {
		m.log.Debug("Devil's Advocate skipped this round (baseline)")
		return "", false
	}

	pool := make([]string, 0, len(candidates))
	for _, name := range candidates {
		score, ok := m.trust.Trust(name)
		if !ok {
			continue
		}
		if score >= m.cfg.MinTrust && m.trust.Eligible(name) {
			pool = append(pool, name)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	weights := make([]float64, len(pool))
	total := 0.0
	for i, name := range pool {
		score, _ := m.trust.Trust(name)
		weights[i] = score * m.trust.CooldownPenalty(name)
		total += weights[i]
	}

	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()

	var chosen string
	if total <= 0 {
		chosen = pool[int(r*float64(len(pool)))%len(pool)]
	} else {
		target := r * total
		acc := 0.0
		chosen = pool[len(pool)-1]
		for i, w := range weights {
			acc += w
			if target < acc {
				chosen = pool[i]
				break
			}
		}
	}

	m.trust.NoteAdvocateService(chosen)
	m.log.WithField("agent", chosen).Info("Devil's Advocate assigned")
	return chosen, true
}

// AdvanceRound decays cooldowns and, on the configured cadence, runs the
// scheduled drift check. Returns the drift report when one ran.
func (m *Manager) AdvanceRound(ctx context.Context, round int) (*DriftReport, error) {
	m.trust.AdvanceCooldowns()
	if m.cfg.DriftCadence > 0 && round > 0 && round%m.cfg.DriftCadence == 0 {
		return m.CheckDrift(ctx)
	}
	return nil, nil
}

// ApplyOverride atomically replaces the living rubric with a
// human-provided revision and immediately runs a drift check. This is the
// only path that mutates the living rubric.
func (m *Manager) ApplyOverride(ctx context.Context, revised *rubric.Rubric) (*DriftReport, error) {
	if err := revised.Validate(); err != nil {
		return nil, fmt.Errorf("revised rubric is invalid: %w", err)
	}
	m.mu.Lock()
	m.living = revised.Clone()
	m.mu.Unlock()
	return m.CheckDrift(ctx)
}

// LivingRubric returns a copy of the current living rubric.
func (m *Manager) LivingRubric() *rubric.Rubric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.living.Clone()
}

// GoldRubric returns a copy of the immutable gold rubric.
func (m *Manager) GoldRubric() *rubric.Rubric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gold.Clone()
}

// WatchLiving watches the living-rubric file for out-of-band human edits
// and applies them as overrides, invoking onDrift with each resulting
// report. Returns once the watcher is installed; events are handled on a
// background goroutine until ctx is done or Close is called.
func (m *Manager) WatchLiving(ctx context.Context, path string, onDrift func(*DriftReport)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rubric watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch living rubric %s: %w", path, err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				revised, err := rubric.Load(path)
				if err != nil {
					m.log.WithError(err).Warn("Living rubric changed but failed to load, keeping previous")
					continue
				}
				report, err := m.ApplyOverride(ctx, revised)
				if err != nil {
					m.log.WithError(err).Warn("Living rubric override rejected")
					continue
				}
				if onDrift != nil {
					onDrift(report)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.WithError(err).Warn("Rubric watcher error")
			}
		}
	}()
	return nil
}

// Close stops the rubric watcher, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}
