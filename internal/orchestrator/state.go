package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bdarlt/vors-ting/internal/convergence"
)

// Snapshot is the serializable slice of a run, enough to re-enter a
// paused phase after a process restart. Trust state is not included; it
// lives in the store and is hydrated separately.
type Snapshot struct {
	RunID       string                `json:"run_id"`
	State       State                 `json:"state"`
	ResumeState State                 `json:"resume_state,omitempty"`
	Round       int                   `json:"round"`
	Artifacts   map[string]string     `json:"artifacts"`
	Previous    map[string]string     `json:"previous,omitempty"`
	Feedback    map[string][]string   `json:"feedback,omitempty"`
	Reviews     []convergence.Review  `json:"reviews,omitempty"`
	Unavailable map[string]string     `json:"unavailable,omitempty"`
	DAAgent     string                `json:"da_agent,omitempty"`
	SavedAt     time.Time             `json:"saved_at"`
}

// SaveState writes the current run snapshot to path.
func (c *Controller) SaveState(path string) error {
	c.mu.Lock()
	snap := Snapshot{
		RunID:       c.cfg.RunID,
		State:       c.state,
		ResumeState: c.resumeState,
		Round:       c.round,
		Artifacts:   copyMap(c.artifacts),
		Previous:    copyMap(c.previous),
		Feedback:    make(map[string][]string, len(c.feedback)),
		Reviews:     append([]convergence.Review(nil), c.reviews...),
		Unavailable: copyMap(c.unavailable),
		DAAgent:     c.daAgent,
		SavedAt:     time.Now().UTC(),
	}
	for k, v := range c.feedback {
		snap.Feedback[k] = append([]string(nil), v...)
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run snapshot: %w", err)
	}
	return nil
}

// LoadState restores a snapshot into the controller. The controller must
// be freshly constructed with the same agents and collaborators.
func (c *Controller) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read run snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode run snapshot: %w", err)
	}
	if snap.RunID != c.cfg.RunID {
		return fmt.Errorf("snapshot belongs to run %s, controller is run %s", snap.RunID, c.cfg.RunID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = snap.State
	c.resumeState = snap.ResumeState
	c.round = snap.Round
	c.artifacts = copyMap(snap.Artifacts)
	c.previous = copyMap(snap.Previous)
	c.feedback = make(map[string][]string, len(snap.Feedback))
	for k, v := range snap.Feedback {
		c.feedback[k] = append([]string(nil), v...)
	}
	c.reviews = append([]convergence.Review(nil), snap.Reviews...)
	c.unavailable = copyMap(snap.Unavailable)
	c.daAgent = snap.DAAgent
	return nil
}
