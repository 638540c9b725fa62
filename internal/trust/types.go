// Package trust implements the agent memory and trust engine: per-agent
// dissent and override history, the decayed trust score derived from it,
// and the probation/cooldown state that gates Devil's Advocate selection.
package trust

import (
	"time"
)

// Role is a capability an agent may exercise in a round.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleReviewer Role = "reviewer"
	RoleCurator  Role = "curator"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleCreator, RoleReviewer, RoleCurator:
		return true
	}
	return false
}

// DissentEvent records a disagreement raised by an agent. Immutable once
// written except for Impact, which is set exactly once after the round's
// outcome is known.
type DissentEvent struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	Round         int       `json:"round"`
	Timestamp     time.Time `json:"timestamp"`
	Text          string    `json:"text"`
	CitedCriteria []string  `json:"cited_criteria,omitempty"`
	// Impact is nil until finalized: did this dissent change the final
	// output?
	Impact  *bool   `json:"impact,omitempty"`
	Depth   float64 `json:"depth"`
	Novelty float64 `json:"novelty"`
}

// Finalized reports whether the impact outcome has been recorded.
func (d *DissentEvent) Finalized() bool { return d.Impact != nil }

// Impactful reports whether the dissent was finalized as impactful.
func (d *DissentEvent) Impactful() bool { return d.Impact != nil && *d.Impact }

// OverrideEvent records a human override of an agent's proposed output.
// Regret and RevertedBy transition from unset to set exactly once, by the
// automated deadline sweep or by an explicit human revert.
type OverrideEvent struct {
	ID                string    `json:"id"`
	Agent             string    `json:"agent"`
	Round             int       `json:"round"`
	Timestamp         time.Time `json:"timestamp"`
	Proposed          string    `json:"proposed"`
	Decision          string    `json:"decision"`
	Regret            bool      `json:"regret"`
	RegretSet         bool      `json:"regret_set"`
	RevertedBy        string    `json:"reverted_by,omitempty"`
	AutoCheckDeadline time.Time `json:"auto_check_deadline"`
}

// TrustSample is one entry in an agent's append-only trust history.
type TrustSample struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
}

// CooldownState tracks the selection penalty remaining after Devil's
// Advocate service.
type CooldownState struct {
	Remaining int `json:"remaining"`
	Window    int `json:"window"`
}

// Penalty returns the selection weight multiplier: 0.3 immediately after
// service, decaying linearly to exactly 1.0 when the window has elapsed.
func (c CooldownState) Penalty() float64 {
	if c.Remaining <= 0 || c.Window <= 0 {
		return 1.0
	}
	remaining := c.Remaining
	if remaining > c.Window {
		remaining = c.Window
	}
	return 1.0 - 0.7*float64(remaining)/float64(c.Window)
}

// DissentAggregate is the rolling compression of dissents that aged out of
// the raw window. Counts and sums are enough to keep ratios exact.
type DissentAggregate struct {
	Count     int     `json:"count"`
	Finalized int     `json:"finalized"`
	Impactful int     `json:"impactful"`
	DepthSum  float64 `json:"depth_sum"`
}

// OverrideAggregate is the rolling compression of overrides that aged out
// of the raw window.
type OverrideAggregate struct {
	Count     int `json:"count"`
	Regretted int `json:"regretted"`
}

// AgentRecord is the full persisted state of one agent. Records are
// created on first participation and never deleted.
type AgentRecord struct {
	Name           string            `json:"name"`
	Roles          []Role            `json:"roles"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Participations int               `json:"participations"`
	Trust          float64           `json:"trust"`
	TrustHistory   []TrustSample     `json:"trust_history"`
	Cooldown       CooldownState     `json:"cooldown"`
	Dissents       []*DissentEvent   `json:"dissents"`
	Overrides      []*OverrideEvent  `json:"overrides"`
	DissentAgg     DissentAggregate  `json:"dissent_agg"`
	OverrideAgg    OverrideAggregate `json:"override_agg"`
}

// clone returns a deep copy safe to hand outside the engine.
func (r *AgentRecord) clone() *AgentRecord {
	out := *r
	out.Roles = append([]Role(nil), r.Roles...)
	out.TrustHistory = append([]TrustSample(nil), r.TrustHistory...)
	out.Dissents = make([]*DissentEvent, len(r.Dissents))
	for i, d := range r.Dissents {
		dc := *d
		if d.Impact != nil {
			v := *d.Impact
			dc.Impact = &v
		}
		dc.CitedCriteria = append([]string(nil), d.CitedCriteria...)
		out.Dissents[i] = &dc
	}
	out.Overrides = make([]*OverrideEvent, len(r.Overrides))
	for i, o := range r.Overrides {
		oc := *o
		out.Overrides[i] = &oc
	}
	return &out
}
