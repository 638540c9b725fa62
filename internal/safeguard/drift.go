package safeguard

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DriftSeverity bands the living rubric's drift from the gold rubric.
type DriftSeverity string

const (
	SeverityInfo     DriftSeverity = "info"     // < 5%: log only
	SeverityWarning  DriftSeverity = "warning"  // 5-15%: log + flag
	SeverityCritical DriftSeverity = "critical" // > 15%: human review required
)

// DriftReport is the outcome of one drift check.
type DriftReport struct {
	Fraction   float64       `json:"fraction"`
	Severity   DriftSeverity `json:"severity"`
	Added      []string      `json:"added,omitempty"`
	Removed    []string      `json:"removed,omitempty"`
	Changed    []string      `json:"changed,omitempty"`
	PauseAsked bool          `json:"pause_asked"`
	Timestamp  time.Time     `json:"timestamp"`
}

// CheckDrift measures how far the living rubric has drifted from gold.
// Each criterion in the union contributes a change score in [0,1]: 1 for
// added/removed, otherwise the larger of its relative weight change and
// the semantic distance of its description. The drift fraction is the
// mean over the union. The check reads a consistent snapshot and never
// mutates either rubric; rollback is a human decision.
func (m *Manager) CheckDrift(ctx context.Context) (*DriftReport, error) {
	m.mu.Lock()
	gold := m.gold.Clone()
	living := m.living.Clone()
	m.mu.Unlock()

	report := &DriftReport{Timestamp: time.Now()}

	union := make(map[string]bool)
	for _, c := range gold.Criteria {
		union[c.Name] = true
	}
	for _, c := range living.Criteria {
		union[c.Name] = true
	}
	if len(union) == 0 {
		report.Severity = SeverityInfo
		return report, nil
	}

	var total float64
	for name := range union {
		g, inGold := gold.Criterion(name)
		l, inLiving := living.Criterion(name)
		switch {
		case !inLiving:
			report.Removed = append(report.Removed, name)
			total += 1
		case !inGold:
			report.Added = append(report.Added, name)
			total += 1
		default:
			change := criterionChange(ctx, m, g.Weight, l.Weight, g.Description, l.Description)
			if change > 0 {
				report.Changed = append(report.Changed, name)
			}
			total += change
		}
	}

	report.Fraction = total / float64(len(union))
	switch {
	case report.Fraction < 0.05:
		report.Severity = SeverityInfo
	case report.Fraction <= 0.15:
		report.Severity = SeverityWarning
	default:
		report.Severity = SeverityCritical
		report.PauseAsked = m.cfg.PauseOnCritical
	}

	entry := m.log.WithField("drift", fmt.Sprintf("%.1f%%", report.Fraction*100))
	switch report.Severity {
	case SeverityInfo:
		entry.Debug("Rubric drift check")
	case SeverityWarning:
		entry.Warn("Rubric drift above warning band")
	case SeverityCritical:
		entry.Error("Rubric drift critical, human review required")
	}
	return report, nil
}

// criterionChange scores a retained criterion's drift in [0,1].
func criterionChange(ctx context.Context, m *Manager, goldWeight, livingWeight float64, goldDesc, livingDesc string) float64 {
	var weightChange float64
	if goldWeight != livingWeight {
		base := math.Abs(goldWeight)
		if base < 1e-9 {
			base = 1
		}
		weightChange = math.Min(1, math.Abs(livingWeight-goldWeight)/base)
	}

	var semanticChange float64
	if goldDesc != livingDesc {
		sim, err := m.oracle.Similarity(ctx, goldDesc, livingDesc)
		if err != nil {
			// Oracle trouble must not hide an edit; assume full change.
			m.log.WithError(err).Warn("Similarity oracle failed during drift check")
			sim = 0
		}
		semanticChange = 1 - sim
	}

	return math.Max(weightChange, semanticChange)
}
