// Package convergence decides, after each round, whether the participants
// have agreed enough to stop: it evaluates the configured method over the
// round's artifacts and reviews, classifies unresolved disagreements, and
// returns a verdict.
package convergence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/similarity"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Method selects how convergence is judged.
type Method string

const (
	MethodConsensus  Method = "consensus"
	MethodSimilarity Method = "similarity"
	MethodHybrid     Method = "hybrid"
)

// ValidMethod reports whether m is a known method.
func ValidMethod(m Method) bool {
	switch m {
	case MethodConsensus, MethodSimilarity, MethodHybrid:
		return true
	}
	return false
}

// Verdict is the detector's decision for a round.
type Verdict string

const (
	VerdictContinue  Verdict = "continue"
	VerdictConverged Verdict = "converged"
	VerdictEscalate  Verdict = "escalate"
	VerdictMaxRounds Verdict = "max_rounds_reached"
)

// Review is one reviewer's evaluation of one artifact in a round.
type Review struct {
	Reviewer      string   `json:"reviewer"`
	Artifact      string   `json:"artifact"` // owning agent
	Accept        bool     `json:"accept"`
	Score         float64  `json:"score"`
	Feedback      string   `json:"feedback,omitempty"`
	Dissent       string   `json:"dissent,omitempty"`
	CitedCriteria []string `json:"cited_criteria,omitempty"`
	Adversarial   bool     `json:"adversarial,omitempty"`
}

// Disagreement is an unresolved objection with its classification.
type Disagreement struct {
	Reviewer         string       `json:"reviewer"`
	Artifact         string       `json:"artifact"`
	Round            int          `json:"round"`
	Text             string       `json:"text"`
	Class            DissentClass `json:"class"`
	Recurring        bool         `json:"recurring"`
	ConflictingFacts bool         `json:"conflicting_facts"`
}

// Input carries one round's data into the detector.
type Input struct {
	Round     int
	MaxRounds int
	// Current and Previous map agent name to artifact text.
	Current  map[string]string
	Previous map[string]string
	Reviews  []Review
}

// Result is the detector's full output for a round.
type Result struct {
	Verdict       Verdict        `json:"verdict"`
	MinSimilarity float64        `json:"min_similarity"`
	Accepts       int            `json:"accepts"`
	Required      int            `json:"required"`
	Disagreements []Disagreement `json:"disagreements,omitempty"`
}

// Config tunes the detector.
type Config struct {
	Method          Method             `json:"method" yaml:"method"`
	Threshold       float64            `json:"threshold" yaml:"threshold"`
	ConsensusCutoff float64            `json:"consensus_cutoff" yaml:"consensus_cutoff"`
	VotesStrategy   trust.VoteStrategy `json:"votes_strategy" yaml:"votes_strategy"`
	// RecurringObjectionThreshold is the similarity above which an
	// objection counts as the same core objection as last round's.
	RecurringObjectionThreshold float64 `json:"recurring_objection_threshold" yaml:"recurring_objection_threshold"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Method:                      MethodHybrid,
		Threshold:                   0.85,
		ConsensusCutoff:             0.7,
		VotesStrategy:               trust.StrategyHybrid,
		RecurringObjectionThreshold: 0.85,
	}
}

// Detector evaluates round outputs. It keeps the previous round's
// objections so the no-progress escalation rule can compare across two
// consecutive rounds.
type Detector struct {
	cfg        Config
	oracle     similarity.Oracle
	classifier *Classifier
	log        *logrus.Logger

	mu   sync.Mutex
	prev []Disagreement
}

// NewDetector creates a detector.
func NewDetector(cfg Config, oracle similarity.Oracle, classifier *Classifier, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.New()
	}
	if oracle == nil {
		oracle = similarity.NewLexical()
	}
	if classifier == nil {
		classifier = NewClassifier(nil, log)
	}
	return &Detector{cfg: cfg, oracle: oracle, classifier: classifier, log: log}
}

// Evaluate returns the verdict for a round. Convergence is checked first;
// a converged round converges even when it is the last one. Past the round
// limit without convergence the verdict is always max_rounds_reached,
// never escalate.
func (d *Detector) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{MinSimilarity: 1}

	var simConverged, consConverged bool
	var err error

	if d.cfg.Method == MethodSimilarity || d.cfg.Method == MethodHybrid {
		simConverged, res.MinSimilarity, err = d.similarityConverged(ctx, in.Current)
		if err != nil {
			return nil, err
		}
	}
	if d.cfg.Method == MethodConsensus || d.cfg.Method == MethodHybrid {
		consConverged, res.Accepts, res.Required, err = d.consensusConverged(in.Reviews)
		if err != nil {
			return nil, err
		}
	}

	converged := false
	switch d.cfg.Method {
	case MethodSimilarity:
		converged = simConverged
	case MethodConsensus:
		converged = consConverged
	case MethodHybrid:
		converged = simConverged || consConverged
	default:
		return nil, fmt.Errorf("unknown convergence method %q", d.cfg.Method)
	}

	if converged {
		res.Verdict = VerdictConverged
		return res, nil
	}

	if in.Round >= in.MaxRounds {
		res.Verdict = VerdictMaxRounds
		return res, nil
	}

	disagreements, escalate, err := d.triage(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Disagreements = disagreements
	if escalate {
		res.Verdict = VerdictEscalate
	} else {
		res.Verdict = VerdictContinue
	}
	return res, nil
}

// similarityConverged computes minimum pairwise similarity over the
// current artifacts. Fewer than two artifacts converge trivially.
func (d *Detector) similarityConverged(ctx context.Context, current map[string]string) (bool, float64, error) {
	agents := make([]string, 0, len(current))
	for name := range current {
		agents = append(agents, name)
	}
	sort.Strings(agents)

	minSim := 1.0
	for i := 0; i < len(agents); i++ {
		for j := i + 1; j < len(agents); j++ {
			sim, err := d.oracle.Similarity(ctx, current[agents[i]], current[agents[j]])
			if err != nil {
				return false, 0, fmt.Errorf("similarity oracle failed for %s/%s: %w", agents[i], agents[j], err)
			}
			if sim < minSim {
				minSim = sim
			}
		}
	}
	return minSim >= d.cfg.Threshold, minSim, nil
}

// consensusConverged counts acceptance votes against the required-votes
// policy. A round with no reviews never converges by consensus.
func (d *Detector) consensusConverged(reviews []Review) (bool, int, int, error) {
	if len(reviews) == 0 {
		return false, 0, 0, nil
	}
	accepts := 0
	for _, r := range reviews {
		if r.Accept || r.Score >= d.cfg.ConsensusCutoff {
			accepts++
		}
	}
	required, err := trust.RequiredVotes(len(reviews), d.cfg.Threshold, d.cfg.VotesStrategy)
	if err != nil {
		return false, 0, 0, err
	}
	return accepts >= required, accepts, required, nil
}

// triage classifies each unresolved disagreement and decides whether the
// round escalates. Only factual disagreements can escalate: either
// conflicting factual claims from different reviewers on the same
// artifact, or a factual objection whose core recurs unchanged (similarity
// above the recurring threshold) across two consecutive rounds. Value and
// semantic dissents keep the loop going but never escalate on their own.
func (d *Detector) triage(ctx context.Context, in *Input) ([]Disagreement, bool, error) {
	var out []Disagreement
	factualPerArtifact := make(map[string]int)

	for _, r := range in.Reviews {
		if r.Accept || r.Score >= d.cfg.ConsensusCutoff {
			continue
		}
		text := r.Dissent
		if text == "" {
			text = r.Feedback
		}
		if text == "" {
			continue
		}
		dis := Disagreement{
			Reviewer: r.Reviewer,
			Artifact: r.Artifact,
			Round:    in.Round,
			Text:     text,
			Class:    d.classifier.Classify(ctx, text),
		}
		if dis.Class == ClassFactual {
			factualPerArtifact[dis.Artifact]++
		}

		recurring, err := d.recurs(ctx, dis)
		if err != nil {
			return nil, false, err
		}
		dis.Recurring = recurring
		out = append(out, dis)
	}

	escalate := false
	for i := range out {
		if out[i].Class == ClassFactual && factualPerArtifact[out[i].Artifact] >= 2 {
			out[i].ConflictingFacts = true
		}
		if out[i].ConflictingFacts || (out[i].Recurring && out[i].Class == ClassFactual) {
			escalate = true
		}
	}

	d.mu.Lock()
	d.prev = out
	d.mu.Unlock()
	return out, escalate, nil
}

// recurs reports whether the same reviewer raised essentially the same
// objection about the same artifact last round.
func (d *Detector) recurs(ctx context.Context, dis Disagreement) (bool, error) {
	d.mu.Lock()
	prev := d.prev
	d.mu.Unlock()

	for _, p := range prev {
		if p.Reviewer != dis.Reviewer || p.Artifact != dis.Artifact || p.Round != dis.Round-1 {
			continue
		}
		sim, err := d.oracle.Similarity(ctx, p.Text, dis.Text)
		if err != nil {
			return false, fmt.Errorf("similarity oracle failed on objection texts: %w", err)
		}
		if sim >= d.cfg.RecurringObjectionThreshold {
			return true, nil
		}
	}
	return false, nil
}

// Reset clears cross-round state. Called at the start of a run.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.prev = nil
	d.mu.Unlock()
}
