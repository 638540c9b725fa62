package convergence

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/provider"
)

// DissentClass partitions disagreements by what it would take to resolve
// them: factual gaps demand human input, value and semantic disagreements
// are expected to resolve through more rounds.
type DissentClass string

const (
	ClassFactual  DissentClass = "factual"
	ClassValue    DissentClass = "value"
	ClassSemantic DissentClass = "semantic"
)

// Keyword families for the fast heuristic path. Chosen for precision over
// recall; ambiguous texts fall through to the content-model call.
var (
	factualMarkers = []string{
		"incorrect", "false", "wrong", "inaccurate", "citation", "source",
		"evidence", "data", "fact", "claim", "contradicts", "misstates",
		"number", "figure", "date", "statistic",
	}
	valueMarkers = []string{
		"should", "prefer", "better", "worse", "priority", "style",
		"opinion", "approach", "tradeoff", "trade-off", "philosophy",
		"important", "matters",
	}
	semanticMarkers = []string{
		"unclear", "ambiguous", "confusing", "vague", "means", "meaning",
		"definition", "interpret", "wording", "phrasing", "terminology",
	}
)

// Classifier assigns a DissentClass to free-text disagreements. The fast
// heuristic path handles marked texts; unmarked texts fall back to one
// content-model call. A nil model skips the fallback.
type Classifier struct {
	model provider.ContentModel
	log   *logrus.Logger
}

// NewClassifier creates a classifier with an optional model fallback.
func NewClassifier(model provider.ContentModel, log *logrus.Logger) *Classifier {
	if log == nil {
		log = logrus.New()
	}
	return &Classifier{model: model, log: log}
}

// Classify returns the dissent class for text. It never fails: fallback
// errors degrade to ClassSemantic, the least actionable class.
func (c *Classifier) Classify(ctx context.Context, text string) DissentClass {
	if class, ok := classifyHeuristic(text); ok {
		return class
	}
	if c.model == nil {
		return ClassSemantic
	}

	out, err := c.model.Generate(ctx, &provider.GenerateRequest{
		Task: "Classify the following disagreement as exactly one of: factual, value, semantic. Reply with the single word only.",
		Context: text,
	})
	if err != nil {
		c.log.WithError(err).Debug("Dissent classification fallback failed")
		return ClassSemantic
	}
	switch {
	case strings.Contains(strings.ToLower(out), string(ClassFactual)):
		return ClassFactual
	case strings.Contains(strings.ToLower(out), string(ClassValue)):
		return ClassValue
	default:
		return ClassSemantic
	}
}

// classifyHeuristic scores the text against the marker families and picks
// the clear winner. Ties and zero hits are not decided here.
func classifyHeuristic(text string) (DissentClass, bool) {
	lower := strings.ToLower(text)
	scores := map[DissentClass]int{
		ClassFactual:  countMarkers(lower, factualMarkers),
		ClassValue:    countMarkers(lower, valueMarkers),
		ClassSemantic: countMarkers(lower, semanticMarkers),
	}

	best, bestScore, tied := ClassSemantic, 0, false
	for _, class := range []DissentClass{ClassFactual, ClassValue, ClassSemantic} {
		s := scores[class]
		if s > bestScore {
			best, bestScore, tied = class, s, false
		} else if s == bestScore && s > 0 {
			tied = true
		}
	}
	if bestScore == 0 || tied {
		return "", false
	}
	return best, true
}

func countMarkers(lower string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	return n
}
