// Package similarity defines the similarity-oracle boundary. An Oracle
// scores two texts in [0,1]; the production oracle is an external embedding
// service, while Lexical provides a deterministic in-process fallback used
// for dissent novelty and tests.
package similarity

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Oracle scores the semantic similarity of two texts in [0,1].
type Oracle interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Lexical is a deterministic oracle: cosine similarity over token
// frequency vectors. Not a substitute for embeddings, but stable, fast,
// and monotone enough for novelty scoring and tests.
type Lexical struct{}

// NewLexical returns the lexical oracle.
func NewLexical() *Lexical { return &Lexical{} }

func (l *Lexical) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	va := termFrequencies(a)
	vb := termFrequencies(b)
	if len(va) == 0 && len(vb) == 0 {
		return 1, nil
	}
	if len(va) == 0 || len(vb) == 0 {
		return 0, nil
	}

	var dot, na, nb float64
	for term, fa := range va {
		na += fa * fa
		if fb, ok := vb[term]; ok {
			dot += fa * fb
		}
	}
	for _, fb := range vb {
		nb += fb * fb
	}
	if dot == 0 {
		return 0, nil
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp float noise so callers can rely on [0,1].
	if score > 1 {
		score = 1
	}
	return score, nil
}

func termFrequencies(text string) map[string]float64 {
	freqs := make(map[string]float64)
	for _, tok := range tokenize(text) {
		freqs[tok]++
	}
	return freqs
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
