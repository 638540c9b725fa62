package trust

import "strings"

// Depth score caps. Short, uncited, repetitive dissents bottom out near
// zero, which is the defense against gaming the trust score with shallow
// repeated objections.
const (
	depthWordCap     = 50.0
	depthCitationCap = 0.5
	depthMax         = 2.0
)

// DepthScore computes the substantiveness of a dissent:
//
//	depth = min(words/50, 1.0) + min(0.2*citations, 0.5) + novelty
//
// clamped to [0, 2].
func DepthScore(wordCount, citationCount int, novelty float64) float64 {
	words := float64(wordCount) / depthWordCap
	if words > 1.0 {
		words = 1.0
	}
	citations := 0.2 * float64(citationCount)
	if citations > depthCitationCap {
		citations = depthCitationCap
	}
	depth := words + citations + novelty
	if depth < 0 {
		return 0
	}
	if depth > depthMax {
		return depthMax
	}
	return depth
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
