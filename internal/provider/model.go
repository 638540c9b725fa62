// Package provider defines the content-model collaborator boundary: the
// external service that generates, reviews, and refines text artifacts.
// The orchestrator only ever talks to a ContentModel; provider internals
// (prompting, transport) stay behind this interface.
package provider

import (
	"context"

	"github.com/bdarlt/vors-ting/internal/rubric"
)

// GenerateRequest asks a creator model for an initial artifact.
type GenerateRequest struct {
	Task    string `json:"task"`
	Context string `json:"context,omitempty"`
}

// ReviewRequest asks a reviewer model to evaluate an artifact against a
// rubric. Adversarial reframes the review as a Devil's Advocate critique.
type ReviewRequest struct {
	Artifact    string         `json:"artifact"`
	Rubric      *rubric.Rubric `json:"rubric,omitempty"`
	Adversarial bool           `json:"adversarial,omitempty"`
}

// RefineRequest asks a creator model to revise its artifact using the
// aggregated feedback for that artifact. Raw peer artifacts are never
// included, only feedback.
type RefineRequest struct {
	Artifact string `json:"artifact"`
	Feedback string `json:"feedback"`
}

// ReviewResult is the structured outcome of a single review call.
type ReviewResult struct {
	Feedback      string             `json:"feedback"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Overall       float64            `json:"overall"`
	Accept        bool               `json:"accept"`
	Dissent       string             `json:"dissent,omitempty"`
	CitedCriteria []string           `json:"cited_criteria,omitempty"`
}

// ContentModel is the external content-model collaborator. Calls must be
// idempotent from the caller's point of view: a retried call is
// indistinguishable from a first call.
type ContentModel interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
	Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error)
	Refine(ctx context.Context, req *RefineRequest) (string, error)
}
