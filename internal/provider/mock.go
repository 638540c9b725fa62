package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockModel is a scripted ContentModel for tests. Responses are consumed in
// order per operation; an empty script yields a deterministic synthetic
// response. Failure injection is per operation and per call index.
type MockModel struct {
	mu sync.Mutex

	GenerateResponses []string
	ReviewResponses   []*ReviewResult
	RefineResponses   []string

	// FailOn maps "op/callIndex" (0-based) to the error to return.
	FailOn map[string]error

	generateCalls int
	reviewCalls   int
	refineCalls   int
}

// NewMockModel returns an empty scripted model.
func NewMockModel() *MockModel {
	return &MockModel{FailOn: make(map[string]error)}
}

// FailCall injects err for the n-th (0-based) call of op.
func (m *MockModel) FailCall(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailOn[fmt.Sprintf("%s/%d", op, n)] = err
}

func (m *MockModel) failure(op string, n int) error {
	return m.FailOn[fmt.Sprintf("%s/%d", op, n)]
}

func (m *MockModel) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.generateCalls
	m.generateCalls++
	if err := m.failure("generate", n); err != nil {
		return "", err
	}
	if n < len(m.GenerateResponses) {
		return m.GenerateResponses[n], nil
	}
	return fmt.Sprintf("artifact for %q (call %d)", req.Task, n), nil
}

func (m *MockModel) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.reviewCalls
	m.reviewCalls++
	if err := m.failure("review", n); err != nil {
		return nil, err
	}
	if n < len(m.ReviewResponses) {
		return m.ReviewResponses[n], nil
	}
	return &ReviewResult{Feedback: "looks fine", Overall: 0.9, Accept: true}, nil
}

func (m *MockModel) Refine(ctx context.Context, req *RefineRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.refineCalls
	m.refineCalls++
	if err := m.failure("refine", n); err != nil {
		return "", err
	}
	if n < len(m.RefineResponses) {
		return m.RefineResponses[n], nil
	}
	return req.Artifact + "\n(refined)", nil
}

// Calls returns the number of calls made per operation.
func (m *MockModel) Calls() (generate, review, refine int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls, m.reviewCalls, m.refineCalls
}
