package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Interaction is one prompt/response exchange with a content model.
type Interaction struct {
	Time     time.Time `json:"time"`
	Agent    string    `json:"agent"`
	Op       string    `json:"op"`
	Prompt   string    `json:"prompt"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// InteractionLog collects every model exchange of a run. Safe for
// concurrent use; the orchestrator fans calls out across agents.
type InteractionLog struct {
	mu      sync.Mutex
	records []Interaction
}

// NewInteractionLog returns an empty log.
func NewInteractionLog() *InteractionLog { return &InteractionLog{} }

// Append adds a record, stamping the time if unset.
func (l *InteractionLog) Append(rec Interaction) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Records returns a copy of the collected interactions in append order.
func (l *InteractionLog) Records() []Interaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Interaction, len(l.records))
	copy(out, l.records)
	return out
}

// RecordingModel wraps a ContentModel and appends every exchange, failed
// ones included, to a shared InteractionLog.
type RecordingModel struct {
	base  ContentModel
	agent string
	tape  *InteractionLog
}

// NewRecordingModel wraps base, tagging records with the agent name.
func NewRecordingModel(base ContentModel, agent string, tape *InteractionLog) *RecordingModel {
	return &RecordingModel{base: base, agent: agent, tape: tape}
}

func (m *RecordingModel) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	out, err := m.base.Generate(ctx, req)
	m.record("generate", req, out, err)
	return out, err
}

func (m *RecordingModel) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	res, err := m.base.Review(ctx, req)
	m.record("review", req, res, err)
	return res, err
}

func (m *RecordingModel) Refine(ctx context.Context, req *RefineRequest) (string, error) {
	out, err := m.base.Refine(ctx, req)
	m.record("refine", req, out, err)
	return out, err
}

func (m *RecordingModel) record(op string, req, res interface{}, err error) {
	rec := Interaction{
		Agent:  m.agent,
		Op:     op,
		Prompt: compactJSON(req),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Response = compactJSON(res)
	}
	m.tape.Append(rec)
}

// compactJSON renders a request or result for the log. A plain string
// passes through unquoted; nil renders empty.
func compactJSON(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
