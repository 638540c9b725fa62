package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPModel talks to a content-model service over a small JSON protocol:
// POST {base}/v1/generate, /v1/review, /v1/refine with the request body and
// a JSON response. It performs no retries itself; wrap it in a
// RetryingModel.
type HTTPModel struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// HTTPConfig configures an HTTPModel.
type HTTPConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// NewHTTPModel creates an HTTP-backed content model.
func NewHTTPModel(cfg HTTPConfig) (*HTTPModel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("content-model base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPModel{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type httpEnvelope struct {
	Model string      `json:"model,omitempty"`
	Input interface{} `json:"input"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type refineResponse struct {
	Text string `json:"text"`
}

func (m *HTTPModel) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	var resp generateResponse
	if err := m.post(ctx, "generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (m *HTTPModel) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	var resp ReviewResult
	if err := m.post(ctx, "review", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *HTTPModel) Refine(ctx context.Context, req *RefineRequest) (string, error) {
	var resp refineResponse
	if err := m.post(ctx, "refine", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (m *HTTPModel) post(ctx context.Context, op string, in, out interface{}) error {
	body, err := json.Marshal(httpEnvelope{Model: m.model, Input: in})
	if err != nil {
		return NewPersistent(op, fmt.Errorf("failed to encode request: %w", err))
	}

	url := fmt.Sprintf("%s/v1/%s", m.baseURL, op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewPersistent(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		// Network-level failures are worth retrying.
		return NewTransient(op, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		err := fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, bytes.TrimSpace(data))
		if IsRetryableStatusCode(httpResp.StatusCode) {
			return NewTransient(op, err)
		}
		return NewPersistent(op, err)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return NewPersistent(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
