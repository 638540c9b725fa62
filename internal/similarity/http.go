package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOracle calls an external similarity service:
// POST {base}/v1/similarity with {"text_a":..., "text_b":...} returning
// {"score": <float in [0,1]>}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an HTTP-backed oracle.
func NewHTTPOracle(baseURL string, timeout time.Duration) (*HTTPOracle, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("similarity oracle base_url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

type similarityRequest struct {
	TextA string `json:"text_a"`
	TextB string `json:"text_b"`
}

type similarityResponse struct {
	Score float64 `json:"score"`
}

func (o *HTTPOracle) Similarity(ctx context.Context, a, b string) (float64, error) {
	body, err := json.Marshal(similarityRequest{TextA: a, TextB: b})
	if err != nil {
		return 0, fmt.Errorf("failed to encode similarity request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/similarity", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("similarity oracle call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("similarity oracle HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out similarityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode similarity response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, fmt.Errorf("similarity oracle returned out-of-range score %v", out.Score)
	}
	return out.Score, nil
}
