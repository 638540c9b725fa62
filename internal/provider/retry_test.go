package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdarlt/vors-ting/internal/metrics"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		CallTimeout:  time.Second,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded), "per-call timeout spends one attempt")
	assert.True(t, IsRetryable(NewTransient("generate", errors.New("rate limited"))))
	assert.False(t, IsRetryable(NewPersistent("generate", errors.New("invalid request"))))
	assert.True(t, IsRetryable(errors.New("connection reset")), "unclassified errors are treated as transient")
}

func TestIsRetryableStatusCode(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatusCode(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsRetryableStatusCode(code), "status %d", code)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewTransient("review", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "review")
	assert.Contains(t, err.Error(), "transient")
}

// =============================================================================
// Retry Loop Tests
// =============================================================================

func TestRetry_TransientThenSuccess(t *testing.T) {
	mock := NewMockModel()
	mock.GenerateResponses = []string{"", "", "third time lucky"}
	mock.FailCall("generate", 0, NewTransient("generate", errors.New("rate limited")))
	mock.FailCall("generate", 1, NewTransient("generate", errors.New("rate limited")))

	m := NewRetryingModel(mock, fastRetryConfig(3), nil)
	out, err := m.Generate(context.Background(), &GenerateRequest{Task: "draft"})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", out)

	gen, _, _ := mock.Calls()
	assert.Equal(t, 3, gen)
}

func TestRetry_PersistentFailsImmediately(t *testing.T) {
	mock := NewMockModel()
	mock.FailCall("review", 0, NewPersistent("review", errors.New("model rejected prompt")))

	m := NewRetryingModel(mock, fastRetryConfig(3), nil)
	_, err := m.Review(context.Background(), &ReviewRequest{Artifact: "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanently")

	_, reviews, _ := mock.Calls()
	assert.Equal(t, 1, reviews, "persistent errors must not be retried")
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	transient := NewTransient("refine", errors.New("timeout"))
	mock := NewMockModel()
	for i := 0; i < 10; i++ {
		mock.FailCall("refine", i, transient)
	}

	m := NewRetryingModel(mock, fastRetryConfig(2), nil)
	_, err := m.Refine(context.Background(), &RefineRequest{Artifact: "a", Feedback: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")

	_, _, refines := mock.Calls()
	assert.Equal(t, 3, refines)
}

func TestRetry_ParentCancellationAborts(t *testing.T) {
	mock := NewMockModel()
	for i := 0; i < 10; i++ {
		mock.FailCall("generate", i, NewTransient("generate", errors.New("slow")))
	}

	cfg := fastRetryConfig(5)
	cfg.InitialDelay = time.Hour // backoff would block forever
	m := NewRetryingModel(mock, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Generate(ctx, &GenerateRequest{Task: "draft"})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not abort on parent cancellation")
	}
}

func TestRetry_RecordsLatencyAndRetryMetrics(t *testing.T) {
	mock := NewMockModel()
	mock.FailCall("generate", 0, NewTransient("generate", errors.New("rate limited")))
	mock.FailCall("generate", 1, NewTransient("generate", errors.New("rate limited")))

	col := metrics.NewCollector()
	m := NewRetryingModel(mock, fastRetryConfig(3), nil, WithCollector(col))
	_, err := m.Generate(context.Background(), &GenerateRequest{Task: "draft"})
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(col.ProviderRetries.WithLabelValues("generate")))
	// Latency samples land under the operation label.
	assert.Equal(t, 1, testutil.CollectAndCount(col.ProviderLatency, "vorsting_provider_latency_seconds"))
}

func TestRetry_ZeroRetriesSingleAttempt(t *testing.T) {
	mock := NewMockModel()
	mock.FailCall("generate", 0, NewTransient("generate", errors.New("rate limited")))

	m := NewRetryingModel(mock, fastRetryConfig(0), nil)
	_, err := m.Generate(context.Background(), &GenerateRequest{Task: "draft"})
	require.Error(t, err)

	gen, _, _ := mock.Calls()
	assert.Equal(t, 1, gen)
}
