package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/metrics"
)

// RetryConfig defines retry behavior for content-model calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// CallTimeout bounds each individual attempt. Exceeding it spends one
	// attempt.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier is the factor by which delay grows after each retry.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// JitterFactor adds randomness to delays (0.0-1.0).
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults for content-model calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		CallTimeout:  2 * time.Minute,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// RetryingModel wraps a ContentModel with exponential backoff, per-call
// timeouts, and transient/persistent classification.
type RetryingModel struct {
	base      ContentModel
	cfg       RetryConfig
	log       *logrus.Logger
	collector *metrics.Collector

	mu  sync.Mutex
	rng *rand.Rand
}

// RetryOption configures optional collaborators of a RetryingModel.
type RetryOption func(*RetryingModel)

// WithCollector attaches a metrics collector recording call latency and
// retry counts.
func WithCollector(col *metrics.Collector) RetryOption {
	return func(m *RetryingModel) { m.collector = col }
}

// NewRetryingModel wraps base with retry behavior.
func NewRetryingModel(base ContentModel, cfg RetryConfig, log *logrus.Logger, opts ...RetryOption) *RetryingModel {
	if log == nil {
		log = logrus.New()
	}
	m := &RetryingModel{
		base: base,
		cfg:  cfg,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RetryingModel) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	var out string
	err := m.withRetry(ctx, "generate", func(callCtx context.Context) error {
		var err error
		out, err = m.base.Generate(callCtx, req)
		return err
	})
	return out, err
}

func (m *RetryingModel) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	var out *ReviewResult
	err := m.withRetry(ctx, "review", func(callCtx context.Context) error {
		var err error
		out, err = m.base.Review(callCtx, req)
		return err
	})
	return out, err
}

func (m *RetryingModel) Refine(ctx context.Context, req *RefineRequest) (string, error) {
	var out string
	err := m.withRetry(ctx, "refine", func(callCtx context.Context) error {
		var err error
		out, err = m.base.Refine(callCtx, req)
		return err
	})
	return out, err
}

// withRetry runs fn with a per-attempt timeout until it succeeds, fails
// with a non-retryable error, or exhausts the attempt budget. The parent
// context aborts the loop immediately.
func (m *RetryingModel) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := m.cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted before attempt %d: %w", op, attempt+1, err)
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if m.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		}
		callStart := time.Now()
		err := fn(callCtx)
		cancel()
		if m.collector != nil {
			m.collector.ProviderLatency.WithLabelValues(op).Observe(time.Since(callStart).Seconds())
		}

		if err == nil {
			return nil
		}
		lastErr = err

		// Parent cancellation is not the call's fault; stop immediately.
		if ctx.Err() != nil {
			return fmt.Errorf("%s aborted: %w", op, ctx.Err())
		}
		if !IsRetryable(err) {
			return fmt.Errorf("%s failed permanently after %d attempt(s): %w", op, attempt+1, err)
		}
		if attempt == m.cfg.MaxRetries {
			break
		}

		if m.collector != nil {
			m.collector.ProviderRetries.WithLabelValues(op).Inc()
		}
		wait := m.jitter(delay)
		m.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).WithError(err).Warn("Transient provider error, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s aborted during backoff: %w", op, ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * m.cfg.Multiplier)
		if m.cfg.MaxDelay > 0 && delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, m.cfg.MaxRetries+1, lastErr)
}

func (m *RetryingModel) jitter(d time.Duration) time.Duration {
	if m.cfg.JitterFactor <= 0 {
		return d
	}
	m.mu.Lock()
	f := m.rng.Float64()
	m.mu.Unlock()
	// Spread the delay over [d*(1-j), d*(1+j)].
	spread := 1 - m.cfg.JitterFactor + 2*m.cfg.JitterFactor*f
	return time.Duration(float64(d) * spread)
}
