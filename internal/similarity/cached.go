package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/metrics"
)

const cacheKeyPrefix = "vorsting:sim:"

// Cached decorates an Oracle with a Redis cache. Pairwise similarity is
// O(N²) per round and oracle calls are the expensive path, so converged
// artifacts that stop changing hit the cache on every later round.
// Redis failures degrade to the base oracle.
type Cached struct {
	base      Oracle
	client    *redis.Client
	ttl       time.Duration
	log       *logrus.Logger
	collector *metrics.Collector

	hits   atomic.Int64
	misses atomic.Int64
}

// CachedOption configures optional collaborators of a Cached oracle.
type CachedOption func(*Cached)

// WithCollector attaches a metrics collector recording cache hits and
// misses.
func WithCollector(col *metrics.Collector) CachedOption {
	return func(c *Cached) { c.collector = col }
}

// NewCached wraps base with a Redis-backed cache.
func NewCached(base Oracle, client *redis.Client, ttl time.Duration, log *logrus.Logger, opts ...CachedOption) *Cached {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &Cached{base: base, client: client, ttl: ttl, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cacheEnvelope struct {
	Score float64 `json:"score"`
}

func (c *Cached) Similarity(ctx context.Context, a, b string) (float64, error) {
	key := cacheKey(a, b)

	if data, err := c.client.Get(ctx, key).Result(); err == nil {
		var env cacheEnvelope
		if jsonErr := json.Unmarshal([]byte(data), &env); jsonErr == nil {
			c.hits.Add(1)
			if c.collector != nil {
				c.collector.CacheHits.Inc()
			}
			return env.Score, nil
		}
	} else if err != redis.Nil && ctx.Err() == nil {
		c.log.WithError(err).Debug("Similarity cache read failed, falling back to oracle")
	}
	c.misses.Add(1)
	if c.collector != nil {
		c.collector.CacheMisses.Inc()
	}

	score, err := c.base.Similarity(ctx, a, b)
	if err != nil {
		return 0, err
	}

	if data, jsonErr := json.Marshal(cacheEnvelope{Score: score}); jsonErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil && ctx.Err() == nil {
			c.log.WithError(setErr).Debug("Similarity cache write failed")
		}
	}
	return score, nil
}

// Stats returns cache hit/miss counts.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// cacheKey is order-independent: similarity(a,b) == similarity(b,a).
func cacheKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}
