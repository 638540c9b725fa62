package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not collide on registration.
	a := NewCollector()
	b := NewCollector()
	a.RoundVerdicts.WithLabelValues("converged").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.RoundVerdicts.WithLabelValues("converged")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.RoundVerdicts.WithLabelValues("converged")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.TrustScore.WithLabelValues("alpha").Set(0.72)
	c.CacheHits.Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `vorsting_agent_trust_score{agent="alpha"} 0.72`)
	assert.Contains(t, body, "vorsting_similarity_cache_hits_total 1")
}
