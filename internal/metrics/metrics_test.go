package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveAttempt("5ch", 404)
		m.ObserveIngest("5ch", "ok", time.Second)
		m.ObserveLayout("5ch", "dat")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveAttempt("5ch", 404)
	m.ObserveAttempt("5ch", 404)
	m.ObserveAttempt("5ch", 0)
	m.ObserveIngest("5ch", "not_found", 300*time.Millisecond)
	m.ObserveLayout("girlschannel", "girlschannel")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchAttempts.WithLabelValues("5ch", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchAttempts.WithLabelValues("5ch", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestResults.WithLabelValues("5ch", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayoutMatches.WithLabelValues("girlschannel", "girlschannel")))
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveLayout("5ch", "dat")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `matomeln_layout_matches_total{layout="dat",source="5ch"} 1`))
}

func TestNew_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
