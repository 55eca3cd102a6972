package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SubmitFinished("committed", time.Millisecond)
		m.VersionConflict()
		m.Clamped()
		m.Unlocked(2)
		m.Rejected("anticheat")
		m.CacheLookup("hit")
		m.SweepTrimmed(3)
		m.HTTPRequest("GET", "/healthz", "200", time.Millisecond)
		m.JobFinished("sweep", true, time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.SubmitFinished("committed", time.Millisecond)
	m.SubmitFinished("committed", time.Millisecond)
	m.SubmitFinished("rejected", time.Millisecond)
	m.Unlocked(3)
	m.Unlocked(0)
	m.SweepTrimmed(-1)
	m.JobFinished("sweep", true, time.Second)
	m.JobFinished("sweep", false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitsTotal.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.unlocksTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sweepTrimmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sweep", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sweep", "failure")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.VersionConflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progression_version_conflicts_total 1")
}
