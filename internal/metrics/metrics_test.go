package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCounters(t *testing.T) {
	m := New()
	m.RunStarted("manual")
	m.RunStarted("schedule")
	m.RunFinished("completed", 3*time.Second, 4096, 2, 1)
	m.RunFinished("failed", time.Second, 100, 0, 0)
	m.SetActive(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsStarted.WithLabelValues("manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BytesTransferred))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesTransferred))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveExecutions))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserverConnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ObserversConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ObserversConnected))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("manual")
		m.RunFinished("completed", time.Second, 1, 1, 1)
		m.SetActive(1)
		m.ObserverConnected()
		m.EventBroadcast("progress")
		m.ScheduleFired("started")
	})
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RunStarted("api")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `r2clone_runs_started_total{trigger="api"} 1`)
}
