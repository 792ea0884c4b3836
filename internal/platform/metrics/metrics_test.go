package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_recorders(t *testing.T) {
	m := New()
	m.ObserveFrame(6000)
	m.ObserveFrame(12000)
	m.IncObjectCounts()
	m.AddDeliveriesDropped(3)
	m.IncControlForwarded()
	m.IncControlDropped()
	m.IncConnectAttempts()
	m.SetUpstreamConnected(true)
	m.SetViewers(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceivedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.objectCountsReceivedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveriesDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controlForwardedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controlDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamConnected))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.viewers))
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFrame(1)
	m.IncControlDropped()
	m.SetViewers(1)
	m.SetUpstreamConnected(false)
}

func TestHandler_exposesRegistry(t *testing.T) {
	m := New()
	m.IncControlDropped()
	m.ObserveFrame(5000)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "framerelay_control_dropped_total 1")
	assert.Contains(t, string(body), "framerelay_frames_received_total 1")
	assert.NotContains(t, string(body), "relayed")
}

func TestRequestMiddleware_countsByClass(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("4xx")))
}
