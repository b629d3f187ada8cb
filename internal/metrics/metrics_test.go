package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGateway(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.EventRelayed("full", true)
	m.EventRelayed("incremental", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsRelayed.WithLabelValues("full", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsRelayed.WithLabelValues("incremental", "error")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var g *Gateway
	var s *Store
	assert.NotPanics(t, func() {
		g.SessionStarted()
		g.StimsFailed()
		g.EventRelayed("full", true)
		g.Payload(10)
		g.ConnectionOpened()
		g.ConnectionClosed()
		s.Insert(true)
		s.GetStims(false)
	})
}

func TestHandlerExposesStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStore(reg, "memory")
	m.Insert(true)

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `store_inserts_total{backend="memory",outcome="ok"} 1`)
}
