package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionState("s", 2)
		m.Reconnect("s")
		m.Batch("s", "read", 3)
		m.Transaction("s", "read", "ok")
		m.Outstanding("s", 1)
		m.Update("b", "incomingData", 2)
		m.SinkDelivery("mqtt", nil)
	})
}

func TestRecorders(t *testing.T) {
	m := New()
	m.SessionState("plc", 2)
	m.Reconnect("plc")
	m.Reconnect("plc")
	m.Update("temp", "incomingData", 3)
	m.SinkDelivery("log", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionState.WithLabelValues("plc")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("plc")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.overrides.WithLabelValues("temp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkDeliveries.WithLabelValues("log", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "uabridge_session_reconnects_total")
}
