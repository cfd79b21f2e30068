package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycleCounters(t *testing.T) {
	before := testutil.ToFloat64(SessionsActive)

	SessionStarted()
	SessionStarted()
	assert.Equal(t, before+2, testutil.ToFloat64(SessionsActive))

	SessionEnded("manual")
	SessionEnded("idle_timeout")
	assert.Equal(t, before, testutil.ToFloat64(SessionsActive))
	assert.GreaterOrEqual(t, testutil.ToFloat64(SessionsEndedTotal.WithLabelValues("manual")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(SessionsEndedTotal.WithLabelValues("idle_timeout")), 1.0)
}

func TestObserveRPC_Outcomes(t *testing.T) {
	okBefore := testutil.ToFloat64(RPCRequestsTotal.WithLabelValues("ping", "success"))
	errBefore := testutil.ToFloat64(RPCRequestsTotal.WithLabelValues("ping", "error"))

	ObserveRPC("ping", true, 5*time.Millisecond)
	ObserveRPC("ping", false, 5*time.Millisecond)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(RPCRequestsTotal.WithLabelValues("ping", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(RPCRequestsTotal.WithLabelValues("ping", "error")))
}

func TestSetPortPool(t *testing.T) {
	SetPortPool(42, 8)

	assert.Equal(t, 42.0, testutil.ToFloat64(PortPoolAvailable))
	assert.Equal(t, 8.0, testutil.ToFloat64(PortPoolReserved))
}

func TestHTTPMetricsMiddleware_RecordsStatus(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/port-status", "GET", "200"))

	handler := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/port-status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	// Outside a chi route the path itself is the route label.
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/port-status", "GET", "200")))
}
