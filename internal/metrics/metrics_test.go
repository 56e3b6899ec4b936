package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	m.ObserveTransaction("mint", "confirmed")
	m.ObservePoll("ok")
	m.SetSessionStatus("connected")
	m.IncNetworkError()
	m.IncReplay("deposit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStatusIsExclusive(t *testing.T) {
	m := New()
	m.SetSessionStatus("connecting")
	m.SetSessionStatus("connected")

	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionStatus.WithLabelValues("connected")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.sessionStatus.WithLabelValues("connecting")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connecting")))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveTransaction("deposit", "reverted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `depositdapp_transactions_total{kind="deposit",status="reverted"} 1`))
}
