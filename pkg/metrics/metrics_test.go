package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_OccupationSeries(t *testing.T) {
	m := New(DefaultConfig("occupation-service"))

	m.ObserveVerb("begin", "assembly", "ok", 20*time.Millisecond)
	m.ObserveLock("acquire", "denied")
	m.ObserveConflict("update_slot")
	m.ObserveRetryOutcome("succeeded", 2)
	m.ObserveTornRecovery("weld")
	m.RecordStoreOperation("mongodb", "compare_and_swap", false, time.Millisecond)
	m.SetCircuitBreakerState("mongodb-records", 2)

	body := scrape(t, m)
	for _, want := range []string{
		`wms_occupation_verbs_total{operation="assembly",outcome="ok",service="occupation-service",verb="begin"} 1`,
		`wms_occupation_lock_operations_total{operation="acquire",outcome="denied",service="occupation-service"} 1`,
		`wms_occupation_version_conflicts_total{operation="update_slot",service="occupation-service"} 1`,
		`wms_occupation_torn_writes_recovered_total{operation="weld",service="occupation-service"} 1`,
		`wms_occupation_store_operations_total{operation="compare_and_swap",service="occupation-service",status="error",store="mongodb"} 1`,
		`wms_circuit_breaker_state{name="mongodb-records",service="occupation-service"} 2`,
		`wms_occupation_conflict_retry_count_sum{service="occupation-service"} 2`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetrics_InstancesDoNotShareRegistry(t *testing.T) {
	a := New(DefaultConfig("a"))
	b := New(DefaultConfig("b"))

	a.ObserveConflict("x")

	assert.Contains(t, scrape(t, a), "wms_occupation_version_conflicts_total")
	assert.NotContains(t, scrape(t, b), `wms_occupation_version_conflicts_total{`)
}
