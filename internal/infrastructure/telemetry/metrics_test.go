package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingMetrics_Record(t *testing.T) {
	m := NewMappingMetrics("test")

	m.ObserveCache("ext_to_int", ResultHit, time.Millisecond)
	m.ObserveCache("ext_to_int", ResultHit, time.Millisecond)
	m.ObserveCache("ext_to_int", ResultMiss, time.Millisecond)
	m.ObserveStore("upsert", "ok", 5*time.Millisecond)
	m.ObserveStore("upsert", "CONSTRAINT_VIOLATION", 5*time.Millisecond)
	m.SetPopulateQueueDepth(7)
	m.IncPopulateDropped()
	m.IncPopulateFailure()
	m.AddRepoints(2)
	m.AddBulk(3, 1, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("ext_to_int", ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("ext_to_int", ResultMiss)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("upsert", "CONSTRAINT_VIOLATION")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PopulateQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PopulateDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PopulateFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Repoints))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BulkEntries.WithLabelValues("created")))
}

func TestMappingMetrics_NilIsNoop(t *testing.T) {
	var m *MappingMetrics
	assert.NotPanics(t, func() {
		m.ObserveCache("ext_to_int", ResultHit, time.Millisecond)
		m.ObserveStore("get", "ok", time.Millisecond)
		m.SetPopulateQueueDepth(1)
		m.IncPopulateDropped()
		m.IncPopulateFailure()
		m.AddRepoints(1)
		m.AddBulk(1, 1, 1)
	})
}

func TestMappingMetrics_Handler(t *testing.T) {
	m := NewMappingMetrics("test")
	m.ObserveCache("int_to_ext", ResultError, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_mapping_cache_lookups_total{operation="int_to_ext",result="error"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMappingMetrics_RegisterDB(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := NewMappingMetrics("test")
	require.NoError(t, m.RegisterDB(db, "rostersync"))
	assert.Error(t, m.RegisterDB(db, "rostersync"), "a pool is registered once")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `go_sql_max_open_connections{db_name="rostersync"}`)

	var nilMetrics *MappingMetrics
	assert.NoError(t, nilMetrics.RegisterDB(db, "rostersync"))
}
