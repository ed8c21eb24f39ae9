package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Run("with nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.Equal(t, ":9090", c.config.Address)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "stickypool", c.config.Namespace)
		assert.NotNil(t, c.registry)
	})

	t.Run("with disabled config", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.registry)
	})
}

func TestNilAndDisabledCollectorAreSafe(t *testing.T) {
	var nilCollector *Collector
	disabled, err := NewCollector(&Config{Enabled: false})
	require.NoError(t, err)

	for _, c := range []*Collector{nilCollector, disabled} {
		assert.NotPanics(t, func() {
			c.WorkerSpawned("chat")
			c.WorkerExited("chat", "crash")
			c.SpawnFailed("chat")
			c.SetPoolSize("chat", 3)
			c.ConnectionRouted(":7000", time.Millisecond)
			c.ConnectionDropped(":7000", "empty_pool")
			c.LogRecord("chat", "warn")
			c.ArchiveUpload(true)
			c.ShutdownTriggered("signal")
			c.RegisterDebug("workers", func() interface{} { return nil })
			assert.Empty(t, c.GetMetrics())
			assert.NoError(t, c.Stop(context.Background()))
		})
	}
}

func TestWorkerMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.WorkerSpawned("chat")
	c.WorkerSpawned("chat")
	c.WorkerExited("chat", "crash")
	c.SpawnFailed("api")
	c.SetPoolSize("chat", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workerEvents.WithLabelValues("chat", "spawned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerEvents.WithLabelValues("chat", "crash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerEvents.WithLabelValues("api", "spawn_failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolSize.WithLabelValues("chat")))

	events := c.GetMetrics()["events"].(map[string]int64)
	assert.Equal(t, int64(2), events["worker_spawned"])
	assert.Equal(t, int64(1), events["worker_crash"])
}

func TestConnectionMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.ConnectionRouted(":7000", 2*time.Millisecond)
	c.ConnectionDropped(":7000", "empty_pool")
	c.ConnectionDropped(":7000", "empty_pool")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections.WithLabelValues(":7000", "routed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connections.WithLabelValues(":7000", "dropped_empty_pool")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.handoffDuration))
}

func TestLogAndShutdownMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.LogRecord("chat", "warn")
	c.ArchiveUpload(false)
	c.ShutdownTriggered("signal")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.logRecords.WithLabelValues("chat", "warn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.archiveUploads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.shutdownTriggers.WithLabelValues("signal")))

	events := c.GetMetrics()["events"].(map[string]int64)
	assert.Equal(t, map[string]int64{"archive_error": 1, "log_record": 1, "shutdown_signal": 1}, events)
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.WorkerSpawned("chat")
	c.RegisterDebug("workers", func() interface{} {
		return []map[string]interface{}{{"service": "chat", "workers": 2}}
	})

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(data)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `test_worker_events_total{event="spawned",service="chat"} 1`)

	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "healthy")

	code, body = get("/debug/workers")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"service": "chat"`)
}

func TestHandler_UnregisteredDebugView(t *testing.T) {
	c := newTestCollector(t)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/workers", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
