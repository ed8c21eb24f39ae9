package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records supervisor, router and log multiplexer metrics. A nil or
// disabled Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	workerEvents     *prometheus.CounterVec
	poolSize         *prometheus.GaugeVec
	connections      *prometheus.CounterVec
	handoffDuration  *prometheus.HistogramVec
	logRecords       *prometheus.CounterVec
	archiveUploads   *prometheus.CounterVec
	shutdownTriggers *prometheus.CounterVec

	// Internal tracking
	events    map[string]int64
	debug     map[string]func() interface{}
	startedAt time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "stickypool",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "stickypool"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		events:    make(map[string]int64),
		debug:     make(map[string]func() interface{}),
		startedAt: time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Handler returns the HTTP handler serving metrics, health and debug views.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	mux.HandleFunc("/debug/workers", c.debugProviderHandler("workers"))
	return mux
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RegisterDebug exposes fn as JSON under /debug/<name>.
func (c *Collector) RegisterDebug(name string, fn func() interface{}) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug[name] = fn
}

// WorkerSpawned records a worker launch.
func (c *Collector) WorkerSpawned(service string) {
	c.workerEvent(service, "spawned")
}

// WorkerExited records a worker exit; reason is "planned" or "crash".
func (c *Collector) WorkerExited(service, reason string) {
	c.workerEvent(service, reason)
}

// SpawnFailed records a launch attempt that failed.
func (c *Collector) SpawnFailed(service string) {
	c.workerEvent(service, "spawn_failed")
}

func (c *Collector) workerEvent(service, event string) {
	if !c.enabled() {
		return
	}
	c.workerEvents.With(prometheus.Labels{"service": service, "event": event}).Inc()
	c.track("worker_" + event)
}

// SetPoolSize records the number of entries in a service pool.
func (c *Collector) SetPoolSize(service string, size int) {
	if !c.enabled() {
		return
	}
	c.poolSize.With(prometheus.Labels{"service": service}).Set(float64(size))
}

// ConnectionRouted records a successful handoff.
func (c *Collector) ConnectionRouted(endpoint string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.connections.With(prometheus.Labels{"endpoint": endpoint, "result": "routed"}).Inc()
	c.handoffDuration.With(prometheus.Labels{"endpoint": endpoint}).Observe(duration.Seconds())
	c.track("connection_routed")
}

// ConnectionDropped records a connection closed without a handoff.
func (c *Collector) ConnectionDropped(endpoint, reason string) {
	if !c.enabled() {
		return
	}
	c.connections.With(prometheus.Labels{"endpoint": endpoint, "result": "dropped_" + reason}).Inc()
	c.track("connection_dropped")
}

// LogRecord records a log record forwarded by a worker.
func (c *Collector) LogRecord(service, level string) {
	if !c.enabled() {
		return
	}
	c.logRecords.With(prometheus.Labels{"service": service, "level": level}).Inc()
	c.track("log_record")
}

// ArchiveUpload records the outcome of a rotated log upload.
func (c *Collector) ArchiveUpload(success bool) {
	if !c.enabled() {
		return
	}
	status := map[bool]string{true: "success", false: "error"}[success]
	c.archiveUploads.With(prometheus.Labels{"status": status}).Inc()
	c.track("archive_" + status)
}

// ShutdownTriggered records a shutdown trigger.
func (c *Collector) ShutdownTriggered(reason string) {
	if !c.enabled() {
		return
	}
	c.shutdownTriggers.With(prometheus.Labels{"reason": reason}).Inc()
	c.track("shutdown_" + reason)
}

func (c *Collector) track(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[event]++
}

// GetMetrics returns current event counts
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	events := make(map[string]int64, len(c.events))
	for k, v := range c.events {
		events[k] = v
	}

	metrics["events"] = events
	metrics["started_at"] = c.startedAt
	metrics["uptime"] = time.Since(c.startedAt).String()

	return metrics
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.workerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "worker_events_total",
			Help:      "Worker lifecycle events by service",
		},
		[]string{"service", "event"},
	)

	c.poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_workers",
			Help:      "Current number of entries in each worker pool",
		},
		[]string{"service"},
	)

	c.connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Accepted connections by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	c.handoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "handoff_duration_seconds",
			Help:      "Time from accept to completed handoff",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 15), // 50us to ~800ms
		},
		[]string{"endpoint"},
	)

	c.logRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "log_records_total",
			Help:      "Log records forwarded by workers",
		},
		[]string{"service", "level"},
	)

	c.archiveUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "log_archive_uploads_total",
			Help:      "Rotated log uploads by status",
		},
		[]string{"status"},
	)

	c.shutdownTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "shutdown_triggers_total",
			Help:      "Shutdown triggers by reason",
		},
		[]string{"reason"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.workerEvents,
		c.poolSize,
		c.connections,
		c.handoffDuration,
		c.logRecords,
		c.archiveUploads,
		c.shutdownTriggers,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"stickypool"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.GetMetrics())
}

func (c *Collector) debugProviderHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		fn := c.debug[name]
		c.mu.RUnlock()

		if fn == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, fn())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
