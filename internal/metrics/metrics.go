package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the oventime services.
type Metrics struct {
	// Synchronizer
	SyncDuration   *prometheus.HistogramVec // labels: source
	SyncFailures   *prometheus.CounterVec   // labels: source
	SyncSkipped    *prometheus.CounterVec   // labels: source
	StoreRows      *prometheus.GaugeVec     // labels: source
	LastCompleteTS *prometheus.GaugeVec     // labels: source

	// Driver loop
	CycleDuration prometheus.Histogram
	StageErrors   *prometheus.CounterVec // labels: stage

	// Results
	Score                prometheus.Gauge
	CacheWrites          *prometheus.CounterVec // labels: kind
	CacheInconsistencies *prometheus.CounterVec // labels: kind
	AlertsSent           *prometheus.CounterVec // labels: kind

	// Circuit breakers (0=closed, 1=open, 2=half-open)
	BreakerState *prometheus.GaugeVec   // labels: name
	BreakerTrips *prometheus.CounterVec // labels: name

	// Read side
	APIRequests *prometheus.CounterVec // labels: route, code
	WSClients   prometheus.Gauge
}

// NewMetrics registers all collectors on reg (the default registry when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oventime_sync_duration_seconds",
			Help:    "Fetch-merge-trim cycle latency per source",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_sync_failures_total",
			Help: "Aborted syncs (upstream fetch or persistence failure)",
		}, []string{"source"}),
		SyncSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_sync_skipped_total",
			Help: "Syncs skipped because no new data could exist yet",
		}, []string{"source"}),
		StoreRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oventime_raw_store_rows",
			Help: "Rows currently held in the raw store",
		}, []string{"source"}),
		LastCompleteTS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oventime_last_complete_timestamp_seconds",
			Help: "Unix time of the last fully populated raw row",
		}, []string{"source"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oventime_cycle_duration_seconds",
			Help:    "Driver loop cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_stage_errors_total",
			Help: "Errors caught at a pipeline stage boundary",
		}, []string{"stage"}),

		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oventime_score",
			Help: "Most recently computed diagnostic score",
		}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_cache_writes_total",
			Help: "Snapshot cache upserts",
		}, []string{"kind"}),
		CacheInconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_cache_inconsistencies_total",
			Help: "Cache writes rejected because the source timestamp disagreed",
		}, []string{"kind"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_alerts_sent_total",
			Help: "Alert messages delivered to subscribers",
		}, []string{"kind"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oventime_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oventime_api_requests_total",
			Help: "Read API requests by route and status code",
		}, []string{"route", "code"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oventime_ws_clients",
			Help: "Connected WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.SyncDuration,
		m.SyncFailures,
		m.SyncSkipped,
		m.StoreRows,
		m.LastCompleteTS,
		m.CycleDuration,
		m.StageErrors,
		m.Score,
		m.CacheWrites,
		m.CacheInconsistencies,
		m.AlertsSent,
		m.BreakerState,
		m.BreakerTrips,
		m.APIRequests,
		m.WSClients,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LastCycleAt    time.Time `json:"last_cycle_at"`
	LastSync       map[string]time.Time
	StageOK        map[string]bool

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		LastSync:  make(map[string]time.Time),
		StageOK:   make(map[string]bool),
	}
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCycle(t time.Time) {
	h.mu.Lock()
	h.LastCycleAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSync(source string, lastComplete time.Time) {
	h.mu.Lock()
	h.LastSync[source] = lastComplete
	h.mu.Unlock()
}

func (h *HealthStatus) SetStage(stage string, ok bool) {
	h.mu.Lock()
	h.StageOK[stage] = ok
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(checkCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(checkCtx, sqlDB)
		}
	}
	check()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	for _, ok := range h.StageOK {
		if !ok && overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}

	lastSync := make(map[string]string, len(h.LastSync))
	for src, ts := range h.LastSync {
		lastSync[src] = ts.Format(time.RFC3339)
	}
	cycleAge := ""
	if !h.LastCycleAt.IsZero() {
		cycleAge = time.Since(h.LastCycleAt).Round(time.Second).String()
	}

	status := struct {
		Status          string            `json:"status"`
		Uptime          string            `json:"uptime"`
		LastCycleAge    string            `json:"last_cycle_age,omitempty"`
		LastSync        map[string]string `json:"last_complete"`
		Stages          map[string]bool   `json:"stages"`
		RedisEnabled    bool              `json:"redis_enabled"`
		RedisConnected  bool              `json:"redis_connected"`
		RedisLatencyMs  float64           `json:"redis_latency_ms"`
		SQLiteOK        bool              `json:"sqlite_ok"`
		SQLiteLatencyMs float64           `json:"sqlite_latency_ms"`
		LastCheckAt     string            `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastCycleAge:    cycleAge,
		LastSync:        lastSync,
		Stages:          h.StageOK,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
