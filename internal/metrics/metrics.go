package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrade/internal/engine"
	"autotrade/internal/model"
	"autotrade/internal/notification"
)

// Metrics holds all Prometheus metrics for the order engine.
type Metrics struct {
	reg *prometheus.Registry

	// Lifecycle
	Transitions *prometheus.CounterVec // labels: type
	Rejections  *prometheus.CounterVec // labels: reason
	EventLag    prometheus.Histogram   // transition-to-stream delivery

	// Scheduler
	TickDuration   prometheus.Histogram
	TickOutcomes   *prometheus.CounterVec // labels: outcome=expired|executed|rejected|skipped
	ApprovedOrders prometheus.Gauge

	// Market data
	FeedErrors          *prometheus.CounterVec // labels: kind
	RedisCircuitBreaker prometheus.Gauge       // 0=closed, 1=open, 2=half-open

	// Fan-out
	SinkQueueDepth *prometheus.GaugeVec   // labels: sink
	SinkDrops      *prometheus.CounterVec // labels: sink
	SinkErrors     *prometheus.CounterVec // labels: sink
	StreamClients  prometheus.Gauge
}

// NewMetrics creates the metrics on a private registry, so several engines
// (and tests) can coexist in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_transitions_total",
			Help: "Lifecycle events emitted, by event type",
		}, []string{"type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_rejections_total",
			Help: "Rejected orders by reason code",
		}, []string{"reason"}),
		EventLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderengine_event_stream_lag_seconds",
			Help:    "Delay between a transition and its WebSocket broadcast",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderengine_tick_duration_seconds",
			Help:    "Duration of one scheduler pass",
			Buckets: prometheus.DefBuckets,
		}),
		TickOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_tick_outcomes_total",
			Help: "Per-order outcomes of scheduler passes",
		}, []string{"outcome"}),
		ApprovedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderengine_approved_orders",
			Help: "APPROVED orders evaluated by the last pass",
		}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_feed_errors_total",
			Help: "Market data failures during evaluation",
		}, []string{"kind"}),
		RedisCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		SinkQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orderengine_sink_queue_depth",
			Help: "Events waiting per notification sink",
		}, []string{"sink"}),
		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_sink_drops_total",
			Help: "Events dropped because a sink queue was full",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderengine_sink_errors_total",
			Help: "Failed deliveries per notification sink",
		}, []string{"sink"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderengine_stream_clients",
			Help: "Connected WebSocket clients",
		}),
	}

	m.reg.MustRegister(
		m.Transitions,
		m.Rejections,
		m.EventLag,
		m.TickDuration,
		m.TickOutcomes,
		m.ApprovedOrders,
		m.FeedErrors,
		m.RedisCircuitBreaker,
		m.SinkQueueDepth,
		m.SinkDrops,
		m.SinkErrors,
		m.StreamClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Name implements notification.Sink.
func (m *Metrics) Name() string { return "metrics" }

// Send counts one lifecycle event.
func (m *Metrics) Send(_ context.Context, e model.Event) error {
	m.Transitions.WithLabelValues(string(e.Type)).Inc()
	if e.Type == model.EventRejected {
		m.Rejections.WithLabelValues(string(e.Reason)).Inc()
	}
	return nil
}

// ObserveTick records a scheduler report. Assign it to Scheduler.OnTick.
func (m *Metrics) ObserveTick(r engine.TickReport) {
	m.TickDuration.Observe(r.Duration.Seconds())
	m.ApprovedOrders.Set(float64(r.Evaluated))
	m.TickOutcomes.WithLabelValues("expired").Add(float64(r.Expired))
	m.TickOutcomes.WithLabelValues("executed").Add(float64(r.Executed))
	m.TickOutcomes.WithLabelValues("rejected").Add(float64(r.Rejected))
	m.TickOutcomes.WithLabelValues("skipped").Add(float64(r.Skipped))
}

// ObserveFeedError counts a failed quote by error kind.
func (m *Metrics) ObserveFeedError(_ string, err error) {
	m.FeedErrors.WithLabelValues(FeedErrorKind(err)).Inc()
}

// FeedErrorKind buckets feed errors into a bounded label set.
func FeedErrorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrNoPrice):
		return "no_price"
	case errors.Is(err, model.ErrStalePrice):
		return "stale"
	case errors.Is(err, model.ErrFeedTimeout):
		return "timeout"
	case errors.Is(err, model.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "other"
	}
}

// ObserveEventLag feeds the stream lag histogram.
func (m *Metrics) ObserveEventLag(d time.Duration) { m.EventLag.Observe(d.Seconds()) }

// SetBreakerState records the Redis breaker state (0 closed, 1 open,
// 2 half-open).
func (m *Metrics) SetBreakerState(state int) { m.RedisCircuitBreaker.Set(float64(state)) }

// SinkDropped and SinkFailed match the dispatcher's OnDrop and OnError hooks.
func (m *Metrics) SinkDropped(sink string)         { m.SinkDrops.WithLabelValues(sink).Inc() }
func (m *Metrics) SinkFailed(sink string, _ error) { m.SinkErrors.WithLabelValues(sink).Inc() }

// Sampler reads point-in-time state for gauges. Nil fields are skipped.
type Sampler struct {
	Queues  func() []notification.QueueStat
	Clients func() int
}

// StartSampler copies sampled state into gauges every interval until ctx
// ends.
func (m *Metrics) StartSampler(ctx context.Context, interval time.Duration, s Sampler) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(s)
			}
		}
	}()
}

func (m *Metrics) sample(s Sampler) {
	if s.Queues != nil {
		for _, q := range s.Queues() {
			m.SinkQueueDepth.WithLabelValues(q.Sink).Set(float64(q.Len))
		}
	}
	if s.Clients != nil {
		m.StreamClients.Set(float64(s.Clients()))
	}
}

// Pinger is anything with a liveness check (the repository).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StoreOK          bool      `json:"store_ok"`
	RedisEnabled     bool      `json:"redis_enabled"`
	RedisConnected   bool      `json:"redis_connected"`
	SchedulerRunning bool      `json:"scheduler_running"`
	LastTickAt       time.Time `json:"last_tick_at"`

	// Liveness check results
	StoreLatencyMs float64   `json:"store_latency_ms"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetSchedulerRunning(v bool) {
	h.mu.Lock()
	h.SchedulerRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTick(t time.Time) {
	h.mu.Lock()
	h.LastTickAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStore pings the order store and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, store Pinger) {
	start := time.Now()
	err := store.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, store Pinger, rdb *goredis.Client, interval time.Duration) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		h.CheckStore(checkCtx, store)
		if rdb != nil {
			h.CheckRedis(checkCtx, rdb)
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
	switch {
	case !h.StoreOK:
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case (h.RedisEnabled && !h.RedisConnected) || !h.SchedulerRunning:
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickAt.IsZero() {
		tickAge = time.Since(h.LastTickAt).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		StoreOK          bool    `json:"store_ok"`
		StoreLatencyMs   float64 `json:"store_latency_ms"`
		RedisEnabled     bool    `json:"redis_enabled"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		SchedulerRunning bool    `json:"scheduler_running"`
		TickAge          string  `json:"tick_age"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		StoreOK:          h.StoreOK,
		StoreLatencyMs:   h.StoreLatencyMs,
		RedisEnabled:     h.RedisEnabled,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		SchedulerRunning: h.SchedulerRunning,
		TickAge:          tickAge,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

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
