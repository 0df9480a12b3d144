package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VanDung-dev/MutexLedger-Engine/core"
	"github.com/VanDung-dev/MutexLedger-Engine/engine"
	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
)

// Metrics holds the Prometheus metrics of one server instance. Each
// instance owns its registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsTotal  *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	LoginsTotal    *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal  *prometheus.CounterVec
	TransactionLatency *prometheus.HistogramVec

	namespace string
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		namespace: namespace,

		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished client sessions by result",
		}, []string{"result"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently being served",
		}),
		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Frame and socket failures by kind",
		}, []string{"kind"}),

		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions answered by operation and status",
		}, []string{"op", "status"}),
		TransactionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_latency_seconds",
			Help:      "Transaction execution latency in seconds, including lock waits",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionStarted marks a new session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionFinished records a finished session.
func (m *Metrics) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// RecordLogin records a login attempt.
func (m *Metrics) RecordLogin(success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "failed"
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}

// RecordProtocolError records a frame or socket failure.
func (m *Metrics) RecordProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// RecordTransaction records an answered transaction.
func (m *Metrics) RecordTransaction(op protocol.Operation, status protocol.Status, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(op.String(), status.String()).Inc()
	m.TransactionLatency.WithLabelValues(op.String()).Observe(duration.Seconds())
}

// RegisterLedger exposes the ledger's audit counters and total assets.
func (m *Metrics) RegisterLedger(ledger *engine.Ledger) error {
	return registerAll(m.registry,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "committed_total",
			Help:      "Committed ledger operations",
		}, func() float64 {
			return float64(ledger.Stats().Transactions)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "average_commit_latency_seconds",
			Help:      "Average commit latency since start",
		}, func() float64 {
			return ledger.Stats().AverageLatency().Seconds()
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "total_assets",
			Help:      "Sum of all balances (per-account reads, not a point-in-time view)",
		}, func() float64 {
			return float64(engine.TotalAssets(ledger.Snapshot()))
		}),
	)
}

// RegisterPool exposes acceptor pool statistics.
func (m *Metrics) RegisterPool(stats func() core.PoolStats) error {
	return registerAll(m.registry,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "worker_pool_active",
			Help:      "Workers currently serving a connection",
		}, func() float64 {
			return float64(stats().Active)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "worker_pool_workers",
			Help:      "Configured number of workers",
		}, func() float64 {
			return float64(stats().Workers)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "worker_pool_accepted_total",
			Help:      "Connections accepted by the pool",
		}, func() float64 {
			return float64(stats().Accepted)
		}),
	)
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string, metrics *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{
		Registry: metrics.Registry(),
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens and serves (blocking). It returns nil after Stop.
func (s *MetricsServer) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	return s.serve()
}

// StartAsync listens and serves in a goroutine.
func (s *MetricsServer) StartAsync() error {
	if err := s.listen(); err != nil {
		return err
	}
	go func() {
		_ = s.serve() // G104
	}()
	return nil
}

func (s *MetricsServer) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("metrics server is already running")
	}
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = lis
	return nil
}

func (s *MetricsServer) serve() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *MetricsServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Stop closes the metrics server immediately.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
