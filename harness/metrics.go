package harness

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mirrors the run statistics as Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsFinished prometheus.Counter
	SessionsActive   prometheus.Gauge

	Allocations *prometheus.CounterVec
	Bindings    *prometheus.CounterVec
	Mismatches  *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "turntest_sessions_started_total",
			Help: "Total number of sessions that opened their sockets",
		}),
		SessionsFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "turntest_sessions_finished_total",
			Help: "Total number of sessions that reported a terminal state",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntest_sessions_active",
			Help: "Current number of running sessions",
		}),
		Allocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turntest_allocations_total",
			Help: "Allocate outcomes",
		}, []string{"outcome"}),
		Bindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turntest_channel_binds_total",
			Help: "ChannelBind outcomes",
		}, []string{"outcome"}),
		Mismatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turntest_data_mismatches_total",
			Help: "Data rounds that did not reproduce the sent payload",
		}, []string{"direction"}),
	}
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionStopped() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.SessionsFinished.Inc()
	m.Allocations.WithLabelValues(r.Allocation.String()).Inc()
	m.Bindings.WithLabelValues(r.Binding.String()).Inc()
	m.Mismatches.WithLabelValues("client_peer").Add(float64(r.ClientPeerErrors))
	m.Mismatches.WithLabelValues("peer_client").Add(float64(r.PeerClientErrors))
}

// ServeMetrics serves gatherer on addr under /metrics until ctx ends.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,

		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shutdown metrics server", "err", err)
		}
	}()

	slog.Info("metrics: serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
