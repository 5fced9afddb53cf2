package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Ingest holds the Prometheus metrics of one ingestion run. Registered on a
// private registry so repeated runs in tests never collide with the global
// one.
type Ingest struct {
	registry *prometheus.Registry

	PagesFetched   prometheus.Counter
	TrialsFetched  prometheus.Counter
	TrialsSkipped  *prometheus.CounterVec
	TrialsEmbedded prometheus.Counter
	TrialsWritten  prometheus.Counter
	TrialsFailed   *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	CursorPage     prometheus.Gauge
}

// NewIngest creates and registers the ingestion metrics.
func NewIngest() *Ingest {
	m := &Ingest{
		registry: prometheus.NewRegistry(),

		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "pages_fetched_total",
			Help:      "Registry pages fetched",
		}),
		TrialsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "trials_fetched_total",
			Help:      "Raw studies received from the registry",
		}),
		TrialsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "trials_skipped_total",
			Help:      "Studies skipped during normalization",
		}, []string{"reason"}),
		TrialsEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "trials_embedded_total",
			Help:      "Trials embedded",
		}),
		TrialsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "trials_written_total",
			Help:      "Points written to the index",
		}),
		TrialsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialmatch_ingest",
			Name:      "trials_failed_total",
			Help:      "Trials lost to failures",
		}, []string{"stage"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trialmatch_ingest",
			Name:      "batch_duration_seconds",
			Help:      "Embed plus upsert duration per batch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		CursorPage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trialmatch_ingest",
			Name:      "cursor_page",
			Help:      "Last committed registry page",
		}),
	}

	m.registry.MustRegister(
		m.PagesFetched, m.TrialsFetched, m.TrialsSkipped,
		m.TrialsEmbedded, m.TrialsWritten, m.TrialsFailed,
		m.BatchDuration, m.CursorPage,
	)
	return m
}

// Serve exposes the run's metrics on /metrics until ctx is cancelled.
func (m *Ingest) Serve(ctx context.Context, port string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics server listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()
}
