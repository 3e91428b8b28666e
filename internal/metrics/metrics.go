// Package metrics exposes Prometheus collectors for the pipeline stages.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// OutcomeSuccess labels units that completed.
	OutcomeSuccess = "success"
	// OutcomeSkipped labels units already done by an earlier run.
	OutcomeSkipped = "skipped"
	// OutcomeError labels units that failed.
	OutcomeError = "error"
)

var (
	tilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specscan",
			Name:      "tiles_total",
			Help:      "Tiles handled per stage, partitioned by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	objectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specscan",
			Name:      "objects_total",
			Help:      "Objects handled per stage, partitioned by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	fetchedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "specscan",
			Name:      "fetched_bytes_total",
			Help:      "Bytes transferred from the remote tile source.",
		},
	)

	fetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "specscan",
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts that were retried after a transient failure.",
		},
	)

	scoreBatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "specscan",
			Name:      "score_batch_seconds",
			Help:      "Latency of one scoring batch (encode, decode, write).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// Register attaches specscan collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		tilesTotal,
		objectsTotal,
		fetchedBytesTotal,
		fetchRetriesTotal,
		scoreBatchSeconds,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTile counts one tile outcome for a stage.
func ObserveTile(stage, outcome string) {
	tilesTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveObjects counts n objects with an outcome for a stage.
func ObserveObjects(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	objectsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// AddFetchedBytes records transferred bytes.
func AddFetchedBytes(n int64) {
	if n > 0 {
		fetchedBytesTotal.Add(float64(n))
	}
}

// ObserveFetchRetry counts one retried fetch attempt.
func ObserveFetchRetry() {
	fetchRetriesTotal.Inc()
}

// ObserveScoreBatch records one scoring batch duration.
func ObserveScoreBatch(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	scoreBatchSeconds.Observe(duration.Seconds())
}

// Serve exposes /metrics on listen until ctx is cancelled. An empty listen
// address disables the endpoint.
func Serve(ctx context.Context, listen string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if logger != nil {
		logger.Info("metrics endpoint listening", slog.String("addr", listen))
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
