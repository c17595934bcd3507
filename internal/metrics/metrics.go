// ============================================================================
// Metrics - Prometheus instrumentation of the download queue
// ============================================================================
//
// Package: internal/metrics
//
// Counters:
//   - dlqueue_items_enqueued_total
//   - dlqueue_enqueue_rejected_total{reason}
//   - dlqueue_start_attempts_total{result}     accepted | refused
//   - dlqueue_transfers_finished_total{state}  success | failed | cancelled
//   - dlqueue_retries_total
//   - dlqueue_downloaded_bytes_total
//
// Gauges:
//   - dlqueue_items{set}                       pending | launched | running | finished
//   - dlqueue_recovered_items
//   - dlqueue_recovery_time_seconds
//
// Histograms:
//   - dlqueue_transfer_duration_seconds{state}
//
// Useful queries:
//
//   # refused start attempts per minute
//   rate(dlqueue_start_attempts_total{result="refused"}[1m])
//
//   # backlog
//   dlqueue_items{set="pending"} + dlqueue_items{set="launched"}
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Collector holds every metric of the process. Metrics are registered on
// prometheus.DefaultRegisterer.
type Collector struct {
	// queue
	enqueued      prometheus.Counter
	rejected      *prometheus.CounterVec
	startAttempts *prometheus.CounterVec
	finished      *prometheus.CounterVec
	retries       prometheus.Counter
	items         *prometheus.GaugeVec

	// recovery
	recoveredItems prometheus.Gauge
	recoveryTime   prometheus.Gauge

	// executor
	transferDuration *prometheus.HistogramVec
	downloadedBytes  prometheus.Counter
}

// NewCollector creates and registers the metrics.
func NewCollector() *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqueue_items_enqueued_total",
			Help: "Total number of requests accepted into the pending queue",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqueue_enqueue_rejected_total",
			Help: "Total number of requests rejected at enqueue, by reason",
		}, []string{"reason"}),
		startAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqueue_start_attempts_total",
			Help: "Total number of start attempts, by result",
		}, []string{"result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqueue_transfers_finished_total",
			Help: "Total number of transfers that reached a terminal state",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqueue_retries_total",
			Help: "Total number of retry requests",
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dlqueue_items",
			Help: "Current number of items per queue set",
		}, []string{"set"}),
		recoveredItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlqueue_recovered_items",
			Help: "Number of pending items restored by the last recovery",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlqueue_recovery_time_seconds",
			Help: "Duration of the last startup recovery in seconds",
		}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlqueue_transfer_duration_seconds",
			Help:    "Transfer duration in seconds, by terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"state"}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqueue_downloaded_bytes_total",
			Help: "Total number of bytes written by finished transfers",
		}),
	}

	prometheus.MustRegister(c.enqueued)
	prometheus.MustRegister(c.rejected)
	prometheus.MustRegister(c.startAttempts)
	prometheus.MustRegister(c.finished)
	prometheus.MustRegister(c.retries)
	prometheus.MustRegister(c.items)
	prometheus.MustRegister(c.recoveredItems)
	prometheus.MustRegister(c.recoveryTime)
	prometheus.MustRegister(c.transferDuration)
	prometheus.MustRegister(c.downloadedBytes)

	return c
}

func (c *Collector) ItemEnqueued() {
	c.enqueued.Inc()
}

func (c *Collector) EnqueueRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collector) StartAttempted(accepted bool) {
	result := "refused"
	if accepted {
		result = "accepted"
	}
	c.startAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) TransferFinished(state types.DownloadState) {
	c.finished.WithLabelValues(string(state)).Inc()
}

func (c *Collector) RetryRequested() {
	c.retries.Inc()
}

// QueueSizes sets the per-set item gauges.
func (c *Collector) QueueSizes(pending, launched, running, finished int) {
	c.items.WithLabelValues("pending").Set(float64(pending))
	c.items.WithLabelValues("launched").Set(float64(launched))
	c.items.WithLabelValues("running").Set(float64(running))
	c.items.WithLabelValues("finished").Set(float64(finished))
}

// Recovered records the outcome of a startup recovery.
func (c *Collector) Recovered(items int, took time.Duration) {
	c.recoveredItems.Set(float64(items))
	c.recoveryTime.Set(took.Seconds())
}

// ObserveTransfer records one finished transfer as seen by the executor.
func (c *Collector) ObserveTransfer(state types.DownloadState, took time.Duration, bytes int64) {
	c.transferDuration.WithLabelValues(string(state)).Observe(took.Seconds())
	if bytes > 0 {
		c.downloadedBytes.Add(float64(bytes))
	}
}

// StartServer serves /metrics on port until ctx is done.
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
