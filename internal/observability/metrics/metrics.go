// Package metrics exposes Prometheus collectors for the sweep workers and the
// status API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "jobs_total",
		Help:      "Jobs handled by queue and outcome.",
	}, []string{"queue", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dustsweep",
		Name:      "job_duration_seconds",
		Help:      "Job handling latency by queue.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dustsweep",
		Name:      "queue_depth",
		Help:      "Jobs waiting in a queue by state.",
	}, []string{"queue", "state"})

	trackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "track_outcomes_total",
		Help:      "Confirmation tracking results per chain.",
	}, []string{"chain", "status"})

	chainExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "chain_executions_total",
		Help:      "Per-chain execution results inside sweep jobs.",
	}, []string{"chain", "result"})

	aggregatorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "aggregator_fallbacks_total",
		Help:      "Token disposals that fell back to a direct transfer.",
	}, []string{"chain"})

	protocolHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dustsweep",
		Name:      "protocol_health",
		Help:      "1 when the last health check of an upstream protocol passed.",
	}, []string{"protocol"})

	tokenPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dustsweep",
		Name:      "token_price_usd",
		Help:      "Last consensus USD price of a tracked dust token.",
	}, []string{"chain", "token"})

	priceRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "price_refreshes_total",
		Help:      "Token price refreshes by result.",
	}, []string{"result"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dustsweep",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dustsweep",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

// ObserveJob records one handled job.
func ObserveJob(queue, outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// SetQueueDepth publishes the backlog of a queue.
func SetQueueDepth(queue string, waiting, delayed int64) {
	queueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

// ObserveTrackOutcome counts tracking results (pending, confirmed, failed).
func ObserveTrackOutcome(chain, status string) {
	trackOutcomes.WithLabelValues(chain, status).Inc()
}

// ObserveChainExecution counts per-chain success or failure of a sweep job.
func ObserveChainExecution(chain string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	chainExecutions.WithLabelValues(chain, result).Inc()
}

// ObserveAggregatorFallback counts a swap that was replaced by a transfer.
func ObserveAggregatorFallback(chain string) {
	aggregatorFallbacks.WithLabelValues(chain).Inc()
}

// SetProtocolHealth publishes the result of the last check of protocol.
func SetProtocolHealth(protocol string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	protocolHealth.WithLabelValues(protocol).Set(v)
}

// SetTokenPrice publishes the refreshed price of a token.
func SetTokenPrice(chain, token string, usd float64) {
	tokenPrice.WithLabelValues(chain, token).Set(usd)
}

// ObservePriceRefresh counts one token refresh (updated, untrusted, failed).
func ObservePriceRefresh(result string) {
	priceRefreshes.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
