// Package metrics exposes reward and HTTP metrics for prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reward"

var (
	opensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opens_total",
			Help:      "Reward opens by result (success, replayed or the error code)",
		},
		[]string{"result"},
	)

	openDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "open_duration_ms",
			Help:      "Reward open duration in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"result"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Selected outcomes by catalog entry and outcome type",
		},
		[]string{"entry_id", "outcome_type"},
	)

	guardTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_triggers_total",
			Help:      "Sampler results redirected away from a disabled outcome",
		},
		[]string{"entry_id"},
	)

	jackpotIncrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jackpot_increments_total",
			Help:      "Jackpot contributions by whether they changed the pool",
		},
		[]string{"applied"},
	)

	jackpotTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jackpot_total",
		Help:      "Last committed jackpot total",
	})

	feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_subscribers",
		Help:      "Open jackpot stream subscriptions",
	})

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Compensating refunds by result",
		},
		[]string{"result"},
	)

	httpReqTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpReqDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request duration in ms",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"path", "method"},
	)
)

// RecordOpen records one OpenReward call.
func RecordOpen(result string, started time.Time) {
	opensTotal.WithLabelValues(result).Inc()
	openDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
}

// RecordOutcome counts a settled outcome.
func RecordOutcome(entryID, outcomeType string) {
	outcomesTotal.WithLabelValues(entryID, outcomeType).Inc()
}

// RecordGuardTrigger counts a redirect by the probability guard.
func RecordGuardTrigger(entryID string) {
	guardTriggers.WithLabelValues(entryID).Inc()
}

// RecordJackpotIncrement counts a contribution.
func RecordJackpotIncrement(applied bool) {
	jackpotIncrements.WithLabelValues(strconv.FormatBool(applied)).Inc()
}

// SetJackpotTotal exports the pool value.
func SetJackpotTotal(total float64) {
	jackpotTotal.Set(total)
}

// SetFeedSubscribers exports the subscriber count.
func SetFeedSubscribers(n int) {
	feedSubscribers.Set(float64(n))
}

// RecordRefund counts a compensating refund; ok is false when the refund itself failed.
func RecordRefund(ok bool) {
	result := "refunded"
	if !ok {
		result = "failed"
	}
	refundsTotal.WithLabelValues(result).Inc()
}

// HTTP records request count and latency by route template.
func HTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpReqDuration.WithLabelValues(path, method).Observe(float64(time.Since(start).Milliseconds()))
		httpReqTotal.WithLabelValues(path, method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
