package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records datastore operation latency.
	StoreLatency *prometheus.HistogramVec

	cacheLookupsTotal *prometheus.CounterVec
	authEventsTotal   *prometheus.CounterVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge
	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Only the first call registers; recorders are no-ops until then.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		f := promauto.With(prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer))

		httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
			Name: "pensieve_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"})

		httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pensieve_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		StoreLatency = f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pensieve_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"})

		cacheLookupsTotal = f.NewCounterVec(prometheus.CounterOpts{
			Name: "pensieve_cache_lookups_total",
			Help: "Conversation cache lookups by result",
		}, []string{"result"})

		authEventsTotal = f.NewCounterVec(prometheus.CounterOpts{
			Name: "pensieve_auth_events_total",
			Help: "Register, login and token checks by outcome",
		}, []string{"operation", "outcome"})

		DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
			Name: "pensieve_db_pool_open_connections",
			Help: "Number of open database connections",
		})

		DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
			Name: "pensieve_db_pool_max_connections",
			Help: "Maximum number of database connections",
		})
	})
}

// RecordCacheLookup counts a conversation cache hit or miss.
func RecordCacheLookup(hit bool) {
	if cacheLookupsTotal == nil {
		return
	}
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}
}

// RecordAuthEvent counts an auth operation outcome such as ("login", "invalid_credentials").
func RecordAuthEvent(operation, outcome string) {
	if authEventsTotal == nil {
		return
	}
	authEventsTotal.WithLabelValues(operation, outcome).Inc()
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
