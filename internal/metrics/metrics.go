package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_ws_connections",
		Help: "Current number of active websocket connections",
	})
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_messages_routed_total",
		Help: "Total number of messages routed, by message kind",
	}, []string{"kind"})
	EscrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_escrow_transitions_total",
		Help: "Total number of successful escrow transitions, by target state",
	}, []string{"to"})
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_jobs_processed_total",
		Help: "Total number of scheduled job executions, by kind and outcome",
	}, []string{"kind", "outcome"})
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_notifications_total",
		Help: "Total number of events handed to the notification dispatcher",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, MessagesRouted, EscrowTransitions,
		JobsProcessed, NotificationsTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标,供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
