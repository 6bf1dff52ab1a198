package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RealtimeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_realtime_state",
		Help: "Realtime connection state (0 disconnected, 1 connecting, 2 connected)",
	})
	RealtimeReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_realtime_reconnects_total",
		Help: "Total number of realtime connection attempts after the first",
	})
	RealtimeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_realtime_subscriptions",
		Help: "Current number of active topic subscriptions",
	})
	InboundEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_inbound_events_total",
		Help: "Total number of realtime events routed by kind",
	}, []string{"kind"})
	DroppedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_dropped_events_total",
		Help: "Total number of realtime events dropped by reason",
	}, []string{"reason"})
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_api_requests_total",
		Help: "Total number of outbound REST requests",
	}, []string{"method", "endpoint", "status"})
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_client_api_request_duration_seconds",
		Help:    "Outbound REST request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of local API HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Local API HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		RealtimeState, RealtimeReconnectsTotal, RealtimeSubscriptions,
		InboundEventsTotal, DroppedEventsTotal,
		APIRequestsTotal, APIRequestDuration,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// ObserveAPI 记录一次对后端的 REST 调用，status 为 0 表示网络错误。
func ObserveAPI(method, endpoint string, status int, start time.Time) {
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	APIRequestsTotal.With(prometheus.Labels{"method": method, "endpoint": endpoint, "status": s}).Inc()
	APIRequestDuration.With(prometheus.Labels{"method": method, "endpoint": endpoint}).Observe(time.Since(start).Seconds())
}

// GinMiddleware 统计本地控制 API 的请求指标，供 Prometheus 拉取。
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
