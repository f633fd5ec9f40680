package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "k9room_ws_connections",
		Help: "Current number of active websocket event subscribers",
	})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "k9room_messages_sent_total",
		Help: "Total number of encrypted messages stored",
	}, []string{"room_type"})
	DecryptBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "k9room_decrypt_batches_total",
		Help: "Decrypt batches processed, by result",
	}, []string{"result"})
	CryptoFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "k9room_crypto_failures_total",
		Help: "Encryptor call failures, by operation",
	}, []string{"op"})
	RoomsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "k9room_rooms_reaped_total",
		Help: "Expired rooms physically removed by the reaper",
	})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "k9room_events_published_total",
		Help: "Room events handed to the side channel, by event type",
	}, []string{"type"})
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
	prometheus.MustRegister(
		WsConnections, MessagesSent, DecryptBatches, CryptoFailures,
		RoomsReaped, EventsPublished, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
