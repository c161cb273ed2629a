package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService 指标服务
type MetricsService struct{}

// NewMetricsService 创建指标服务
func NewMetricsService() *MetricsService {
	return &MetricsService{}
}

// Handler 返回Prometheus指标的HTTP处理器
func (ms *MetricsService) Handler() http.Handler {
	return promhttp.Handler()
}

// ServeHTTP 实现http.Handler接口
func (ms *MetricsService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ms.Handler().ServeHTTP(w, r)
}

// 向量化与检索指标
var (
	itemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cracksql",
		Subsystem: "knowledge",
		Name:      "items_processed_total",
		Help:      "Processed knowledge items by final status.",
	}, []string{"status"})

	embedDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cracksql",
		Subsystem: "knowledge",
		Name:      "embed_duration_seconds",
		Help:      "Latency of embedding gateway calls.",
		Buckets:   prometheus.DefBuckets,
	})

	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cracksql",
		Subsystem: "knowledge",
		Name:      "search_requests_total",
		Help:      "Similarity search requests by outcome.",
	}, []string{"outcome"})

	claimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cracksql",
		Subsystem: "knowledge",
		Name:      "claim_conflicts_total",
		Help:      "Pending item claims lost to another worker.",
	})
)
