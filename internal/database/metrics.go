package database

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/weAIDB/CrackSQL/internal/logger"
)

// MetricsCollector 数据库连接池指标收集器
type MetricsCollector struct {
	db              *sql.DB
	collectInterval time.Duration

	dbConnectionsGauge *prometheus.GaugeVec
	dbErrorsCounter    *prometheus.CounterVec
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector(db *sql.DB) *MetricsCollector {
	mc := &MetricsCollector{
		db:              db,
		collectInterval: 15 * time.Second,
	}

	mc.dbConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "database_connections_total",
			Help: "Number of database connections in different states",
		},
		[]string{"state"},
	)

	mc.dbErrorsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	return mc
}

// Start 开始周期性收集连接池指标
func (mc *MetricsCollector) Start() {
	logger.Info("Starting database metrics collection")

	go func() {
		ticker := time.NewTicker(mc.collectInterval)
		defer ticker.Stop()

		for range ticker.C {
			mc.collectMetrics()
		}
	}()
}

func (mc *MetricsCollector) collectMetrics() {
	stats := mc.db.Stats()

	mc.dbConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	mc.dbConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	mc.dbConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	mc.dbConnectionsGauge.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	mc.dbConnectionsGauge.WithLabelValues("wait_duration").Set(stats.WaitDuration.Seconds())

	logger.Debug("Database connection pool stats collected",
		zap.Int("idle", stats.Idle),
		zap.Int("in_use", stats.InUse),
		zap.Int("open", stats.OpenConnections))
}

// RecordConnectionError 记录连接错误
func (mc *MetricsCollector) RecordConnectionError(errorType string) {
	mc.dbErrorsCounter.WithLabelValues("connection", errorType).Inc()
}

// GetStats 获取当前连接池统计信息
func (mc *MetricsCollector) GetStats() sql.DBStats {
	return mc.db.Stats()
}
