package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditengine_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditengine_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

// 操作日志写入指标
var (
	// RecordsTotal 写入成功的操作日志数
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_records_total",
			Help: "写入成功的操作日志总数",
		},
		[]string{"module", "status"},
	)

	// RecordErrorsTotal 写入失败数
	RecordErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_record_errors_total",
			Help: "操作日志写入失败总数",
		},
		[]string{"reason"}, // reason: storage, validation, queue_full, closed
	)

	// RecordQueueDepth 异步写入队列长度
	RecordQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditengine_record_queue_depth",
			Help: "异步写入队列中待处理的日志数",
		},
	)
)

// 引擎操作指标
var (
	// EngineOperationDuration 查询/统计/检测/清理耗时（秒）
	EngineOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditengine_operation_duration_seconds",
			Help:    "引擎操作耗时分布",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"operation"},
	)

	// EngineOperationsTotal 引擎操作总数
	EngineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_operations_total",
			Help: "引擎操作总数",
		},
		[]string{"operation", "result"}, // result: ok, 错误分类
	)

	// CleanupDeletedTotal 留存清理删除的日志数
	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_cleanup_deleted_total",
			Help: "留存清理删除的操作日志总数",
		},
		[]string{"policy"},
	)

	// AnomalyFindings 最近一次定时检测的异常数
	AnomalyFindings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditengine_anomaly_findings",
			Help: "最近一次定时检测发现的异常数",
		},
		[]string{"type", "risk"},
	)
)

// 外部依赖指标
var (
	// StatsCacheTotal 统计缓存访问
	StatsCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_stats_cache_total",
			Help: "统计缓存访问总数",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// GeoLookupsTotal IP 归属地查询
	GeoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditengine_geo_lookups_total",
			Help: "IP 归属地查询总数",
		},
		[]string{"result"}, // result: ok, private, miss, error, open
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditengine_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditengine_build_info",
			Help: "构建信息",
		},
		[]string{"version", "go_version"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}
