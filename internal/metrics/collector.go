package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemCollector 系统指标收集器
type SystemCollector struct {
	db       *sql.DB
	interval time.Duration
}

// NewSystemCollector 创建系统指标收集器
func NewSystemCollector(db *sql.DB) *SystemCollector {
	return &SystemCollector{db: db, interval: 15 * time.Second}
}

// Run 定期收集，ctx 取消后退出
func (c *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce()
		}
	}
}

// collectOnce 收集一次系统指标
func (c *SystemCollector) collectOnce() {
	if c.db != nil {
		stats := c.db.Stats()
		DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goMemoryUsage.Set(float64(m.Alloc))
	goGoroutines.Set(float64(runtime.NumGoroutine()))
	goGCCount.Set(float64(m.NumGC))
}

// Go 运行时指标
var (
	goMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditengine_go_memory_usage_bytes",
			Help: "当前 Go 内存使用量",
		},
	)

	goGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditengine_go_goroutines",
			Help: "当前 Goroutine 数量",
		},
	)

	goGCCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditengine_go_gc_count",
			Help: "GC 执行总次数",
		},
	)
)

// ObserveOperation 记录一次引擎操作的耗时与结果
// result 为空表示成功
func ObserveOperation(operation string, start time.Time, result string) {
	EngineOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if result == "" {
		result = "ok"
	}
	EngineOperationsTotal.WithLabelValues(operation, result).Inc()
}
