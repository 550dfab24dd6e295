package tasks

// 任务类型
const (
	TypeRetentionCleanup = "oplog:retention_cleanup"
	TypeAnomalyScan      = "oplog:anomaly_scan"
)

// 队列名称
const (
	QueueMaintenance = "maintenance"
	QueueDetection   = "detection"
)

// RetentionCleanupPayload 留存清理任务载荷
// Policies 为空时执行全部已配置策略
type RetentionCleanupPayload struct {
	Policies []string `json:"policies,omitempty"`
}

// AnomalyScanPayload 异常扫描任务载荷
// Types 为空时检测全部类型
type AnomalyScanPayload struct {
	Types []string `json:"types,omitempty"`
}
