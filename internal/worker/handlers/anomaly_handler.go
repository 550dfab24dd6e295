package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"auditengine/internal/audit"
	"auditengine/internal/metrics"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AnomalyDetector 异常检测
type AnomalyDetector interface {
	Detect(ctx context.Context, c audit.Caller, cfg audit.DetectorConfig, types ...audit.AnomalyType) ([]audit.AnomalyFinding, error)
}

// SystemCaller 定时任务使用的内部身份
var SystemCaller = audit.Caller{Username: "system", Roles: []string{"admin"}}

type AnomalyScanHandler struct {
	detector AnomalyDetector
	cfg      audit.DetectorConfig
	logger   *zap.Logger
}

func NewAnomalyScanHandler(detector AnomalyDetector, cfg audit.DetectorConfig, logger *zap.Logger) *AnomalyScanHandler {
	return &AnomalyScanHandler{detector: detector, cfg: cfg, logger: logger}
}

// HandleAnomalyScan 执行一轮异常检测并刷新指标
// 高风险发现写入告警日志，由日志平台负责通知
func (h *AnomalyScanHandler) HandleAnomalyScan(ctx context.Context, t *asynq.Task) error {
	var p tasks.AnomalyScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal payload failed: %v: %w", err, asynq.SkipRetry)
		}
	}

	types := make([]audit.AnomalyType, 0, len(p.Types))
	for _, s := range p.Types {
		at, ok := audit.ParseAnomalyType(s)
		if !ok {
			return fmt.Errorf("未知的异常类型: %s: %w", s, asynq.SkipRetry)
		}
		types = append(types, at)
	}

	findings, err := h.detector.Detect(ctx, SystemCaller, h.cfg, types...)
	if err != nil {
		return fmt.Errorf("detect anomalies: %w", err)
	}

	counts := make(map[[2]string]int)
	for _, f := range findings {
		counts[[2]string{string(f.Type), string(f.RiskLevel)}]++
		if f.RiskLevel == audit.RiskHigh {
			h.logger.Warn("检测到高风险异常",
				zap.String("type", string(f.Type)),
				zap.String("actor", f.Actor),
				zap.String("ip", f.IPAddress),
				zap.String("description", f.Description),
				zap.Uint64s("events", f.RelatedEventIDs),
			)
		}
	}
	metrics.AnomalyFindings.Reset()
	for k, n := range counts {
		metrics.AnomalyFindings.WithLabelValues(k[0], k[1]).Set(float64(n))
	}

	h.logger.Info("异常扫描完成", zap.Int("findings", len(findings)))
	return nil
}
