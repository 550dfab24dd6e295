package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"auditengine/internal/audit"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// RetentionRunner 执行留存策略
type RetentionRunner interface {
	ApplyPolicies(ctx context.Context, cfg audit.RetentionConfig) ([]audit.CleanupResult, error)
}

type RetentionHandler struct {
	runner RetentionRunner
	cfg    audit.RetentionConfig
	logger *zap.Logger
}

func NewRetentionHandler(runner RetentionRunner, cfg audit.RetentionConfig, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{runner: runner, cfg: cfg, logger: logger}
}

// HandleRetentionCleanup 处理留存清理任务
func (h *RetentionHandler) HandleRetentionCleanup(ctx context.Context, t *asynq.Task) error {
	var p tasks.RetentionCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal payload failed: %v: %w", err, asynq.SkipRetry)
		}
	}

	cfg, err := selectPolicies(h.cfg, p.Policies)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	results, err := h.runner.ApplyPolicies(ctx, cfg)
	for _, r := range results {
		h.logger.Info("留存清理完成",
			zap.String("policy", r.Policy),
			zap.Int64("deleted", r.Deleted),
			zap.Time("cutoff", r.Cutoff),
			zap.String("archive", r.ArchiveFile),
		)
	}
	if err != nil {
		h.logger.Error("留存清理失败", zap.Error(err))
		return fmt.Errorf("apply retention policies: %w", err)
	}
	return nil
}

// selectPolicies 按名称挑选策略，名称为空时返回原配置
func selectPolicies(cfg audit.RetentionConfig, names []string) (audit.RetentionConfig, error) {
	if len(names) == 0 {
		return cfg, nil
	}
	byName := make(map[string]audit.RetentionPolicy, len(cfg.Policies))
	for _, p := range cfg.Policies {
		byName[p.Name] = p
	}
	out := cfg
	out.Policies = make([]audit.RetentionPolicy, 0, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return cfg, fmt.Errorf("未知的留存策略: %s", n)
		}
		out.Policies = append(out.Policies, p)
	}
	return out, nil
}
