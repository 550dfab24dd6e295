package audit

import (
	"context"
	"fmt"
	"time"

	"auditengine/internal/metrics"

	"go.uber.org/zap"
)

// RetentionPolicy 定时清理策略
type RetentionPolicy struct {
	Name          string `mapstructure:"name"`
	RetentionDays int    `mapstructure:"retention_days"`
	Operation     string `mapstructure:"operation"`
	Module        string `mapstructure:"module"`
	Status        string `mapstructure:"status"`
}

// Filter 将策略中的字符串条件转换为过滤条件
func (p RetentionPolicy) Filter() (Filter, error) {
	var f Filter
	if p.Operation != "" {
		op, ok := ParseOperationType(p.Operation)
		if !ok {
			return f, validationError("operation", fmt.Sprintf("未知操作类型 %q", p.Operation))
		}
		f.OperationType = op
	}
	if p.Module != "" {
		m, ok := ParseModule(p.Module)
		if !ok {
			return f, validationError("module", fmt.Sprintf("未知模块 %q", p.Module))
		}
		f.Module = m
	}
	if p.Status != "" {
		s, ok := ParseStatus(p.Status)
		if !ok {
			return f, validationError("status", fmt.Sprintf("未知状态 %q", p.Status))
		}
		f.Status = s
	}
	return f, nil
}

// RetentionConfig 留存配置
type RetentionConfig struct {
	DefaultDays int               `mapstructure:"default_days"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Policies    []RetentionPolicy `mapstructure:"policies"`
}

// CleanupRequest 清理请求
type CleanupRequest struct {
	RetentionDays int    `json:"retentionDays"`
	Filter        Filter `json:"filter"`
}

// CleanupResult 清理结果
type CleanupResult struct {
	Policy      string    `json:"policy,omitempty"`
	Deleted     int64     `json:"deleted"`
	Cutoff      time.Time `json:"cutoff"`
	ArchiveFile string    `json:"archiveFile,omitempty"`
}

// RetentionManager 留存清理
type RetentionManager struct {
	store    EventStore
	archiver *Archiver
	now      func() time.Time
	logger   *zap.Logger
}

// RetentionOption 留存清理配置项
type RetentionOption func(*RetentionManager)

// WithArchiver 清理前归档
func WithArchiver(a *Archiver) RetentionOption {
	return func(m *RetentionManager) { m.archiver = a }
}

// WithRetentionClock 设置时钟
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(m *RetentionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRetentionLogger 设置日志
func WithRetentionLogger(l *zap.Logger) RetentionOption {
	return func(m *RetentionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewRetentionManager 创建留存清理
func NewRetentionManager(store EventStore, opts ...RetentionOption) *RetentionManager {
	m := &RetentionManager{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cleanup 删除早于 now-RetentionDays 且满足过滤条件的日志，要么全部成功要么不删除
func (m *RetentionManager) Cleanup(ctx context.Context, c Caller, req CleanupRequest) (*CleanupResult, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	res, err := m.cleanup(ctx, "manual", req)
	if err != nil {
		return nil, err
	}
	m.recordCleanup(ctx, c, req, res)
	return res, nil
}

func (m *RetentionManager) cleanup(ctx context.Context, policy string, req CleanupRequest) (res *CleanupResult, err error) {
	if req.RetentionDays <= 0 {
		return nil, validationError("retentionDays", "保留天数必须为正整数")
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.ObserveOperation("cleanup", start, string(KindOf(err))) }()
	ctx, span := tracer.Start(ctx, "audit.Retention.Cleanup")
	defer span.End()

	cutoff := m.now().UTC().AddDate(0, 0, -req.RetentionDays)
	f := req.Filter
	if f.CreatedBefore == nil || f.CreatedBefore.After(cutoff) {
		f.CreatedBefore = &cutoff
	}

	var (
		visit  *DeleteVisitor
		writer *archiveWriter
	)
	if m.archiver != nil {
		if writer, err = m.archiver.begin(); err != nil {
			return nil, storageError("创建归档失败", err)
		}
		// 归档在事务提交前落盘，落盘失败时删除回滚
		visit = &DeleteVisitor{
			Batch: writer.Write,
			BeforeCommit: func(deleted int64) error {
				if deleted == 0 {
					return nil
				}
				return writer.Flush()
			},
		}
	}

	deleted, err := m.store.Delete(ctx, f, visit)
	if err != nil {
		if writer != nil {
			writer.Abort()
		}
		m.logger.Error("清理操作日志失败", zap.String("policy", policy), zap.Error(err))
		if KindOf(err) == "" {
			err = storageError("归档操作日志失败", err)
		}
		return nil, err
	}

	res = &CleanupResult{Policy: policy, Deleted: deleted, Cutoff: cutoff}
	if writer != nil {
		if deleted == 0 {
			writer.Abort()
		} else {
			// 数据已落盘，改名失败时保留 .part 文件供人工处理
			path, cerr := writer.Commit()
			res.ArchiveFile = path
			if cerr != nil {
				m.logger.Error("归档文件改名失败", zap.String("path", path), zap.Error(cerr))
			}
		}
	}

	metrics.CleanupDeletedTotal.WithLabelValues(policy).Add(float64(deleted))
	m.logger.Info("操作日志清理完成",
		zap.String("policy", policy),
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.String("archive", res.ArchiveFile),
	)
	return res, nil
}

// recordCleanup 清理本身也写入一条操作日志，失败不影响清理结果
func (m *RetentionManager) recordCleanup(ctx context.Context, c Caller, req CleanupRequest, res *CleanupResult) {
	ev := &AuditEvent{
		ActorUsername:   optionalString(c.Username),
		ActorID:         optionalString(c.UserID),
		OperationType:   OpCleanup,
		OperationModule: ModuleOperationLog,
		Description:     fmt.Sprintf("清理 %d 天前的操作日志，共 %d 条", req.RetentionDays, res.Deleted),
		Status:          StatusSuccess,
	}
	if data, err := marshalSnapshot("requestData", req); err == nil {
		ev.RequestData = data
	}
	if _, err := m.store.Record(ctx, ev); err != nil {
		m.logger.Warn("记录清理日志失败", zap.Error(err))
	}
}

// ApplyPolicies 执行配置中的清理策略（定时任务使用，不做权限检查）
func (m *RetentionManager) ApplyPolicies(ctx context.Context, cfg RetentionConfig) ([]CleanupResult, error) {
	policies := cfg.Policies
	if len(policies) == 0 && cfg.DefaultDays > 0 {
		policies = []RetentionPolicy{{Name: "default", RetentionDays: cfg.DefaultDays}}
	}

	results := make([]CleanupResult, 0, len(policies))
	system := Caller{Username: "system", Roles: []string{"admin"}}
	for _, p := range policies {
		f, err := p.Filter()
		if err != nil {
			return results, err
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%d_days", p.RetentionDays)
		}
		req := CleanupRequest{RetentionDays: p.RetentionDays, Filter: f}
		res, err := m.cleanup(ctx, name, req)
		if err != nil {
			return results, err
		}
		m.recordCleanup(ctx, system, req, res)
		results = append(results, *res)
	}
	return results, nil
}
