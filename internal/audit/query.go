package audit

import (
	"context"
	"strings"
	"time"

	"auditengine/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// 操作日志权限
const (
	PermViewOwn = "operation_log:view_own"
	PermView    = "operation_log:view"
	PermAdmin   = "operation_log:admin"
	// PermWrite 代他人写入日志，授予可信的上报服务
	PermWrite = "operation_log:write"
)

var tracer = otel.Tracer("auditengine/internal/audit")

// Caller 调用方身份，由认证层提供，引擎直接信任
type Caller struct {
	UserID      string
	Username    string
	Roles       []string
	Permissions []string
}

// HasPermission 是否拥有指定权限（admin 角色拥有全部权限）
func (c Caller) HasPermission(perm string) bool {
	if c.hasAdminRole() {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
		if p == PermAdmin && (perm == PermView || perm == PermViewOwn || perm == PermWrite) {
			return true
		}
		if p == PermView && perm == PermViewOwn {
			return true
		}
	}
	return false
}

// IsAdmin 是否拥有日志管理权限
func (c Caller) IsAdmin() bool {
	return c.HasPermission(PermAdmin)
}

// CanViewAll 是否可以查看所有人的日志
func (c Caller) CanViewAll() bool {
	return c.HasPermission(PermView)
}

func (c Caller) hasAdminRole() bool {
	for _, r := range c.Roles {
		switch strings.ToLower(r) {
		case "admin", "super_admin":
			return true
		}
	}
	return false
}

func requireAdmin(c Caller) error {
	if !c.IsAdmin() {
		return permissionDenied("需要操作日志管理权限")
	}
	return nil
}

// ListQuery 列表查询参数
type ListQuery struct {
	Filter    Filter
	Sort      Sort
	Page      int
	PageSize  int
	PageToken string
}

// PageResult 分页结果
type PageResult struct {
	Page          int           `json:"page"`
	PageSize      int           `json:"pageSize"`
	Total         int64         `json:"total"`
	List          []*AuditEvent `json:"list"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

// QueryConfig 查询配置
type QueryConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// QueryService 操作日志查询
type QueryService struct {
	store  EventStore
	cfg    QueryConfig
	logger *zap.Logger
}

// NewQueryService 创建查询服务
func NewQueryService(store EventStore, cfg QueryConfig, logger *zap.Logger) *QueryService {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaultScanPageSize
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > maxScanPageSize {
		cfg.MaxPageSize = maxScanPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryService{store: store, cfg: cfg, logger: logger}
}

// scope 根据权限返回实际生效的过滤条件
func scope(c Caller, f Filter) (Filter, error) {
	if c.CanViewAll() {
		return f, nil
	}
	if c.HasPermission(PermViewOwn) && c.Username != "" {
		return f.ScopedTo(c.Username), nil
	}
	return f, permissionDenied("无权查看操作日志")
}

// List 分页查询
func (s *QueryService) List(ctx context.Context, c Caller, q ListQuery) (res *PageResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("query", start, string(KindOf(err))) }()
	ctx, span := tracer.Start(ctx, "audit.Query.List")
	defer span.End()

	f, err := scope(c, q.Filter)
	if err != nil {
		return nil, err
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = s.cfg.DefaultPageSize
	}
	if size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}

	scan, err := s.store.Scan(ctx, ScanRequest{
		Filter:    f,
		Sort:      q.Sort,
		Page:      page,
		PageSize:  size,
		PageToken: q.PageToken,
	})
	if err != nil {
		if KindOf(err) == KindStorage {
			s.logger.Error("查询操作日志失败", zap.String("caller", c.Username), zap.Error(err))
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("audit.total", scan.Total))
	return &PageResult{
		Page:          scan.Page,
		PageSize:      scan.PageSize,
		Total:         scan.Total,
		List:          scan.Events,
		NextPageToken: scan.NextPageToken,
	}, nil
}

// Get 查询详情，非全局查看权限只能看自己的日志
func (s *QueryService) Get(ctx context.Context, c Caller, id uint64) (*AuditEvent, error) {
	if !c.HasPermission(PermViewOwn) {
		return nil, permissionDenied("无权查看操作日志")
	}
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.CanViewAll() && ev.Username() != c.Username {
		return nil, permissionDenied("无权查看他人的操作日志")
	}
	return ev, nil
}

// Corrections 返回指定日志的更正记录（按时间正序），能查看原日志即可查看其全部更正
func (s *QueryService) Corrections(ctx context.Context, c Caller, id uint64) ([]*AuditEvent, error) {
	if _, err := s.Get(ctx, c, id); err != nil {
		return nil, err
	}
	var out []*AuditEvent
	err := s.store.Each(ctx, Filter{CorrectsID: &id}, Sort{Field: "createdAt", Order: SortAsc}, func(ev *AuditEvent) error {
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*AuditEvent{}
	}
	return out, nil
}
