package oplog

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"
	"auditengine/internal/auth"
	"auditengine/internal/infra/queue"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventRecorder 同步写入单条操作日志
type EventRecorder interface {
	Record(ctx context.Context, ev *audit.AuditEvent) (uint64, error)
}

// Services 处理器依赖的引擎组件
type Services struct {
	Store       EventRecorder
	Query       *audit.QueryService
	Statistics  *audit.StatisticsService
	Detector    *audit.Detector
	DetectorCfg audit.DetectorConfig
	Retention   *audit.RetentionManager
	Corrections *audit.CorrectionService
	Exporter    *audit.Exporter

	// 可选，未启用 worker 时为 nil
	Tasks queue.Client
	// 可选，未启用归档时为 nil
	Archiver *audit.Archiver

	MaxExportRows int
	Location      *time.Location
}

// Handler 操作日志 HTTP 处理器
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler 创建操作日志处理器
func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if svc.Location == nil {
		svc.Location = time.UTC
	}
	return &Handler{svc: svc, logger: logger}
}

// caller 读取认证中间件写入的调用方，缺失时按匿名处理由引擎拒绝
func caller(c *gin.Context) audit.Caller {
	cl, _ := auth.CallerFromContext(c)
	return cl
}

// errorStatus 错误分类到 HTTP 状态码
var errorStatus = map[audit.ErrorKind]int{
	audit.KindValidation:       http.StatusBadRequest,
	audit.KindNotFound:         http.StatusNotFound,
	audit.KindPermissionDenied: http.StatusForbidden,
	audit.KindSnapshotExpired:  http.StatusConflict,
}

// writeError 输出统一错误结构，存储错误不暴露驱动信息
func (h *Handler) writeError(c *gin.Context, err error) {
	var ae *audit.Error
	if errors.As(err, &ae) {
		if status, ok := errorStatus[ae.Kind]; ok {
			response.Fail(c, status, string(ae.Kind), ae.Field, ae.Message)
			return
		}
	}

	h.logger.Error("操作日志请求失败",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	code := string(audit.KindStorage)
	if ae == nil {
		code = "INTERNAL_ERROR"
	}
	_ = c.Error(err)
	response.Fail(c, http.StatusInternalServerError, code, "", "服务内部错误，请稍后重试")
}

func badRequest(c *gin.Context, field, message string) {
	response.Fail(c, http.StatusBadRequest, string(audit.KindValidation), field, message)
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "id", "无效的日志 ID")
		return 0, false
	}
	return id, true
}

// parseIntQuery 解析可选的非负整数参数
func parseIntQuery(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, key, "必须为非负整数")
		return 0, false
	}
	return n, true
}

// 支持的日期格式
var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseDate 解析日期；仅含日期的结束时间扩展到当天最后一刻
func parseDate(raw string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t, nil
	}
	return nil, errors.New("日期格式应为 YYYY-MM-DD 或 RFC3339")
}

// parseFilter 从查询参数构造过滤条件
func (h *Handler) parseFilter(c *gin.Context) (audit.Filter, bool) {
	var f audit.Filter
	if v := c.Query("operation"); v != "" {
		op, ok := audit.ParseOperationType(v)
		if !ok {
			badRequest(c, "operation", "未知的操作类型")
			return f, false
		}
		f.OperationType = op
	}
	if v := c.Query("module"); v != "" {
		m, ok := audit.ParseModule(v)
		if !ok {
			badRequest(c, "module", "未知的操作模块")
			return f, false
		}
		f.Module = m
	}
	if v := c.Query("status"); v != "" {
		s, ok := audit.ParseStatus(v)
		if !ok {
			badRequest(c, "status", "未知的操作状态")
			return f, false
		}
		f.Status = s
	}
	f.ActorUsername = strings.TrimSpace(c.Query("username"))
	f.IPAddress = strings.TrimSpace(c.Query("ipAddress"))
	f.Keyword = strings.TrimSpace(c.Query("search"))

	var err error
	if f.StartTime, err = parseDate(c.Query("startDate"), h.svc.Location, false); err != nil {
		badRequest(c, "startDate", err.Error())
		return f, false
	}
	if f.EndTime, err = parseDate(c.Query("endDate"), h.svc.Location, true); err != nil {
		badRequest(c, "endDate", err.Error())
		return f, false
	}
	return f, true
}

func parseSort(c *gin.Context) audit.Sort {
	return audit.Sort{
		Field: strings.TrimSpace(c.Query("sortBy")),
		Order: audit.SortOrder(strings.ToLower(strings.TrimSpace(c.Query("sortOrder")))),
	}
}

// parseRange 统计接口的时间范围
func (h *Handler) parseRange(c *gin.Context) (audit.DateRange, bool) {
	var r audit.DateRange
	start, err := parseDate(c.Query("startDate"), h.svc.Location, false)
	if err != nil {
		badRequest(c, "startDate", err.Error())
		return r, false
	}
	end, err := parseDate(c.Query("endDate"), h.svc.Location, true)
	if err != nil {
		badRequest(c, "endDate", err.Error())
		return r, false
	}
	if start != nil {
		r.Start = *start
	}
	if end != nil {
		r.End = *end
	}
	return r, true
}
