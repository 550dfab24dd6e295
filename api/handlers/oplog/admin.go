package oplog

import (
	"net/http"
	"time"

	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"
	"auditengine/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CleanupLogsRequest 手动清理请求
type CleanupLogsRequest struct {
	RetentionDays int    `json:"retentionDays"`
	Operation     string `json:"operation"`
	Module        string `json:"module"`
	Status        string `json:"status"`
}

// CleanupLogs 删除超过保留天数的日志
// @Summary 清理过期操作日志
// @Tags OperationLogAdmin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body CleanupLogsRequest true "清理条件"
// @Success 200 {object} audit.CleanupResult
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Router /api/audit/cleanup [post]
func (h *Handler) CleanupLogs(c *gin.Context) {
	var req CleanupLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "参数错误: "+err.Error())
		return
	}
	f, err := audit.RetentionPolicy{
		Operation: req.Operation,
		Module:    req.Module,
		Status:    req.Status,
	}.Filter()
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.svc.Retention.Cleanup(c.Request.Context(), caller(c), audit.CleanupRequest{
		RetentionDays: req.RetentionDays,
		Filter:        f,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// RunRetentionRequest 手动执行留存策略
type RunRetentionRequest struct {
	Policies []string `json:"policies"`
}

// RunRetention 提交留存策略任务
// @Summary 提交留存清理任务
// @Tags OperationLogAdmin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/audit/retention/run [post]
func (h *Handler) RunRetention(c *gin.Context) {
	if h.svc.Tasks == nil {
		response.Fail(c, http.StatusServiceUnavailable, "WORKER_DISABLED", "", "后台任务未启用")
		return
	}
	var req RunRetentionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "", "参数错误: "+err.Error())
			return
		}
	}

	id, err := h.svc.Tasks.EnqueueRetentionCleanup(c.Request.Context(), tasks.RetentionCleanupPayload{Policies: req.Policies})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Accepted(c, "留存清理任务已提交", gin.H{"taskId": id})
}

func (h *Handler) archiver(c *gin.Context) (*audit.Archiver, bool) {
	if h.svc.Archiver == nil {
		response.Fail(c, http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "", "归档未启用")
		return nil, false
	}
	return h.svc.Archiver, true
}

// ListArchives 列出清理时生成的归档文件
// @Summary 归档文件列表
// @Tags OperationLogAdmin
// @Security BearerAuth
// @Produce json
// @Success 200 {array} audit.ArchiveInfo
// @Failure 503 {object} response.ErrorResponse
// @Router /api/audit/retention/archives [get]
func (h *Handler) ListArchives(c *gin.Context) {
	a, ok := h.archiver(c)
	if !ok {
		return
	}
	list, err := a.ListArchives()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []audit.ArchiveInfo{}
	}
	// 不向客户端暴露服务器路径
	for i := range list {
		list[i].Path = ""
	}
	response.OK(c, list)
}

// GetArchive 读取归档文件内容，校验和不一致时报错
// @Summary 读取归档
// @Tags OperationLogAdmin
// @Security BearerAuth
// @Produce json
// @Param name path string true "归档文件名"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/audit/retention/archives/{name} [get]
func (h *Handler) GetArchive(c *gin.Context) {
	a, ok := h.archiver(c)
	if !ok {
		return
	}
	events, err := a.OpenArchive(c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"name": c.Param("name"), "total": len(events), "list": events})
}

// exportWriter 首次写入时才发送下载头，之前的错误仍可返回 JSON
type exportWriter struct {
	c       *gin.Context
	format  audit.ExportFormat
	started bool
}

func (w *exportWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.c.Header("Content-Type", w.format.ContentType())
		w.c.Header("Content-Disposition", `attachment; filename="`+w.format.Filename(time.Now())+`"`)
		w.c.Status(http.StatusOK)
	}
	return w.c.Writer.Write(p)
}

// ExportLogs 按列表条件导出
// @Summary 导出操作日志
// @Tags OperationLog
// @Security BearerAuth
// @Produce text/csv
// @Param format query string false "csv/json"
// @Success 200 {file} file
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Router /api/audit/export [get]
func (h *Handler) ExportLogs(c *gin.Context) {
	format, err := audit.ParseExportFormat(c.Query("format"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	f, ok := h.parseFilter(c)
	if !ok {
		return
	}

	audit.SetOperation(c, audit.OpExport, string(audit.ModuleOperationLog), "导出操作日志")
	w := &exportWriter{c: c, format: format}
	n, err := h.svc.Exporter.Export(c.Request.Context(), caller(c), w, audit.ExportRequest{
		Format:  format,
		Filter:  f,
		Sort:    parseSort(c),
		MaxRows: h.svc.MaxExportRows,
	})
	if err != nil {
		if !w.started {
			h.writeError(c, err)
			return
		}
		// 已开始传输，只能中断并记录
		h.logger.Error("导出中断", zap.Int("rows", n), zap.Error(err))
		_ = c.Error(err)
		return
	}
	audit.SetAuditMetadata(c, "rows", n)
	audit.SetAuditMetadata(c, "format", string(format))
}
