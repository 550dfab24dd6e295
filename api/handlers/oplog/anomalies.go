package oplog

import (
	"net/http"
	"strings"

	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"
	"auditengine/internal/worker/tasks"

	"github.com/gin-gonic/gin"
)

// detect 返回指定类型异常的处理函数
func (h *Handler) detect(t audit.AnomalyType) gin.HandlerFunc {
	return func(c *gin.Context) {
		findings, err := h.svc.Detector.Detect(c.Request.Context(), caller(c), h.svc.DetectorCfg, t)
		if err != nil {
			h.writeError(c, err)
			return
		}
		response.OK(c, findings)
	}
}

// LoginAnomalies 登录异常
// @Summary 登录异常检测
// @Tags OperationLogAnomaly
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/audit/anomalies/login [get]
func (h *Handler) LoginAnomalies(c *gin.Context) { h.detect(audit.AnomalyLogin)(c) }

// FrequencyAnomalies 操作频率异常
// @Summary 操作频率异常检测
// @Tags OperationLogAnomaly
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/audit/anomalies/frequency [get]
func (h *Handler) FrequencyAnomalies(c *gin.Context) { h.detect(audit.AnomalyFrequency)(c) }

// PermissionAnomalies 权限异常
// @Summary 权限异常检测
// @Tags OperationLogAnomaly
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/audit/anomalies/permission [get]
func (h *Handler) PermissionAnomalies(c *gin.Context) { h.detect(audit.AnomalyPermission)(c) }

// SecurityReport 安全报告
// @Summary 生成安全报告
// @Tags OperationLogAnomaly
// @Security BearerAuth
// @Produce json
// @Param format query string false "json/markdown"
// @Success 200 {object} audit.SecurityReport
// @Router /api/audit/security-report [get]
func (h *Handler) SecurityReport(c *gin.Context) {
	report, err := h.svc.Detector.SecurityReport(c.Request.Context(), caller(c), h.svc.DetectorCfg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	format := strings.ToLower(c.Query("format"))
	if format != "markdown" && format != "md" {
		response.OK(c, report)
		return
	}
	body, err := audit.ExportReport(report, format)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", body)
}

// ScheduleScanRequest 手动触发扫描
type ScheduleScanRequest struct {
	Types []string `json:"types"`
}

// ScheduleScan 提交后台异常扫描任务
// @Summary 提交异常扫描任务
// @Tags OperationLogAnomaly
// @Security BearerAuth
// @Accept json
// @Produce json
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/audit/anomalies/scan [post]
func (h *Handler) ScheduleScan(c *gin.Context) {
	if h.svc.Tasks == nil {
		response.Fail(c, http.StatusServiceUnavailable, "WORKER_DISABLED", "", "后台任务未启用")
		return
	}

	var req ScheduleScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "", "参数错误: "+err.Error())
			return
		}
	}
	for _, t := range req.Types {
		if _, ok := audit.ParseAnomalyType(t); !ok {
			badRequest(c, "types", "未知的异常类型: "+t)
			return
		}
	}

	id, err := h.svc.Tasks.EnqueueAnomalyScan(c.Request.Context(), tasks.AnomalyScanPayload{Types: req.Types})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Accepted(c, "异常扫描任务已提交", gin.H{"taskId": id})
}
