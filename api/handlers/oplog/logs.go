package oplog

import (
	"time"

	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"

	"github.com/gin-gonic/gin"
)

// RecordLogRequest 协作方写入请求
type RecordLogRequest struct {
	ActorUsername   string    `json:"actorUsername"`
	ActorID         string    `json:"actorId"`
	OperationType   string    `json:"operationType" binding:"required"`
	OperationModule string    `json:"operationModule" binding:"required"`
	Description     string    `json:"description"`
	IPAddress       string    `json:"ipAddress"`
	UserAgent       string    `json:"userAgent"`
	RequestData     any       `json:"requestData"`
	ResponseData    any       `json:"responseData"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"errorMessage"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RecordLog 写入操作日志
// @Summary 写入操作日志
// @Tags OperationLog
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body RecordLogRequest true "日志内容"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/audit/logs [post]
func (h *Handler) RecordLog(c *gin.Context) {
	var req RecordLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "参数错误: "+err.Error())
		return
	}

	ev, err := audit.NewEvent{
		ActorUsername:   req.ActorUsername,
		ActorID:         req.ActorID,
		OperationType:   req.OperationType,
		OperationModule: req.OperationModule,
		Description:     req.Description,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		RequestData:     req.RequestData,
		ResponseData:    req.ResponseData,
		Status:          req.Status,
		ErrorMessage:    req.ErrorMessage,
		ExecutionTimeMs: req.ExecutionTimeMs,
		CreatedAt:       req.CreatedAt,
	}.Build()
	if err != nil {
		h.writeError(c, err)
		return
	}

	id, err := h.svc.Store.Record(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, gin.H{"id": id})
}

// ListLogs 分页查询操作日志
// @Summary 查询操作日志
// @Description 无查看全部权限时只返回本人的日志；pageToken 用于在同一快照内翻页
// @Tags OperationLog
// @Security BearerAuth
// @Produce json
// @Param operation query string false "操作类型"
// @Param module query string false "操作模块"
// @Param username query string false "操作人"
// @Param ipAddress query string false "IP 地址"
// @Param status query string false "状态"
// @Param startDate query string false "开始时间"
// @Param endDate query string false "结束时间"
// @Param search query string false "关键字"
// @Param page query int false "页码"
// @Param pageSize query int false "每页数量"
// @Param sortBy query string false "排序字段"
// @Param sortOrder query string false "asc/desc"
// @Param pageToken query string false "翻页令牌"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/audit/logs [get]
func (h *Handler) ListLogs(c *gin.Context) {
	f, ok := h.parseFilter(c)
	if !ok {
		return
	}
	page, ok := parseIntQuery(c, "page")
	if !ok {
		return
	}
	pageSize, ok := parseIntQuery(c, "pageSize")
	if !ok {
		return
	}

	res, err := h.svc.Query.List(c.Request.Context(), caller(c), audit.ListQuery{
		Filter:    f,
		Sort:      parseSort(c),
		Page:      page,
		PageSize:  pageSize,
		PageToken: c.Query("pageToken"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// LogDetail 日志详情，存在更正时附带叠加更正后的视图
type LogDetail struct {
	*audit.AuditEvent
	Effective   *audit.AuditEvent `json:"effective,omitempty"`
	Corrections int               `json:"corrections"`
}

// GetLog 获取操作日志详情
// @Summary 获取操作日志详情
// @Tags OperationLog
// @Security BearerAuth
// @Produce json
// @Param id path int true "日志 ID"
// @Success 200 {object} response.APIResponse
// @Failure 403 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/audit/logs/{id} [get]
func (h *Handler) GetLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ev, err := h.svc.Query.Get(c.Request.Context(), caller(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	detail := LogDetail{AuditEvent: ev}
	effective, history, err := h.svc.Corrections.Effective(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(history) > 0 {
		detail.Effective = effective
		detail.Corrections = len(history)
	}
	response.OK(c, detail)
}

// ListCorrections 查看日志的更正记录
// @Summary 查看更正记录
// @Tags OperationLog
// @Security BearerAuth
// @Produce json
// @Param id path int true "日志 ID"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/logs/{id}/corrections [get]
func (h *Handler) ListCorrections(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	list, err := h.svc.Query.Corrections(c.Request.Context(), caller(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// CorrectLog 以补偿事件更正日志，原日志保持不变
// @Summary 更正操作日志
// @Tags OperationLog
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "日志 ID"
// @Param request body audit.CorrectionRequest true "更正内容"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Router /api/audit/logs/{id}/corrections [post]
func (h *Handler) CorrectLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req audit.CorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	correction, err := h.svc.Corrections.Correct(ctx, caller(c), id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	audit.SetOperation(c, audit.OpUpdate, string(audit.ModuleOperationLog), "更正操作日志")
	audit.SetAuditResourceInfo(c, "operation_log", c.Param("id"))

	data := gin.H{"correction": correction}
	if effective, history, err := h.svc.Corrections.Effective(ctx, id); err == nil && len(history) > 0 {
		if original, err := h.svc.Query.Get(ctx, caller(c), id); err == nil {
			if diff, err := audit.CorrectionDiff(original, effective); err == nil {
				data["diff"] = diff
			}
		}
	}
	response.Created(c, data)
}

// VerifyLog 校验日志完整性
// @Summary 校验操作日志摘要
// @Tags OperationLog
// @Security BearerAuth
// @Produce json
// @Param id path int true "日志 ID"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/logs/{id}/verify [get]
func (h *Handler) VerifyLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ev, err := h.svc.Query.Get(c.Request.Context(), caller(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{
		"id":       ev.ID,
		"checksum": ev.Checksum,
		"valid":    audit.VerifyChecksum(ev),
	})
}
