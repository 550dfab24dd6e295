package oplog

import (
	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"

	"github.com/gin-gonic/gin"
)

// Overview 总览统计
// @Summary 操作日志总览
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Param startDate query string false "开始日期"
// @Param endDate query string false "结束日期"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/overview [get]
func (h *Handler) Overview(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	res, err := h.svc.Statistics.Overview(c.Request.Context(), caller(c), r)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// ByOperation 按操作类型统计
// @Summary 按操作类型统计
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/operation [get]
func (h *Handler) ByOperation(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	res, err := h.svc.Statistics.ByOperation(c.Request.Context(), caller(c), r)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// ByModule 按模块统计
// @Summary 按模块统计
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/module [get]
func (h *Handler) ByModule(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	res, err := h.svc.Statistics.ByModule(c.Request.Context(), caller(c), r)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// ByUser 用户活跃度排行
// @Summary 用户操作排行
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Param limit query int false "返回数量"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/user [get]
func (h *Handler) ByUser(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	limit, ok := parseIntQuery(c, "limit")
	if !ok {
		return
	}
	res, err := h.svc.Statistics.ByUser(c.Request.Context(), caller(c), r, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// ByIP IP 排行，附带归属地
// @Summary IP 操作排行
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Param limit query int false "返回数量"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/ip [get]
func (h *Handler) ByIP(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	limit, ok := parseIntQuery(c, "limit")
	if !ok {
		return
	}
	res, err := h.svc.Statistics.ByIP(c.Request.Context(), caller(c), r, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}

// Trend 操作趋势
// @Summary 操作趋势
// @Tags OperationLogStatistics
// @Security BearerAuth
// @Produce json
// @Param granularity query string false "hour/day/month"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/statistics/trend [get]
func (h *Handler) Trend(c *gin.Context) {
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	g, err := audit.ParseGranularity(c.Query("granularity"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.svc.Statistics.Trend(c.Request.Context(), caller(c), r, g)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, res)
}
