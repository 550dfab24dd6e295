package oplog

import (
	"auditengine/internal/audit"
	"auditengine/internal/auth"

	"github.com/gin-gonic/gin"
)

// RouteOptions 路由级中间件，未设置的项跳过
type RouteOptions struct {
	// Audit 记录审计接口自身的管理操作
	Audit gin.HandlerFunc
	// RateLimit 写入与导出接口限流
	RateLimit gin.HandlerFunc
}

func chain(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Register 注册操作日志路由，g 需已挂载认证中间件
func (h *Handler) Register(g *gin.RouterGroup, opts RouteOptions) {
	logs := g.Group("/logs")
	{
		// 写入可指定任意操作人，仅限持有写权限的服务
		logs.POST("", chain(auth.RequirePermission(audit.PermWrite), opts.RateLimit, h.RecordLog)...)
		logs.GET("", h.ListLogs)
		logs.GET("/:id", h.GetLog)
		logs.GET("/:id/corrections", h.ListCorrections)
		logs.POST("/:id/corrections", chain(opts.Audit, h.CorrectLog)...)
		logs.GET("/:id/verify", h.VerifyLog)
	}

	stats := g.Group("/statistics")
	{
		stats.GET("/overview", h.Overview)
		stats.GET("/operation", h.ByOperation)
		stats.GET("/module", h.ByModule)
		stats.GET("/user", h.ByUser)
		stats.GET("/ip", h.ByIP)
		stats.GET("/trend", h.Trend)
	}

	anomalies := g.Group("/anomalies")
	{
		anomalies.GET("/login", h.LoginAnomalies)
		anomalies.GET("/frequency", h.FrequencyAnomalies)
		anomalies.GET("/permission", h.PermissionAnomalies)
		anomalies.POST("/scan", chain(auth.RequirePermission(audit.PermAdmin), opts.Audit, h.ScheduleScan)...)
	}
	g.GET("/security-report", h.SecurityReport)

	// 清理由 RetentionManager 自行记录 CLEANUP 事件
	g.POST("/cleanup", h.CleanupLogs)
	g.POST("/retention/run", chain(auth.RequirePermission(audit.PermAdmin), opts.Audit, h.RunRetention)...)
	g.GET("/retention/archives", auth.RequirePermission(audit.PermAdmin), h.ListArchives)
	g.GET("/retention/archives/:name", chain(auth.RequirePermission(audit.PermAdmin), opts.Audit, h.GetArchive)...)
	g.GET("/export", chain(opts.RateLimit, opts.Audit, h.ExportLogs)...)
}
