package audit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	ctxKeyMetadata  = "audit_metadata"
	ctxKeyOperation = "audit_operation"
)

// ActorFunc 从请求上下文解析操作人
type ActorFunc func(c *gin.Context) (username, userID string)

// MiddlewareConfig 审计中间件配置
type MiddlewareConfig struct {
	SkipPaths     []string // 前缀匹配
	RecordQueries bool     // 是否记录 GET 请求
	Actor         ActorFunc
}

// operationOverride handler 显式指定的操作信息
type operationOverride struct {
	Operation   OperationType
	Module      string
	Description string
}

// AuditMiddleware 请求结束后把操作投递给 Recorder，不影响响应
func AuditMiddleware(rec Recorder, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range cfg.SkipPaths {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}

		startTime := time.Now()
		c.Next()

		method := c.Request.Method
		status := c.Writer.Status()
		op := inferOperation(method, path)
		module := inferModule(path)
		desc := fmt.Sprintf("%s %s", method, routeOf(c))

		if v, ok := c.Get(ctxKeyOperation); ok {
			if o, ok := v.(operationOverride); ok {
				if o.Operation != "" {
					op = o.Operation
				}
				if o.Module != "" {
					module = o.Module
				}
				if o.Description != "" {
					desc = o.Description
				}
			}
		}
		if op == OpQuery && !cfg.RecordQueries {
			return
		}

		ev := NewEvent{
			OperationType:   string(op),
			OperationModule: module,
			Description:     desc,
			IPAddress:       c.ClientIP(),
			UserAgent:       c.Request.UserAgent(),
			ExecutionTimeMs: time.Since(startTime).Milliseconds(),
			Status:          string(StatusSuccess),
		}
		if cfg.Actor != nil {
			ev.ActorUsername, ev.ActorID = cfg.Actor(c)
		}
		if status >= http.StatusBadRequest {
			ev.Status = string(StatusFailure)
			ev.ErrorMessage = fmt.Sprintf("%d %s", status, http.StatusText(status))
			if len(c.Errors) > 0 {
				ev.ErrorMessage += ": " + c.Errors.String()
			}
		}
		if meta, ok := c.Get(ctxKeyMetadata); ok {
			ev.RequestData = meta
		}
		rec.Submit(ev)
	}
}

// routeOf 优先使用路由模板，避免描述中出现 ID
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// inferOperation 根据请求路径和方法推断操作类型
func inferOperation(method, path string) OperationType {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/login"):
		return OpLogin
	case strings.Contains(p, "/logout"):
		return OpLogout
	case strings.Contains(p, "/export"):
		return OpExport
	case strings.Contains(p, "/import"):
		return OpImport
	case strings.Contains(p, "/cleanup"):
		return OpCleanup
	}
	switch method {
	case http.MethodPost:
		return OpCreate
	case http.MethodPut, http.MethodPatch:
		return OpUpdate
	case http.MethodDelete:
		return OpDelete
	case http.MethodGet, http.MethodHead:
		return OpQuery
	}
	return OpOther
}

// 路径片段到模块的映射
var pathModules = []struct {
	segment string
	module  Module
}{
	{"/operation-logs", ModuleOperationLog},
	{"/audit", ModuleOperationLog},
	{"/auth", ModuleAuth},
	{"/users", ModuleUser},
	{"/organizations", ModuleOrganization},
	{"/orgs", ModuleOrganization},
	{"/activities", ModuleActivity},
	{"/fees", ModuleFee},
	{"/system", ModuleSystem},
}

// inferModule 未识别的路径返回首个业务路径片段作为原始标签
func inferModule(path string) string {
	p := strings.ToLower(path)
	for _, m := range pathModules {
		if strings.Contains(p, m.segment) {
			return string(m.module)
		}
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for _, part := range parts {
		if part != "" && part != "api" && !isVersionSegment(part) {
			return part
		}
	}
	return string(ModuleOther)
}

// isVersionSegment 匹配 v1、v2 之类的版本片段
func isVersionSegment(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SetOperation 由 handler 显式指定本次请求的操作信息
func SetOperation(c *gin.Context, op OperationType, module, description string) {
	c.Set(ctxKeyOperation, operationOverride{Operation: op, Module: module, Description: description})
}

// SetAuditMetadata 在上下文中设置审计元数据，写入 requestData
func SetAuditMetadata(c *gin.Context, key string, value any) {
	metadata := make(map[string]any)
	if meta, exists := c.Get(ctxKeyMetadata); exists {
		if m, ok := meta.(map[string]any); ok {
			metadata = m
		}
	}
	metadata[key] = value
	c.Set(ctxKeyMetadata, metadata)
}

// SetAuditResourceInfo 设置资源信息到审计元数据
func SetAuditResourceInfo(c *gin.Context, resourceType, resourceID string) {
	SetAuditMetadata(c, "resource_type", resourceType)
	SetAuditMetadata(c, "resource_id", resourceID)
}
