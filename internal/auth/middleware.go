package auth

import (
	"net/http"
	"strings"

	response "auditengine/api/handlers/common"
	"auditengine/internal/audit"

	"github.com/gin-gonic/gin"
)

// callerContextKey 调用方在 gin 上下文中的键
const callerContextKey = "audit_caller"

// AuthMiddleware JWT 认证中间件，成功后写入 audit.Caller
func AuthMiddleware(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "缺少认证令牌")
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		if token == "" {
			abortUnauthorized(c, "无效的令牌格式")
			return
		}

		claims, err := jwtService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abortUnauthorized(c, "令牌验证失败")
			return
		}

		c.Set(callerContextKey, CallerFromClaims(claims))
		c.Next()
	}
}

// OptionalAuthMiddleware 有令牌时解析调用方，无令牌或令牌无效时放行
func OptionalAuthMiddleware(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := ExtractTokenFromBearer(c.GetHeader("Authorization")); token != "" {
			if claims, err := jwtService.ValidateToken(c.Request.Context(), token); err == nil {
				c.Set(callerContextKey, CallerFromClaims(claims))
			}
		}
		c.Next()
	}
}

// RequirePermission 权限检查中间件
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFromContext(c)
		if !ok {
			abortUnauthorized(c, "未认证")
			return
		}
		if !caller.HasPermission(perm) {
			response.Fail(c, http.StatusForbidden, string(audit.KindPermissionDenied), "", "权限不足")
			return
		}
		c.Next()
	}
}

// CallerFromContext 从 gin 上下文获取调用方
func CallerFromContext(c *gin.Context) (audit.Caller, bool) {
	v, exists := c.Get(callerContextKey)
	if !exists {
		return audit.Caller{}, false
	}
	caller, ok := v.(audit.Caller)
	return caller, ok
}

// SetCaller 直接写入调用方，测试与内部调用使用
func SetCaller(c *gin.Context, caller audit.Caller) {
	c.Set(callerContextKey, caller)
}

// AuditActor 供审计中间件解析操作人
func AuditActor(c *gin.Context) (username, userID string) {
	caller, ok := CallerFromContext(c)
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(caller.Username), caller.UserID
}

func abortUnauthorized(c *gin.Context, msg string) {
	response.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "", msg)
}
