package auth

import (
	"strings"

	"auditengine/internal/audit"
)

// rolePermissions 内置角色到操作日志权限的映射
// admin、super_admin 由 audit.Caller 直接视为管理员
var rolePermissions = map[string][]string{
	"auditor":  {audit.PermView},
	"security": {audit.PermView},
	"manager":  {audit.PermView},
	"operator": {audit.PermViewOwn},
	"member":   {audit.PermViewOwn},
	"service":  {audit.PermWrite},
}

// ExpandPermissions 合并令牌中的显式权限与角色隐含的权限，去重且保持顺序
func ExpandPermissions(roles, permissions []string) []string {
	seen := make(map[string]struct{}, len(permissions)+len(roles))
	out := make([]string, 0, len(permissions)+len(roles))
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range permissions {
		add(p)
	}
	for _, r := range roles {
		for _, p := range rolePermissions[strings.ToLower(r)] {
			add(p)
		}
	}
	return out
}

// CallerFromClaims 将令牌声明转换为审计调用方
func CallerFromClaims(claims *TokenClaims) audit.Caller {
	return audit.Caller{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Roles:       claims.Roles,
		Permissions: ExpandPermissions(claims.Roles, claims.Permissions),
	}
}
