package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditengine/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func signClaims(t *testing.T, secret string, claims *auth.TokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTService_ValidateToken(t *testing.T) {
	ctx := context.Background()
	svc := auth.NewJWTService(testSecret, "auth-center", nil)

	t.Run("签发后可解析", func(t *testing.T) {
		token, err := svc.GenerateAccessToken("u-1", "alice", []string{"auditor"}, []string{"custom:perm"})
		require.NoError(t, err)

		claims, err := svc.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "u-1", claims.UserID)
		assert.Equal(t, "alice", claims.Username)
		assert.Equal(t, []string{"auditor"}, claims.Roles)
	})

	t.Run("密钥不匹配", func(t *testing.T) {
		other := auth.NewJWTService("another-secret", "auth-center", nil)
		token, err := other.GenerateAccessToken("u-1", "alice", nil, nil)
		require.NoError(t, err)

		_, err = svc.ValidateToken(ctx, token)
		assert.True(t, errors.Is(err, auth.ErrInvalidToken))
	})

	t.Run("签发方不匹配", func(t *testing.T) {
		other := auth.NewJWTService(testSecret, "someone-else", nil)
		token, err := other.GenerateAccessToken("u-1", "alice", nil, nil)
		require.NoError(t, err)

		_, err = svc.ValidateToken(ctx, token)
		assert.True(t, errors.Is(err, auth.ErrInvalidToken))
	})

	t.Run("拒绝刷新令牌", func(t *testing.T) {
		token := signClaims(t, testSecret, &auth.TokenClaims{
			UserID:    "u-1",
			Username:  "alice",
			TokenType: "refresh",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "auth-center",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		_, err := svc.ValidateToken(ctx, token)
		assert.True(t, errors.Is(err, auth.ErrInvalidToken))
	})

	t.Run("令牌过期", func(t *testing.T) {
		token := signClaims(t, testSecret, &auth.TokenClaims{
			UserID:    "u-1",
			TokenType: "access",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "auth-center",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})
		_, err := svc.ValidateToken(ctx, token)
		assert.True(t, errors.Is(err, auth.ErrInvalidToken))
	})

	t.Run("用户名缺失时使用 subject", func(t *testing.T) {
		token := signClaims(t, testSecret, &auth.TokenClaims{
			UserID:    "u-9",
			TokenType: "access",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "auth-center",
				Subject:   "carol",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		claims, err := svc.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "carol", claims.Username)
	})

	t.Run("未启用黑名单时失效操作为空操作", func(t *testing.T) {
		token, err := svc.GenerateAccessToken("u-1", "alice", nil, nil)
		require.NoError(t, err)
		require.NoError(t, svc.InvalidateToken(ctx, token))
		assert.False(t, svc.IsTokenBlacklisted(ctx, token))
	})
}

func TestExtractTokenFromBearer(t *testing.T) {
	assert.Equal(t, "abc.def", auth.ExtractTokenFromBearer("Bearer abc.def"))
	assert.Empty(t, auth.ExtractTokenFromBearer("abc.def"))
	assert.Empty(t, auth.ExtractTokenFromBearer("Bearer "))
	assert.Empty(t, auth.ExtractTokenFromBearer("Basic dXNlcjpwYXNz"))
}

func TestExpandPermissions(t *testing.T) {
	perms := auth.ExpandPermissions([]string{"Auditor", "member"}, []string{"operation_log:view", "x:y"})
	assert.Equal(t, []string{"operation_log:view", "x:y", "operation_log:view_own"}, perms)
	assert.Empty(t, auth.ExpandPermissions([]string{"guest"}, nil))
	assert.Equal(t, []string{"operation_log:write"}, auth.ExpandPermissions([]string{"service"}, nil))
}
