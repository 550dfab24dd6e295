package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	adminCaller  = Caller{UserID: "1", Username: "root", Roles: []string{"admin"}}
	viewerCaller = Caller{UserID: "2", Username: "auditor", Permissions: []string{PermView}}
	aliceCaller  = Caller{UserID: "3", Username: "alice", Permissions: []string{PermViewOwn}}
	nobodyCaller = Caller{UserID: "4", Username: "guest"}
)

func TestCaller_HasPermission(t *testing.T) {
	cases := []struct {
		name   string
		caller Caller
		perm   string
		want   bool
	}{
		{"admin 角色拥有全部权限", Caller{Roles: []string{"ADMIN"}}, PermAdmin, true},
		{"super_admin 角色", Caller{Roles: []string{"super_admin"}}, PermView, true},
		{"admin 权限包含 view", Caller{Permissions: []string{PermAdmin}}, PermView, true},
		{"admin 权限包含 view_own", Caller{Permissions: []string{PermAdmin}}, PermViewOwn, true},
		{"view 包含 view_own", Caller{Permissions: []string{PermView}}, PermViewOwn, true},
		{"view 不包含 admin", Caller{Permissions: []string{PermView}}, PermAdmin, false},
		{"view_own 不包含 view", Caller{Permissions: []string{PermViewOwn}}, PermView, false},
		{"admin 权限包含 write", Caller{Permissions: []string{PermAdmin}}, PermWrite, true},
		{"view 不包含 write", Caller{Permissions: []string{PermView}}, PermWrite, false},
		{"write 不包含 view", Caller{Permissions: []string{PermWrite}}, PermView, false},
		{"无权限", Caller{Roles: []string{"member"}}, PermViewOwn, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.caller.HasPermission(tc.perm))
		})
	}
}

func newQueryFixture(t *testing.T) (*QueryService, *GormStore, []uint64) {
	t.Helper()
	s := newTestStore(t)
	ids := seed(t, s,
		newEvent("alice", OpCreate, StatusSuccess, baseTime),
		newEvent("bob", OpUpdate, StatusSuccess, baseTime.Add(time.Minute)),
		newEvent("alice", OpDelete, StatusFailure, baseTime.Add(2*time.Minute)),
	)
	return NewQueryService(s, QueryConfig{DefaultPageSize: 2, MaxPageSize: 50}, nil), s, ids
}

func TestQueryService_List(t *testing.T) {
	ctx := context.Background()
	q, _, ids := newQueryFixture(t)

	t.Run("全局查看权限看到全部日志", func(t *testing.T) {
		res, err := q.List(ctx, viewerCaller, ListQuery{PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Total)
		assert.Equal(t, []uint64{ids[2], ids[1], ids[0]}, collectIDs(res.List))
	})

	t.Run("仅自身权限强制限定本人", func(t *testing.T) {
		res, err := q.List(ctx, aliceCaller, ListQuery{PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Total)
		for _, ev := range res.List {
			assert.Equal(t, "alice", ev.Username())
		}

		// 请求他人日志时结果为空而不是越权
		other, err := q.List(ctx, aliceCaller, ListQuery{Filter: Filter{ActorUsername: "bob"}})
		require.NoError(t, err)
		assert.Zero(t, other.Total)
		assert.Empty(t, other.List)
	})

	t.Run("无权限拒绝", func(t *testing.T) {
		_, err := q.List(ctx, nobodyCaller, ListQuery{})
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})

	t.Run("默认页大小与令牌翻页", func(t *testing.T) {
		res, err := q.List(ctx, adminCaller, ListQuery{})
		require.NoError(t, err)
		assert.Equal(t, 2, res.PageSize)
		assert.Len(t, res.List, 2)
		require.NotEmpty(t, res.NextPageToken)

		next, err := q.List(ctx, adminCaller, ListQuery{PageToken: res.NextPageToken})
		require.NoError(t, err)
		assert.Equal(t, []uint64{ids[0]}, collectIDs(next.List))
		assert.Equal(t, 2, next.Page)
	})

	t.Run("页大小不超过上限", func(t *testing.T) {
		res, err := q.List(ctx, adminCaller, ListQuery{PageSize: 5000})
		require.NoError(t, err)
		assert.Equal(t, 50, res.PageSize)
	})

	t.Run("默认上限允许 1000 条一页", func(t *testing.T) {
		dq := NewQueryService(newTestStore(t), QueryConfig{}, nil)
		res, err := dq.List(ctx, adminCaller, ListQuery{PageSize: 1000})
		require.NoError(t, err)
		assert.Equal(t, 1000, res.PageSize)

		res, err = dq.List(ctx, adminCaller, ListQuery{PageSize: 1001})
		require.NoError(t, err)
		assert.Equal(t, 1000, res.PageSize)
	})
}

func TestQueryService_Get(t *testing.T) {
	ctx := context.Background()
	q, _, ids := newQueryFixture(t)

	t.Run("本人可查看自己的日志", func(t *testing.T) {
		ev, err := q.Get(ctx, aliceCaller, ids[0])
		require.NoError(t, err)
		assert.Equal(t, ids[0], ev.ID)
	})

	t.Run("本人不能查看他人日志", func(t *testing.T) {
		_, err := q.Get(ctx, aliceCaller, ids[1])
		assert.Equal(t, KindPermissionDenied, KindOf(err))
	})

	t.Run("管理员可查看任意日志", func(t *testing.T) {
		ev, err := q.Get(ctx, adminCaller, ids[1])
		require.NoError(t, err)
		assert.Equal(t, "bob", ev.Username())
	})

	t.Run("不存在", func(t *testing.T) {
		_, err := q.Get(ctx, adminCaller, 999)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("无权限", func(t *testing.T) {
		_, err := q.Get(ctx, nobodyCaller, ids[0])
		assert.Equal(t, KindPermissionDenied, KindOf(err))
	})
}
