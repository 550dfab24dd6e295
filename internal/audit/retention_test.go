package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRetentionManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	now := baseTime

	t.Run("保留天数必须为正", func(t *testing.T) {
		s := newTestStore(t)
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		for _, days := range []int{0, -1} {
			_, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: days})
			assert.True(t, errors.Is(err, ErrValidation), "days=%d", days)
		}
	})

	t.Run("非管理员拒绝", func(t *testing.T) {
		s := newTestStore(t)
		seed(t, s, newEvent("alice", OpCreate, StatusSuccess, now.AddDate(0, 0, -40)))
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		res, err := m.Cleanup(ctx, viewerCaller, CleanupRequest{RetentionDays: 30})
		assert.True(t, errors.Is(err, ErrPermissionDenied))
		assert.Nil(t, res)

		sum, err := s.Summarize(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), sum.Total, "拒绝时不得删除任何数据")
	})

	t.Run("按天数清理并记录清理日志", func(t *testing.T) {
		s := newTestStore(t)
		ids := seed(t, s,
			newEvent("alice", OpCreate, StatusSuccess, now.AddDate(0, 0, -31)),
			newEvent("alice", OpCreate, StatusSuccess, now.AddDate(0, 0, -29)),
			newEvent("bob", OpDelete, StatusFailure, now.AddDate(0, 0, -60)),
		)
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 30})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Deleted)
		assert.True(t, res.Cutoff.Equal(now.AddDate(0, 0, -30)))
		assert.Empty(t, res.ArchiveFile)

		_, err = s.Get(ctx, ids[1])
		assert.NoError(t, err)
		_, err = s.Get(ctx, ids[0])
		assert.True(t, errors.Is(err, ErrNotFound))

		cleanup, err := s.Latest(ctx, Filter{OperationType: OpCleanup})
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		assert.Equal(t, "root", cleanup.Username())
		assert.Equal(t, ModuleOperationLog, cleanup.OperationModule)
	})

	t.Run("按过滤条件清理", func(t *testing.T) {
		s := newTestStore(t)
		oldFailure := loginEvent("alice", "10.0.0.1", StatusFailure, now.AddDate(0, 0, -10))
		recentFailure := loginEvent("alice", "10.0.0.1", StatusFailure, now.AddDate(0, 0, -3))
		oldSuccess := loginEvent("alice", "10.0.0.1", StatusSuccess, now.AddDate(0, 0, -10))
		oldOther := newEvent("bob", OpCreate, StatusFailure, now.AddDate(0, 0, -10))
		ids := seed(t, s, oldFailure, recentFailure, oldSuccess, oldOther)

		q := NewQueryService(s, QueryConfig{}, nil)
		filter := Filter{OperationType: OpLogin, Status: StatusFailure}
		before, err := q.List(ctx, adminCaller, ListQuery{Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, []uint64{ids[1], ids[0]}, collectIDs(before.List))

		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 7, Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deleted)

		after, err := q.List(ctx, adminCaller, ListQuery{Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, []uint64{ids[1]}, collectIDs(after.List))

		for _, id := range []uint64{ids[2], ids[3]} {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err, "不匹配条件的日志应保留")
		}
	})

	t.Run("请求中更早的截止时间优先", func(t *testing.T) {
		s := newTestStore(t)
		seed(t, s,
			newEvent("alice", OpCreate, StatusSuccess, now.AddDate(0, 0, -50)),
			newEvent("alice", OpCreate, StatusSuccess, now.AddDate(0, 0, -40)),
		)
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		before := now.AddDate(0, 0, -45)
		res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 30, Filter: Filter{CreatedBefore: &before}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deleted)
		assert.True(t, res.Cutoff.Equal(now.AddDate(0, 0, -30)))
	})
}

func TestRetentionManager_Archive(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	dir := t.TempDir()

	s := newTestStore(t)
	old := newEvent("alice", OpUpdate, StatusSuccess, now.AddDate(0, 0, -100))
	old.RequestData = datatypes.JSON(`{"before":{"name":"<旧>"},"after":{"name":"新 & 改"}}`)
	old.UserAgent = "Mozilla/5.0"
	ids := seed(t, s, old, newEvent("bob", OpCreate, StatusSuccess, now.AddDate(0, 0, -1)))

	archiver := NewArchiver(ArchiveConfig{Enabled: true, Path: dir})
	m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)), WithArchiver(archiver))

	t.Run("归档后删除并可还原", func(t *testing.T) {
		res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 90})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deleted)
		require.NotEmpty(t, res.ArchiveFile)
		assert.Equal(t, ".gz", filepath.Ext(res.ArchiveFile))
		_, err = os.Stat(res.ArchiveFile)
		require.NoError(t, err)

		restored, err := RestoreArchive(res.ArchiveFile)
		require.NoError(t, err)
		require.Len(t, restored, 1)
		assert.Equal(t, ids[0], restored[0].ID)
		assert.JSONEq(t, string(old.RequestData), string(restored[0].RequestData))

		list, err := archiver.ListArchives()
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("无匹配时不生成归档文件", func(t *testing.T) {
		res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 90})
		require.NoError(t, err)
		assert.Zero(t, res.Deleted)
		assert.Empty(t, res.ArchiveFile)

		list, err := archiver.ListArchives()
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("篡改的归档无法还原", func(t *testing.T) {
		list, err := archiver.ListArchives()
		require.NoError(t, err)
		require.NotEmpty(t, list)
		events, err := RestoreArchive(list[0].Path)
		require.NoError(t, err)

		events[0].Description = "篡改"
		assert.False(t, VerifyChecksum(events[0]))
	})
}

// syncFailFile 模拟磁盘写满，Sync 时报错
type syncFailFile struct{ *os.File }

func (f syncFailFile) Sync() error { return errors.New("no space left on device") }

func TestRetentionManager_ArchiveFlushFailure(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	dir := t.TempDir()

	s := newTestStore(t)
	seed(t, s,
		newEvent("alice", OpUpdate, StatusSuccess, now.AddDate(0, 0, -100)),
		newEvent("bob", OpCreate, StatusSuccess, now.AddDate(0, 0, -120)),
	)

	archiver := NewArchiver(ArchiveConfig{Enabled: true, Path: dir})
	archiver.create = func(path string) (archiveFile, error) {
		f, err := createArchiveFile(path)
		if err != nil {
			return nil, err
		}
		return syncFailFile{f.(*os.File)}, nil
	}
	m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)), WithArchiver(archiver))

	res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 90})
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Nil(t, res)

	sum, err := s.Summarize(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Total, "归档落盘失败时不得删除任何数据")

	var leftovers []string
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			leftovers = append(leftovers, path)
		}
		return err
	}))
	assert.Empty(t, leftovers, "失败后不残留归档文件")
}

func TestArchiver_OpenArchive(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := newTestStore(t)
	ids := seed(t, s, newEvent("alice", OpDelete, StatusSuccess, now.AddDate(0, 0, -100)))

	archiver := NewArchiver(ArchiveConfig{Enabled: true, Path: t.TempDir()})
	m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)), WithArchiver(archiver))
	res, err := m.Cleanup(ctx, adminCaller, CleanupRequest{RetentionDays: 90})
	require.NoError(t, err)

	t.Run("按文件名读取", func(t *testing.T) {
		events, err := archiver.OpenArchive(filepath.Base(res.ArchiveFile))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ids[0], events[0].ID)
	})

	t.Run("拒绝路径穿越", func(t *testing.T) {
		for _, name := range []string{"", "../x.jsonl.gz", "2024/" + filepath.Base(res.ArchiveFile), "a.txt"} {
			_, err := archiver.OpenArchive(name)
			assert.True(t, errors.Is(err, ErrValidation), "name=%q", name)
		}
	})

	t.Run("不存在", func(t *testing.T) {
		_, err := archiver.OpenArchive("oplog_missing.jsonl.gz")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestRetentionManager_ApplyPolicies(t *testing.T) {
	ctx := context.Background()
	now := baseTime

	t.Run("执行配置的策略", func(t *testing.T) {
		s := newTestStore(t)
		seed(t, s,
			loginEvent("alice", "10.0.0.1", StatusFailure, now.AddDate(0, 0, -10)),
			loginEvent("alice", "10.0.0.1", StatusSuccess, now.AddDate(0, 0, -10)),
			newEvent("bob", OpCreate, StatusSuccess, now.AddDate(0, 0, -400)),
		)
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		results, err := m.ApplyPolicies(ctx, RetentionConfig{Policies: []RetentionPolicy{
			{Name: "login_failures", RetentionDays: 7, Operation: "login", Status: "failure"},
			{RetentionDays: 365},
		}})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "login_failures", results[0].Policy)
		assert.Equal(t, int64(1), results[0].Deleted)
		assert.Equal(t, "365_days", results[1].Policy)
		assert.Equal(t, int64(1), results[1].Deleted)

		cleanup, err := s.Latest(ctx, Filter{OperationType: OpCleanup})
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		assert.Equal(t, "system", cleanup.Username())
	})

	t.Run("默认天数", func(t *testing.T) {
		s := newTestStore(t)
		seed(t, s, newEvent("bob", OpCreate, StatusSuccess, now.AddDate(0, 0, -200)))
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		results, err := m.ApplyPolicies(ctx, RetentionConfig{DefaultDays: 180})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "default", results[0].Policy)
		assert.Equal(t, int64(1), results[0].Deleted)
	})

	t.Run("非法策略", func(t *testing.T) {
		s := newTestStore(t)
		m := NewRetentionManager(s, WithRetentionClock(fixedClock(now)))
		_, err := m.ApplyPolicies(ctx, RetentionConfig{Policies: []RetentionPolicy{{RetentionDays: 7, Module: "warehouse"}}})
		assert.Equal(t, KindValidation, KindOf(err))
	})
}
