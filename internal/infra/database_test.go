package infra

import (
	"context"
	"path/filepath"
	"testing"

	"auditengine/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormLogger "gorm.io/gorm/logger"
)

func TestInitDatabase_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "oplog.db"),
		LogLevel: "silent",
	}
	db, err := InitDatabase(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	ctx := context.Background()
	assert.NoError(t, HealthCheck(ctx, db))
	require.NoError(t, CloseDatabase(db))
	assert.Error(t, HealthCheck(ctx, db), "关闭后健康检查失败")
}

func TestInitDatabase_UnknownDriver(t *testing.T) {
	_, err := InitDatabase(context.Background(), &config.DatabaseConfig{Driver: "mysql"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "不支持的数据库驱动")
}

func TestDatabaseHelpers(t *testing.T) {
	t.Run("sqlite DSN 追加 pragma", func(t *testing.T) {
		assert.Equal(t, "a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("a.db"))
		assert.Equal(t, "a.db?mode=ro", sqliteDSN("a.db?mode=ro"))
	})

	t.Run("日志级别", func(t *testing.T) {
		assert.Equal(t, gormLogger.Silent, parseGormLogLevel("SILENT"))
		assert.Equal(t, gormLogger.Info, parseGormLogLevel("info"))
		assert.Equal(t, gormLogger.Warn, parseGormLogLevel(""))
	})

	t.Run("空连接", func(t *testing.T) {
		assert.NoError(t, CloseDatabase(nil))
		assert.Error(t, HealthCheck(context.Background(), nil))
	})
}

func TestInitRedis_Disabled(t *testing.T) {
	rdb, err := InitRedis(context.Background(), &config.RedisConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.NoError(t, HealthCheckRedis(context.Background(), nil))
}
