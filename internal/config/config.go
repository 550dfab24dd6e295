package config

import (
	"fmt"
	"strings"
	"time"

	"auditengine/internal/audit"
	"auditengine/internal/middleware"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`          // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒

	// 写入与导出接口的限流
	RateLimit middleware.RateLimiterConfig `mapstructure:"rate_limit"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: postgres, sqlite(纯 Go), sqlite3(cgo)
	Driver string `mapstructure:"driver"`
	// sqlite 文件路径；postgres 设置后优先于 host 等字段
	DSN string `mapstructure:"dsn"`

	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
	LogLevel        string `mapstructure:"log_level"`         // silent, error, warn, info
	SlowThreshold   int    `mapstructure:"slow_threshold_ms"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode    string `mapstructure:"mode"`
	Enabled bool   `mapstructure:"enabled"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuthConfig JWT 校验配置，令牌由上游认证服务签发
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`

	// 跳过认证的路径前缀
	PublicPaths []string `mapstructure:"public_paths"`
}

// GeoConfig IP 归属地查询配置
type GeoConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DatabasePath string        `mapstructure:"database_path"` // GeoLite2-City.mmdb
	Timeout      time.Duration `mapstructure:"timeout"`

	// 熔断：连续失败次数达到阈值后打开，OpenTimeout 后半开重试
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// WorkerConfig 定时任务配置
type WorkerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Concurrency     int    `mapstructure:"concurrency"`
	RetentionCron   string `mapstructure:"retention_cron"`
	AnomalyScanCron string `mapstructure:"anomaly_scan_cron"`
}

// AuditConfig 审计引擎配置
type AuditConfig struct {
	Query            audit.QueryConfig      `mapstructure:"query"`
	MaxSnapshotBytes int                    `mapstructure:"max_snapshot_bytes"`
	Statistics       audit.StatisticsConfig `mapstructure:"statistics"`
	Detector         audit.DetectorConfig   `mapstructure:"detector"`
	RulesFile        string                 `mapstructure:"rules_file"` // 设置后覆盖 detector
	Retention        audit.RetentionConfig  `mapstructure:"retention"`
	Recorder         audit.RecorderConfig   `mapstructure:"recorder"`
	Middleware       AuditMiddlewareConfig  `mapstructure:"middleware"`
	MaxExportRows    int                    `mapstructure:"max_export_rows"`
}

// AuditMiddlewareConfig 请求审计中间件配置
type AuditMiddlewareConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	SkipPaths     []string `mapstructure:"skip_paths"`
	RecordQueries bool     `mapstructure:"record_queries"`
}

// setDefaults 未在配置文件中出现的字段使用的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.rate_limit.requests_per_second", 50)
	v.SetDefault("server.rate_limit.burst_size", 100)
	v.SetDefault("server.rate_limit.idle_timeout", "10m")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold_ms", 200)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("geo.timeout", "200ms")
	v.SetDefault("geo.failure_threshold", 5)
	v.SetDefault("geo.open_timeout", "30s")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.retention_cron", "0 3 * * *")
	v.SetDefault("worker.anomaly_scan_cron", "*/15 * * * *")

	v.SetDefault("audit.query.default_page_size", 20)
	v.SetDefault("audit.query.max_page_size", 1000)
	v.SetDefault("audit.max_snapshot_bytes", 64*1024)
	v.SetDefault("audit.statistics.default_window_days", 90)
	v.SetDefault("audit.statistics.max_window_days", 366)
	v.SetDefault("audit.statistics.timezone", "UTC")
	v.SetDefault("audit.statistics.cache_ttl", "1m")
	v.SetDefault("audit.statistics.top_limit", 10)
	v.SetDefault("audit.retention.default_days", 180)
	v.SetDefault("audit.retention.archive.path", "./archives/operation_logs")
	v.SetDefault("audit.retention.archive.compress_level", 6)
	v.SetDefault("audit.recorder.queue_size", 1024)
	v.SetDefault("audit.recorder.workers", 4)
	v.SetDefault("audit.recorder.write_timeout", "5s")
	v.SetDefault("audit.middleware.enabled", true)
	v.SetDefault("audit.middleware.skip_paths", []string{"/health", "/metrics"})
	v.SetDefault("audit.max_export_rows", 100000)
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.resolveDetector(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveDetector rules_file 存在时以文件内容为准
func (c *Config) resolveDetector() error {
	if c.Audit.RulesFile == "" {
		return nil
	}
	rules, err := audit.LoadDetectorRules(c.Audit.RulesFile)
	if err != nil {
		return fmt.Errorf("加载检测规则 %s 失败: %w", c.Audit.RulesFile, err)
	}
	c.Audit.Detector = rules
	return nil
}

// Validate 校验启动必需的配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s (可选: postgres, sqlite, sqlite3)", c.Database.Driver)
	}
	if c.Database.Driver != "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("%s 驱动需要配置 database.dsn", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("未配置 auth.jwt_secret")
	}
	if c.Geo.Enabled && c.Geo.DatabasePath == "" {
		return fmt.Errorf("启用 geo 时需要配置 geo.database_path")
	}
	if c.Worker.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("定时任务依赖 Redis，请启用 redis.enabled")
	}
	return nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
