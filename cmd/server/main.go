package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"auditengine/api"
	"auditengine/api/handlers/oplog"
	"auditengine/internal/audit"
	"auditengine/internal/auth"
	"auditengine/internal/config"
	"auditengine/internal/geo"
	"auditengine/internal/infra"
	"auditengine/internal/infra/queue"
	"auditengine/internal/logger"
	"auditengine/internal/metrics"
	"auditengine/internal/middleware"
	"auditengine/internal/worker"
	"auditengine/internal/worker/handlers"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

// app 运行期组件，关闭时按依赖逆序释放
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	redis    redis.UniversalClient
	geo      *geo.MaxMindResolver
	recorder *audit.AsyncRecorder
	tasks    queue.Client
	worker   *worker.Server
	limiter  *middleware.RateLimiter
	server   *http.Server
}

// @title Operation Log Audit API
// @version 1.0
// @description 操作日志审计服务
// @BasePath /api/audit
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认按 APP_ENV 查找 config/<env>.yaml")
	flag.Parse()

	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	cfg, err := config.Load(env, *configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
		zap.String("version", version),
	)
	metrics.RecordBuildInfo(version, runtime.Version())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, log: log}
	if err := a.init(ctx); err != nil {
		a.close()
		log.Fatal("初始化失败", zap.Error(err))
	}

	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.shutdown()
}

// init 按依赖顺序初始化各组件
func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	db, err := infra.InitDatabase(ctx, &cfg.Database, a.log)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	a.db = db

	store := audit.NewGormStore(db,
		audit.WithStoreLogger(a.log.Named("store")),
		audit.WithMaxSnapshotBytes(cfg.Audit.MaxSnapshotBytes),
	)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	} else {
		a.log.Info("跳过自动迁移（配置已禁用）")
	}

	if a.redis, err = infra.InitRedis(ctx, &cfg.Redis, a.log); err != nil {
		return fmt.Errorf("初始化 Redis 失败: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Audit.Statistics.Timezone)
	if err != nil {
		return fmt.Errorf("无效的统计时区 %q: %w", cfg.Audit.Statistics.Timezone, err)
	}

	var statsOpts []audit.StatisticsOption
	var detectorOpts []audit.DetectorOption
	statsOpts = append(statsOpts, audit.WithStatisticsLogger(a.log.Named("statistics")))
	detectorOpts = append(detectorOpts, audit.WithDetectorLogger(a.log.Named("detector")))
	if cfg.Geo.Enabled {
		if a.geo, err = geo.Open(cfg.Geo.DatabasePath); err != nil {
			return err
		}
		resolver := geo.NewBoundedResolver(a.geo, cfg.Geo, a.log.Named("geo"))
		statsOpts = append(statsOpts, audit.WithLocationResolver(resolver))
		detectorOpts = append(detectorOpts, audit.WithDetectorLocationResolver(resolver))
	}
	if a.redis != nil {
		statsOpts = append(statsOpts, audit.WithStatsCache(audit.NewRedisStatsCache(a.redis, "oplog:stats:")))
	}

	var archiver *audit.Archiver
	retentionOpts := []audit.RetentionOption{audit.WithRetentionLogger(a.log.Named("retention"))}
	if cfg.Audit.Retention.Archive.Enabled {
		archiver = audit.NewArchiver(cfg.Audit.Retention.Archive)
		retentionOpts = append(retentionOpts, audit.WithArchiver(archiver))
	}

	query := audit.NewQueryService(store, cfg.Audit.Query, a.log.Named("query"))
	detector := audit.NewDetector(store, detectorOpts...)
	retention := audit.NewRetentionManager(store, retentionOpts...)

	a.recorder = audit.NewAsyncRecorder(store, cfg.Audit.Recorder, a.log.Named("recorder"))
	go a.drainRecordErrors(ctx)

	if cfg.Worker.Enabled {
		a.tasks = queue.NewClient(cfg.Redis)
		a.worker, err = worker.NewServer(
			cfg.Redis,
			cfg.Worker,
			handlers.NewRetentionHandler(retention, cfg.Audit.Retention, a.log.Named("task")),
			handlers.NewAnomalyScanHandler(detector, cfg.Audit.Detector, a.log.Named("task")),
			a.log.Named("worker"),
		)
		if err != nil {
			return fmt.Errorf("初始化 Worker 失败: %w", err)
		}
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("启动 Worker 失败: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	go metrics.NewSystemCollector(sqlDB).Run(ctx)

	a.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit)
	go a.limiter.RunCleanup(ctx.Done())

	h := oplog.NewHandler(oplog.Services{
		Store:         store,
		Query:         query,
		Statistics:    audit.NewStatisticsService(store, cfg.Audit.Statistics, statsOpts...),
		Detector:      detector,
		DetectorCfg:   cfg.Audit.Detector,
		Retention:     retention,
		Archiver:      archiver,
		Corrections:   audit.NewCorrectionService(store),
		Exporter:      audit.NewExporter(query),
		Tasks:         a.tasks,
		MaxExportRows: cfg.Audit.MaxExportRows,
		Location:      loc,
	}, a.log.Named("oplog"))

	gin.SetMode(cfg.Server.Mode)
	router := api.NewRouter(api.Dependencies{
		Config:   cfg,
		DB:       db,
		Redis:    a.redis,
		JWT:      auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, a.redis),
		Logger:   a.log.Named("http"),
		Recorder: a.recorder,
		Oplog:    h,
		Limiter:  a.limiter,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return nil
}

// drainRecordErrors 消费异步写入失败，避免通道写满后静默丢弃
func (a *app) drainRecordErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.recorder.Errors():
			a.log.Error("操作日志丢失",
				zap.String("operation", e.Event.OperationType),
				zap.String("module", e.Event.OperationModule),
				zap.String("actor", e.Event.ActorUsername),
				zap.Time("at", e.At),
				zap.Error(e.Err),
			)
		}
	}
}

// shutdown 先停止接收请求，再等待异步写入落库
func (a *app) shutdown() {
	a.log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("服务器关闭异常", zap.Error(err))
	}
	if a.recorder != nil {
		if err := a.recorder.Close(ctx); err != nil {
			a.log.Error("操作日志写入器关闭超时", zap.Error(err))
		}
	}
	a.close()
	a.log.Info("服务器已安全关闭")
}

// close 释放外部资源，可在初始化失败时调用
func (a *app) close() {
	if a.worker != nil {
		a.worker.Shutdown()
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			a.log.Warn("任务队列客户端关闭异常", zap.Error(err))
		}
	}
	if a.geo != nil {
		_ = a.geo.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Redis 关闭异常", zap.Error(err))
		}
	}
	if err := infra.CloseDatabase(a.db); err != nil {
		a.log.Error("数据库关闭异常", zap.Error(err))
	}
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		}
	}
}

// resolveEnvPath 从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 4; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			path := filepath.Join(dir, ".env")
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				candidates = append(candidates, path)
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}
	return candidates
}
