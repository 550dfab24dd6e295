package worker

import (
	"context"
	"fmt"
	"time"

	"auditengine/internal/config"
	"auditengine/internal/infra/queue"
	"auditengine/internal/worker/handlers"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 后台任务服务，包含任务消费与定时调度
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

func NewServer(
	redisCfg config.RedisConfig,
	workerCfg config.WorkerConfig,
	retention *handlers.RetentionHandler,
	scan *handlers.AnomalyScanHandler,
	logger *zap.Logger,
) (*Server, error) {
	connOpt := queue.RedisConnOpt(redisCfg)
	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	srv := asynq.NewServer(connOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueDetection:   6,
			tasks.QueueMaintenance: 3,
			"default":              1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("任务执行失败",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRetentionCleanup, retention.HandleRetentionCleanup)
	mux.HandleFunc(tasks.TypeAnomalyScan, scan.HandleAnomalyScan)

	scheduler := asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if err := register(scheduler, workerCfg, logger); err != nil {
		return nil, err
	}

	return &Server{server: srv, scheduler: scheduler, mux: mux, logger: logger}, nil
}

func register(s *asynq.Scheduler, cfg config.WorkerConfig, logger *zap.Logger) error {
	if cfg.RetentionCron != "" {
		task, err := queue.RetentionTask(tasks.RetentionCleanupPayload{})
		if err != nil {
			return err
		}
		if _, err := s.Register(cfg.RetentionCron, task); err != nil {
			return fmt.Errorf("注册留存清理定时任务失败: %w", err)
		}
		logger.Info("已注册留存清理定时任务", zap.String("cron", cfg.RetentionCron))
	}
	if cfg.AnomalyScanCron != "" {
		task, err := queue.AnomalyScanTask(tasks.AnomalyScanPayload{})
		if err != nil {
			return err
		}
		if _, err := s.Register(cfg.AnomalyScanCron, task); err != nil {
			return fmt.Errorf("注册异常扫描定时任务失败: %w", err)
		}
		logger.Info("已注册异常扫描定时任务", zap.String("cron", cfg.AnomalyScanCron))
	}
	return nil
}

// Start 非阻塞启动消费者与调度器
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return err
	}
	return nil
}

// Shutdown 停止调度器与消费者
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
