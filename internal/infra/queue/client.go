package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auditengine/internal/config"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueRetentionCleanup(ctx context.Context, payload tasks.RetentionCleanupPayload) (string, error)
	EnqueueAnomalyScan(ctx context.Context, payload tasks.AnomalyScanPayload) (string, error)
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// RedisConnOpt 按 Redis 部署模式构造 asynq 连接参数
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	return &asynqClient{client: asynq.NewClient(RedisConnOpt(cfg))}
}

// RetentionTask 构造留存清理任务，一小时内重复提交只保留一个
func RetentionTask(payload tasks.RetentionCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(tasks.TypeRetentionCleanup, data,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Queue(tasks.QueueMaintenance),
		asynq.Unique(time.Hour),
	), nil
}

// AnomalyScanTask 构造异常扫描任务
func AnomalyScanTask(payload tasks.AnomalyScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	// 扫描结果只反映当下，失败后不重试，等待下一轮
	return asynq.NewTask(tasks.TypeAnomalyScan, data,
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(tasks.QueueDetection),
	), nil
}

func (c *asynqClient) EnqueueRetentionCleanup(ctx context.Context, payload tasks.RetentionCleanupPayload) (string, error) {
	task, err := RetentionTask(payload)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) EnqueueAnomalyScan(ctx context.Context, payload tasks.AnomalyScanPayload) (string, error) {
	task, err := AnomalyScanTask(payload)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
