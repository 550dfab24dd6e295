package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"auditengine/internal/metrics"

	"go.uber.org/zap"
)

// Recorder 协作方写入操作日志的入口，不阻塞、不向业务返回错误
type Recorder interface {
	Submit(ev NewEvent)
}

// RecordError 异步写入失败的事件
type RecordError struct {
	Event NewEvent
	Err   error
	At    time.Time
}

// ErrRecorderClosed 写入器已关闭
var ErrRecorderClosed = errors.New("audit: recorder closed")

// errQueueFull 写入队列已满
var errQueueFull = errors.New("audit: record queue full")

// RecorderConfig 异步写入配置
type RecorderConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AsyncRecorder 有界队列 + 固定 worker 的异步写入器
type AsyncRecorder struct {
	store  EventStore
	cfg    RecorderConfig
	logger *zap.Logger
	queue  chan NewEvent
	errs   chan RecordError
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder 创建并启动异步写入器
func NewAsyncRecorder(store EventStore, cfg RecorderConfig, logger *zap.Logger) *AsyncRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &AsyncRecorder{
		store:  store,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan NewEvent, cfg.QueueSize),
		errs:   make(chan RecordError, 64),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Submit 投递事件，队列满或已关闭时丢弃并上报
func (r *AsyncRecorder) Submit(ev NewEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(ev, ErrRecorderClosed, "closed")
		return
	}
	select {
	case r.queue <- ev:
		metrics.RecordQueueDepth.Set(float64(len(r.queue)))
	default:
		r.fail(ev, errQueueFull, "queue_full")
	}
}

// Errors 写入失败通道；未消费时新的错误会被丢弃，只保留日志和指标
func (r *AsyncRecorder) Errors() <-chan RecordError {
	return r.errs
}

// Close 停止接收并等待队列写完，ctx 超时后直接返回
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncRecorder) work() {
	defer r.wg.Done()
	for ev := range r.queue {
		metrics.RecordQueueDepth.Set(float64(len(r.queue)))
		r.write(ev)
	}
}

func (r *AsyncRecorder) write(n NewEvent) {
	ev, err := n.Build()
	if err != nil {
		r.fail(n, err, "validation")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if _, err := r.store.Record(ctx, ev); err != nil {
		reason := "storage"
		if KindOf(err) == KindValidation {
			reason = "validation"
		}
		r.fail(n, err, reason)
		return
	}
	metrics.RecordsTotal.WithLabelValues(string(ev.OperationModule), string(ev.Status)).Inc()
}

func (r *AsyncRecorder) fail(ev NewEvent, err error, reason string) {
	metrics.RecordErrorsTotal.WithLabelValues(reason).Inc()
	r.logger.Warn("操作日志写入失败",
		zap.String("reason", reason),
		zap.String("operation", ev.OperationType),
		zap.String("module", ev.OperationModule),
		zap.String("actor", ev.ActorUsername),
		zap.Error(err),
	)
	select {
	case r.errs <- RecordError{Event: ev, Err: err, At: time.Now()}:
	default:
	}
}
