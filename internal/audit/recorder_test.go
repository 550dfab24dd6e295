package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore 首次写入时阻塞，直到 release 关闭
type blockingStore struct {
	EventStore
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) Record(ctx context.Context, ev *AuditEvent) (uint64, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.EventStore.Record(ctx, ev)
}

// stuckStore 写入一直阻塞到 release 关闭
type stuckStore struct {
	EventStore
	started chan struct{}
	release chan struct{}
}

func (s *stuckStore) Record(context.Context, *AuditEvent) (uint64, error) {
	s.started <- struct{}{}
	<-s.release
	return 1, nil
}

func nextError(t *testing.T, r *AsyncRecorder) RecordError {
	t.Helper()
	select {
	case e := <-r.Errors():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("等待写入错误超时")
		return RecordError{}
	}
}

func TestAsyncRecorder(t *testing.T) {
	t.Run("关闭前写完队列", func(t *testing.T) {
		s := newTestStore(t)
		r := NewAsyncRecorder(s, RecorderConfig{QueueSize: 64, Workers: 3}, nil)
		for i := 0; i < 20; i++ {
			r.Submit(NewEvent{
				ActorUsername:   "alice",
				OperationType:   "create",
				OperationModule: "users",
				Description:     "新增用户",
				RequestData:     map[string]any{"seq": i},
			})
		}
		require.NoError(t, r.Close(context.Background()))

		sum, err := s.Summarize(context.Background(), Filter{Module: ModuleUser, OperationType: OpCreate})
		require.NoError(t, err)
		assert.Equal(t, int64(20), sum.Total)
	})

	t.Run("非法事件上报校验错误", func(t *testing.T) {
		s := newTestStore(t)
		r := NewAsyncRecorder(s, RecorderConfig{}, nil)
		defer r.Close(context.Background())

		r.Submit(NewEvent{OperationType: "login", Status: "DONE"})
		e := nextError(t, r)
		assert.Equal(t, KindValidation, KindOf(e.Err))
		assert.Equal(t, "DONE", e.Event.Status)
	})

	t.Run("队列满时丢弃", func(t *testing.T) {
		bs := &blockingStore{
			EventStore: newTestStore(t),
			started:    make(chan struct{}, 1),
			release:    make(chan struct{}),
		}
		r := NewAsyncRecorder(bs, RecorderConfig{QueueSize: 1, Workers: 1}, nil)

		r.Submit(NewEvent{Description: "first"})
		<-bs.started
		r.Submit(NewEvent{Description: "second"})
		r.Submit(NewEvent{Description: "third"})

		e := nextError(t, r)
		assert.True(t, errors.Is(e.Err, errQueueFull))
		assert.Equal(t, "third", e.Event.Description)

		close(bs.release)
		require.NoError(t, r.Close(context.Background()))
		sum, err := bs.Summarize(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), sum.Total)
	})

	t.Run("关闭后提交返回错误", func(t *testing.T) {
		s := newTestStore(t)
		r := NewAsyncRecorder(s, RecorderConfig{}, nil)
		require.NoError(t, r.Close(context.Background()))
		require.NoError(t, r.Close(context.Background()), "重复关闭无副作用")

		r.Submit(NewEvent{Description: "late"})
		e := nextError(t, r)
		assert.ErrorIs(t, e.Err, ErrRecorderClosed)
	})

	t.Run("关闭超时", func(t *testing.T) {
		bs := &stuckStore{started: make(chan struct{}, 1), release: make(chan struct{})}
		r := NewAsyncRecorder(bs, RecorderConfig{Workers: 1}, nil)
		r.Submit(NewEvent{Description: "stuck"})
		<-bs.started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
		close(bs.release)
	})
}
