package queue

import (
	"encoding/json"
	"testing"

	"auditengine/internal/config"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskBuilders(t *testing.T) {
	t.Run("留存清理任务", func(t *testing.T) {
		task, err := RetentionTask(tasks.RetentionCleanupPayload{Policies: []string{"query"}})
		require.NoError(t, err)
		assert.Equal(t, tasks.TypeRetentionCleanup, task.Type())

		var p tasks.RetentionCleanupPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		assert.Equal(t, []string{"query"}, p.Policies)
	})

	t.Run("异常扫描任务", func(t *testing.T) {
		task, err := AnomalyScanTask(tasks.AnomalyScanPayload{Types: []string{"LOGIN_ANOMALY"}})
		require.NoError(t, err)
		assert.Equal(t, tasks.TypeAnomalyScan, task.Type())
		assert.JSONEq(t, `{"types":["LOGIN_ANOMALY"]}`, string(task.Payload()))
	})
}

func TestRedisConnOpt(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.RedisConfig
		want any
	}{
		{"单节点", config.RedisConfig{Host: "localhost", Port: 6379}, asynq.RedisClientOpt{}},
		{"哨兵", config.RedisConfig{Mode: "sentinel", MasterName: "m", SentinelAddrs: []string{"s:26379"}}, asynq.RedisFailoverClientOpt{}},
		{"集群", config.RedisConfig{Mode: "cluster", ClusterAddrs: []string{"c:7000"}}, asynq.RedisClusterClientOpt{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.IsType(t, tc.want, RedisConnOpt(tc.cfg))
		})
	}
}
