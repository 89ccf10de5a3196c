package queue

import (
	"strconv"
	"testing"

	"hitl/internal/config"
	"hitl/internal/worker/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueExecuteResearch(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client := NewClient(config.RedisConfig{Host: mr.Host(), Port: port})
	t.Cleanup(func() { _ = client.Close() })

	err = client.EnqueueExecuteResearch(tasks.ExecuteResearchPayload{
		RequestID: "req-1",
		TaskID:    "task-9",
		Topic:     "量子计算进展",
	})
	require.NoError(t, err)

	// 任务应落入 research 队列
	found := false
	for _, key := range mr.Keys() {
		if key == "asynq:{research}:pending" {
			found = true
		}
	}
	assert.True(t, found, "research 队列中应有待处理任务")
}
