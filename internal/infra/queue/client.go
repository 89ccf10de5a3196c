package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"hitl/internal/config"
	"hitl/internal/logger"
	"hitl/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueExecuteResearch(payload tasks.ExecuteResearchPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &asynqClient{
		client: client,
		logger: logger.Get(),
	}
}

func (c *asynqClient) EnqueueExecuteResearch(payload tasks.ExecuteResearchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeExecuteResearch, data)

	// 研究执行可能较长，不做队列级重试：失败由人工重新审批触发
	info, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute),
		asynq.Queue("research"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	c.logger.Info("研究任务已入队",
		zap.String("taskId", info.ID),
		zap.String("queue", info.Queue),
		zap.String("requestId", payload.RequestID),
	)
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
