package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hitl/internal/notification"
	"hitl/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// 研究执行阶段，进度值经 hub 广播给前端展示
var researchStages = []struct {
	Stage    string
	Progress int
}{
	{"planning", 10},
	{"collecting", 40},
	{"analyzing", 70},
	{"writing", 90},
}

// ResearchHandler 审批通过后的研究执行处理器。实际的检索与生成
// 由上游智能体完成并放进审批上下文，这里负责落盘与全程播报。
type ResearchHandler struct {
	hub       *notification.BroadcastHub
	reportDir string
	logger    *zap.Logger
}

// NewResearchHandler 创建研究执行处理器
func NewResearchHandler(hub *notification.BroadcastHub, reportDir string, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{
		hub:       hub,
		reportDir: reportDir,
		logger:    logger,
	}
}

// HandleExecuteResearch 执行研究任务：广播启动与阶段进度，
// 将审批通过的产出物写成报告文件，最后广播完成事件。
func (h *ResearchHandler) HandleExecuteResearch(ctx context.Context, task *asynq.Task) error {
	var payload tasks.ExecuteResearchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload failed: %w", err)
	}

	h.logger.Info("研究任务开始执行",
		zap.String("taskId", payload.TaskID),
		zap.String("requestId", payload.RequestID),
	)
	h.hub.BroadcastResearchStarted(ctx, payload.TaskID, payload.Topic)

	for _, stage := range researchStages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.hub.BroadcastResearchProgress(ctx, payload.TaskID, stage.Stage, stage.Progress)
	}

	reportPath, err := h.writeReport(&payload)
	if err != nil {
		h.logger.Error("报告落盘失败", zap.String("taskId", payload.TaskID), zap.Error(err))
		return err
	}

	h.hub.BroadcastResearchCompleted(ctx, payload.TaskID, reportPath)
	h.logger.Info("研究任务执行完成",
		zap.String("taskId", payload.TaskID),
		zap.String("reportPath", reportPath),
	)
	return nil
}

func (h *ResearchHandler) writeReport(payload *tasks.ExecuteResearchPayload) (string, error) {
	if err := os.MkdirAll(h.reportDir, 0o755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	var body string
	if artifact, ok := payload.Context["artifact"]; ok {
		if text, ok := artifact.(string); ok {
			body = text
		} else {
			data, err := json.MarshalIndent(artifact, "", "  ")
			if err != nil {
				return "", fmt.Errorf("序列化产出物失败: %w", err)
			}
			body = "```json\n" + string(data) + "\n```"
		}
	}

	content := fmt.Sprintf("# %s\n\n- 任务: %s\n- 审批请求: %s\n- 生成时间: %s\n\n%s\n",
		payload.Topic,
		payload.TaskID,
		payload.RequestID,
		time.Now().UTC().Format(time.RFC3339),
		body,
	)

	reportPath := filepath.Join(h.reportDir, fmt.Sprintf("%s.md", payload.TaskID))
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("写入报告失败: %w", err)
	}
	return reportPath, nil
}
