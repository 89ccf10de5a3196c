package tasks

// 任务类型
const (
	// TypeExecuteResearch 审批通过后的深度研究执行任务
	TypeExecuteResearch = "research:execute"
)

// ExecuteResearchPayload 研究执行任务负载
type ExecuteResearchPayload struct {
	RequestID string         `json:"request_id"` // 触发本任务的审批请求
	TaskID    string         `json:"task_id"`
	Topic     string         `json:"topic"`
	Context   map[string]any `json:"context,omitempty"` // 审批请求携带的上下文（含产出物）
}
