package approvals

// CreateApprovalRequest 创建审批请求入参
type CreateApprovalRequest struct {
	AgentID     string         `json:"agent_id" binding:"required"`
	Type        string         `json:"approval_type" binding:"required"`
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
	Options     []string       `json:"options"`
	Priority    string         `json:"priority"`
	// TimeoutSeconds 不传使用策略默认超时，负数表示永不过期
	TimeoutSeconds *int `json:"timeout_seconds"`
}

// DecisionRequest 审批/驳回入参
type DecisionRequest struct {
	DecidedBy string `json:"decided_by" binding:"required"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
}
