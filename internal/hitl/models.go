package hitl

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalType 审批类型，仅用于索引和筛选，不参与控制流。
type ApprovalType string

const (
	TypeCriticalDecision ApprovalType = "critical_decision" // 重大决策
	TypeDataValidation   ApprovalType = "data_validation"   // 数据校验
	TypeFinalReport      ApprovalType = "final_report"      // 最终报告
	TypeBudgetApproval   ApprovalType = "budget_approval"   // 预算审批
	TypeSafetyCheck      ApprovalType = "safety_check"      // 安全检查
)

// ApprovalStatus 审批状态。pending 为初始态，其余四个均为终态，
// 状态一旦离开 pending 不可回退。
type ApprovalStatus string

const (
	StatusPending      ApprovalStatus = "pending"
	StatusApproved     ApprovalStatus = "approved"
	StatusRejected     ApprovalStatus = "rejected"
	StatusTimeout      ApprovalStatus = "timeout"
	StatusAutoApproved ApprovalStatus = "auto_approved"
)

// IsTerminal 判断是否为终态
func (s ApprovalStatus) IsTerminal() bool {
	return s != StatusPending && s != ""
}

// TerminalStatuses 全部终态，事件订阅等场景使用
func TerminalStatuses() []ApprovalStatus {
	return []ApprovalStatus{StatusApproved, StatusRejected, StatusTimeout, StatusAutoApproved}
}

// Priority 优先级，仅用于选择通知渠道，不改变处理顺序。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank 返回排序权重，critical 最小（排最前）
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ApprovalRequest 审批请求
type ApprovalRequest struct {
	RequestID  string       `json:"request_id"`
	TaskID     string       `json:"task_id"`
	AgentID    string       `json:"agent_id"`
	Type       ApprovalType `json:"approval_type"`

	// 审批内容
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
	Options     []string       `json:"options"`

	// 元数据
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil 表示永不过期，必须显式裁决
	Priority  Priority   `json:"priority"`

	// 裁决结果，随状态迁移一次性写入
	Status         ApprovalStatus `json:"status"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	Decision       string         `json:"decision,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
}

// NewApprovalRequest 构造一条 pending 状态的审批请求。
// 所有进入系统的请求都必须经由该构造函数与 ApprovalStorage.Create，
// 保证核心只会对完整持久化过的实体做裁决分发。
func NewApprovalRequest(agentID string, approvalType ApprovalType, title, description string, context map[string]any) *ApprovalRequest {
	taskID := "unknown"
	if context != nil {
		if v, ok := context["task_id"].(string); ok && v != "" {
			taskID = v
		}
	}
	return &ApprovalRequest{
		RequestID:   uuid.New().String(),
		TaskID:      taskID,
		AgentID:     agentID,
		Type:        approvalType,
		Title:       title,
		Description: description,
		Context:     context,
		Options:     []string{"approve", "reject"},
		CreatedAt:   time.Now().UTC(),
		Priority:    PriorityMedium,
		Status:      StatusPending,
	}
}

// Expired 判断请求在 now 时刻是否已过期
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// HITLPolicy 审批策略，生命周期与 Manager 绑定，构造后不再变化。
type HITLPolicy struct {
	DefaultTimeout         time.Duration  // 默认决策超时
	RequireRejectionReason bool           // 驳回是否必须填写理由
	AllowDelegation        bool           // 是否允许转交其他审批人
	NotificationChannels   []string       // 默认启用的通知渠道
	EscalationRules        map[string]any // 升级规则，核心不解释
}

// DefaultPolicy 返回与原系统一致的默认策略
func DefaultPolicy() HITLPolicy {
	return HITLPolicy{
		DefaultTimeout:         5 * time.Minute,
		RequireRejectionReason: true,
		AllowDelegation:        false,
		NotificationChannels:   []string{"websocket", "webhook"},
		EscalationRules:        map[string]any{},
	}
}
