package hitl

import (
	"context"

	"hitl/internal/logger"

	"go.uber.org/zap"
)

// ProduceFunc 产出物生成函数。feedback 为空表示首稿，
// 非空表示上一轮被驳回的理由，生成方应据此修订。
type ProduceFunc func(ctx context.Context, feedback string) (map[string]any, error)

// RevisionOptions 修订循环配置
type RevisionOptions struct {
	AgentID      string
	Type         ApprovalType
	Title        string
	Description  string
	Priority     Priority
	MaxRevisions int // 允许的修订次数（不含首稿），默认 2
	// TimeoutSeconds 每轮审批的决策超时，语义同 ApprovalInput
	TimeoutSeconds int
	// AutoApproveOnTimeout 等待超时时按自动通过处理
	AutoApproveOnTimeout bool
}

// RevisionResult 修订循环的最终结果
type RevisionResult struct {
	Approved   bool
	Revisions  int              // 实际执行的修订次数
	Request    *ApprovalRequest // 最后一轮的审批请求
	Artifact   map[string]any   // 最后一轮的产出物
	LastReason string           // 未通过时的最终理由
}

// RunRevisionLoop 带上限的"生成-审批-修订"循环。每一轮都会创建
// 全新的审批请求并阻塞等待裁决，已有请求永不复用：
//   - approved / auto_approved 立即成功返回；
//   - rejected 且修订次数未达上限，携带驳回理由重新生成再进入下一轮；
//   - rejected 达到上限、或等待以 timeout 收场，返回失败结果，
//     保留最后一版产出物与理由供上游兜底。
func RunRevisionLoop(ctx context.Context, mgr *Manager, opts RevisionOptions, produce ProduceFunc) (*RevisionResult, error) {
	log := logger.Get()
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = 2
	}

	feedback := ""
	revisions := 0

	for {
		artifact, err := produce(ctx, feedback)
		if err != nil {
			return nil, err
		}

		reqCtx := map[string]any{
			"artifact":       artifact,
			"revision_count": revisions,
		}
		if feedback != "" {
			reqCtx["human_feedback"] = feedback
		}

		req, err := mgr.RequestApproval(ctx, ApprovalInput{
			AgentID:        opts.AgentID,
			Type:           opts.Type,
			Title:          opts.Title,
			Description:    opts.Description,
			Context:        reqCtx,
			Priority:       opts.Priority,
			TimeoutSeconds: opts.TimeoutSeconds,
		})
		if err != nil {
			return nil, err
		}

		decided, err := mgr.WaitForApproval(ctx, req.RequestID, opts.AutoApproveOnTimeout)
		if err != nil {
			return nil, err
		}

		switch decided.Status {
		case StatusApproved, StatusAutoApproved:
			log.Info("修订循环通过",
				zap.String("requestId", decided.RequestID),
				zap.Int("revisions", revisions),
			)
			return &RevisionResult{
				Approved:  true,
				Revisions: revisions,
				Request:   decided,
				Artifact:  artifact,
			}, nil

		case StatusRejected:
			if revisions >= opts.MaxRevisions {
				log.Warn("修订次数已达上限",
					zap.String("requestId", decided.RequestID),
					zap.Int("maxRevisions", opts.MaxRevisions),
				)
				return &RevisionResult{
					Revisions:  revisions,
					Request:    decided,
					Artifact:   artifact,
					LastReason: decided.DecisionReason,
				}, nil
			}
			revisions++
			feedback = decided.DecisionReason
			log.Info("审批被驳回，进入修订",
				zap.String("requestId", decided.RequestID),
				zap.Int("revision", revisions),
				zap.String("feedback", feedback),
			)

		default:
			// timeout：不再修订，直接失败
			return &RevisionResult{
				Revisions:  revisions,
				Request:    decided,
				Artifact:   artifact,
				LastReason: decided.DecisionReason,
			}, nil
		}
	}
}
