package approvals

import (
	"errors"
	"net/http"
	"strconv"

	"hitl/api/handlers/common"
	"hitl/internal/hitl"
	"hitl/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 审批请求的 REST 处理器
type Handler struct {
	manager *hitl.Manager
	logger  *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(manager *hitl.Manager) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger.Get(),
	}
}

// Create 创建审批请求
// POST /api/approvals
func (h *Handler) Create(c *gin.Context) {
	var req CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "参数错误: " + err.Error()})
		return
	}

	input := hitl.ApprovalInput{
		AgentID:     req.AgentID,
		Type:        hitl.ApprovalType(req.Type),
		Title:       req.Title,
		Description: req.Description,
		Context:     req.Context,
		Options:     req.Options,
		Priority:    hitl.Priority(req.Priority),
	}
	if req.TimeoutSeconds != nil {
		input.TimeoutSeconds = *req.TimeoutSeconds
	}

	created, err := h.manager.RequestApproval(c.Request.Context(), input)
	if err != nil {
		h.logger.Error("创建审批请求失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "创建审批请求失败"})
		return
	}

	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: created})
}

// List 按状态查询审批请求，默认 pending
// GET /api/approvals?status=&agent_id=&approval_type=&limit=
func (h *Handler) List(c *gin.Context) {
	status := hitl.ApprovalStatus(c.DefaultQuery("status", string(hitl.StatusPending)))

	filter := hitl.ListFilter{
		AgentID: c.Query("agent_id"),
		Type:    hitl.ApprovalType(c.Query("approval_type")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "limit 参数错误"})
			return
		}
		filter.Limit = limit
	}

	list, err := h.manager.ListByStatus(c.Request.Context(), status, filter)
	if err != nil {
		h.logger.Error("查询审批列表失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "查询审批列表失败"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data:    common.ListResponse{Items: list, Count: len(list)},
	})
}

// ListPending 查询待审批请求，按（优先级、创建时间）排序
// GET /api/approvals/pending
func (h *Handler) ListPending(c *gin.Context) {
	filter := hitl.ListFilter{
		AgentID: c.Query("agent_id"),
		Type:    hitl.ApprovalType(c.Query("approval_type")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "limit 参数错误"})
			return
		}
		filter.Limit = limit
	}

	list, err := h.manager.ListPending(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("查询待审批列表失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "查询待审批列表失败"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data:    common.ListResponse{Items: list, Count: len(list)},
	})
}

// Get 查询单条审批请求
// GET /api/approvals/:id
func (h *Handler) Get(c *gin.Context) {
	req, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "审批请求不存在"})
			return
		}
		h.logger.Error("查询审批请求失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "查询审批请求失败"})
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: req})
}

// Approve 审批通过
// POST /api/approvals/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "参数错误: " + err.Error()})
		return
	}

	requestID := c.Param("id")
	ok, err := h.manager.Approve(c.Request.Context(), requestID, body.DecidedBy, body.Decision, body.Reason)
	if err != nil {
		h.logger.Error("审批操作失败", zap.String("requestId", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "审批操作失败"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, common.ErrorResponse{Message: "审批请求不存在或已处理"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Message: "已通过"})
}

// Reject 驳回
// POST /api/approvals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "参数错误: " + err.Error()})
		return
	}

	requestID := c.Param("id")
	ok, err := h.manager.Reject(c.Request.Context(), requestID, body.DecidedBy, body.Reason)
	if err != nil {
		if errors.Is(err, hitl.ErrReasonRequired) {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "驳回必须填写理由"})
			return
		}
		h.logger.Error("驳回操作失败", zap.String("requestId", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "驳回操作失败"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, common.ErrorResponse{Message: "审批请求不存在或已处理"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Message: "已驳回"})
}

// Notify 对待审批请求重新触发通知
// POST /api/approvals/:id/notify
func (h *Handler) Notify(c *gin.Context) {
	requestID := c.Param("id")
	if err := h.manager.Notify(c.Request.Context(), requestID); err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "审批请求不存在"})
			return
		}
		c.JSON(http.StatusConflict, common.ErrorResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Message: "通知已重新发送"})
}
