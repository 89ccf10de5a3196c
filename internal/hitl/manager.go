package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hitl/internal/logger"
	"hitl/internal/metrics"

	"go.uber.org/zap"
)

var (
	// ErrNotFound 操作的审批请求不存在
	ErrNotFound = errors.New("审批请求不存在")
	// ErrReasonRequired 策略要求驳回必须填写理由
	ErrReasonRequired = errors.New("驳回审批必须填写理由")
)

// ApprovalHandler 状态变更回调。回调内部错误会被记录并隔离，
// 不会影响其他回调，也不会让触发它的裁决调用失败。
type ApprovalHandler func(ctx context.Context, req *ApprovalRequest) error

// ApprovalNotifier 新审批请求的通知出口（notification.Service 实现）
type ApprovalNotifier interface {
	SendApprovalNotification(ctx context.Context, req *ApprovalRequest)
}

// Broadcaster 审批状态的实时推送出口（notification.BroadcastHub 实现）
type Broadcaster interface {
	BroadcastApprovalUpdated(ctx context.Context, req *ApprovalRequest)
}

// ManagerOption 自定义配置
type ManagerOption func(*Manager)

// WithNotifier 注入通知服务
func WithNotifier(n ApprovalNotifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithBroadcaster 注入实时推送
func WithBroadcaster(b Broadcaster) ManagerOption {
	return func(m *Manager) { m.broadcaster = b }
}

// WithPollInterval 设置 WaitForApproval 轮询间隔
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithSweepInterval 设置过期扫描间隔
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithManagerLogger 注入自定义日志器
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager 人工审批编排核心。对外是唯一入口：创建请求、阻塞等待、
// 审批/驳回，内部运行过期扫描与事件监听两个后台循环。
type Manager struct {
	storage     *ApprovalStorage
	policy      HITLPolicy
	notifier    ApprovalNotifier
	broadcaster Broadcaster
	logger      *zap.Logger

	pollInterval  time.Duration
	sweepInterval time.Duration
	eventInterval time.Duration

	// 回调表只在启动前注册，运行期间只读
	handlers map[ApprovalStatus][]ApprovalHandler

	// 本进程刚裁决过的请求，事件循环据此去重，
	// 避免本地已广播的更新经 Pub/Sub 再推一次
	recentMu    sync.Mutex
	recentLocal map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建审批管理器
func NewManager(storage *ApprovalStorage, policy HITLPolicy, opts ...ManagerOption) *Manager {
	if policy.DefaultTimeout <= 0 {
		policy.DefaultTimeout = DefaultPolicy().DefaultTimeout
	}
	m := &Manager{
		storage:       storage,
		policy:        policy,
		logger:        logger.Get(),
		pollInterval:  time.Second,
		sweepInterval: time.Minute,
		eventInterval: 100 * time.Millisecond,
		handlers:      make(map[ApprovalStatus][]ApprovalHandler),
		recentLocal:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Policy 返回生效的审批策略
func (m *Manager) Policy() HITLPolicy {
	return m.policy
}

// RegisterHandler 注册状态变更回调。必须在 Start 之前完成注册，
// 回调表在并发流量开始后不再变化，因此读取无需加锁。
func (m *Manager) RegisterHandler(status ApprovalStatus, handler ApprovalHandler) {
	if handler == nil {
		return
	}
	m.handlers[status] = append(m.handlers[status], handler)
}

// Start 建立存储连接并启动后台循环
func (m *Manager) Start(ctx context.Context) error {
	if err := m.storage.Connect(ctx); err != nil {
		return err
	}

	channels := []string{ChannelCreated}
	for _, status := range TerminalStatuses() {
		channels = append(channels, StatusChannel(status))
	}
	if err := m.storage.Subscribe(ctx, channels...); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.sweepLoop(loopCtx)
	go m.eventLoop(loopCtx)

	m.logger.Info("HITL 管理器已启动",
		zap.Duration("sweepInterval", m.sweepInterval),
		zap.Duration("pollInterval", m.pollInterval),
	)
	return nil
}

// Shutdown 先停后台循环并等待退出，再释放存储连接，
// 避免循环迭代到一半访问已关闭的连接。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("等待后台循环退出超时")
	}

	err := m.storage.Close()
	m.logger.Info("HITL 管理器已关闭")
	return err
}

// ApprovalInput 创建审批请求的入参
type ApprovalInput struct {
	AgentID     string
	Type        ApprovalType
	Title       string
	Description string
	Context     map[string]any
	Options     []string // 为空时使用默认选项
	// TimeoutSeconds 决策超时：0 使用策略默认值，负数表示永不过期
	TimeoutSeconds int
	Priority       Priority // 为空时默认 medium
}

// RequestApproval 创建审批请求：持久化、登记索引、触发通知。
// 返回的请求此刻必然处于 pending 状态。
func (m *Manager) RequestApproval(ctx context.Context, input ApprovalInput) (*ApprovalRequest, error) {
	req := NewApprovalRequest(input.AgentID, input.Type, input.Title, input.Description, input.Context)
	if len(input.Options) > 0 {
		req.Options = input.Options
	}
	if input.Priority != "" {
		req.Priority = input.Priority
	}
	if input.TimeoutSeconds >= 0 {
		timeout := m.policy.DefaultTimeout
		if input.TimeoutSeconds > 0 {
			timeout = time.Duration(input.TimeoutSeconds) * time.Second
		}
		expiresAt := req.CreatedAt.Add(timeout)
		req.ExpiresAt = &expiresAt
	}

	if _, err := m.storage.Create(ctx, req); err != nil {
		return nil, err
	}
	m.markLocal(req.RequestID)
	metrics.ApprovalPendingGauge.WithLabelValues(req.AgentID).Inc()

	if m.notifier != nil {
		m.notifier.SendApprovalNotification(ctx, req)
	}

	m.logger.Info("审批请求已受理",
		zap.String("requestId", req.RequestID),
		zap.String("type", string(req.Type)),
		zap.String("priority", string(req.Priority)),
	)
	return req, nil
}

// WaitForApproval 阻塞等待裁决，固定间隔轮询存储直到状态离开 pending。
// 发现已过期时就地迁移：autoApproveOnTimeout 为 true 迁移到
// auto_approved，否则迁移到 timeout，decided_by 均为 system。
// 刻意采用轮询而非订阅唤醒：多个等待方与过期扫描对同一请求的竞争
// 由存储层的终态幂等保证安全，第二个写者只会观察到已有终态。
func (m *Manager) WaitForApproval(ctx context.Context, requestID string, autoApproveOnTimeout bool) (*ApprovalRequest, error) {
	for {
		req, err := m.storage.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}

		if req.Status != StatusPending {
			m.logger.Info("审批等待结束",
				zap.String("requestId", requestID),
				zap.String("status", string(req.Status)),
			)
			return req, nil
		}

		if req.Expired(time.Now().UTC()) {
			if autoApproveOnTimeout {
				m.resolveExpired(ctx, requestID, StatusAutoApproved, "auto_approve", "超时自动通过")
			} else {
				m.resolveExpired(ctx, requestID, StatusTimeout, "timeout", "审批请求超时未处理")
			}
			// 重新读取：即使本次迁移输给了并发写者，也能观察到终态
			final, err := m.storage.Get(ctx, requestID)
			if err != nil {
				return nil, err
			}
			if final == nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
			}
			return final, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Approve 审批通过
func (m *Manager) Approve(ctx context.Context, requestID, decidedBy, decision, reason string) (bool, error) {
	if decision == "" {
		decision = "approve"
	}
	ok, err := m.storage.UpdateStatus(ctx, requestID, StatusApproved, decidedBy, decision, reason)
	if err != nil || !ok {
		return ok, err
	}
	m.afterDecision(ctx, requestID, StatusApproved, "manual")
	return true, nil
}

// Reject 驳回。策略要求理由时先做校验，未触达存储即失败，
// 不会产生部分状态变更。
func (m *Manager) Reject(ctx context.Context, requestID, decidedBy, reason string) (bool, error) {
	if m.policy.RequireRejectionReason && reason == "" {
		return false, ErrReasonRequired
	}
	ok, err := m.storage.UpdateStatus(ctx, requestID, StatusRejected, decidedBy, "reject", reason)
	if err != nil || !ok {
		return ok, err
	}
	m.afterDecision(ctx, requestID, StatusRejected, "manual")
	return true, nil
}

// resolveExpired 等待方就地处理过期，迁移失败视为输给并发写者
func (m *Manager) resolveExpired(ctx context.Context, requestID string, status ApprovalStatus, decision, reason string) {
	ok, err := m.storage.UpdateStatus(ctx, requestID, status, "system", decision, reason)
	if err != nil {
		m.logger.Error("过期迁移失败", zap.String("requestId", requestID), zap.Error(err))
		return
	}
	if ok {
		m.afterDecision(ctx, requestID, status, "system")
	}
}

// afterDecision 裁决成功后的统一收尾：指标、回调分发、实时推送。
// 回调分发在调用方返回前同步完成，等待 Approve 返回的调用方可以
// 确认 BroadcastHub 已拿到这次更新。
func (m *Manager) afterDecision(ctx context.Context, requestID string, status ApprovalStatus, decisionType string) {
	m.markLocal(requestID)
	metrics.ApprovalDecisionsTotal.WithLabelValues(string(status), decisionType).Inc()

	req, err := m.storage.Get(ctx, requestID)
	if err != nil || req == nil {
		m.logger.Warn("裁决后读取请求失败", zap.String("requestId", requestID), zap.Error(err))
		return
	}

	metrics.ApprovalPendingGauge.WithLabelValues(req.AgentID).Dec()
	if req.DecidedAt != nil {
		metrics.ApprovalWaitDuration.WithLabelValues(string(req.Type)).
			Observe(req.DecidedAt.Sub(req.CreatedAt).Seconds())
	}

	m.dispatchHandlers(ctx, req)

	if m.broadcaster != nil {
		m.broadcaster.BroadcastApprovalUpdated(ctx, req)
	}
}

// dispatchHandlers 逐个执行已注册回调，单个回调的错误或 panic
// 只记录与计数，不阻断其余回调。
func (m *Manager) dispatchHandlers(ctx context.Context, req *ApprovalRequest) {
	for _, handler := range m.handlers[req.Status] {
		m.runHandler(ctx, req, handler)
	}
}

func (m *Manager) runHandler(ctx context.Context, req *ApprovalRequest, handler ApprovalHandler) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailuresTotal.WithLabelValues(string(req.Status)).Inc()
			m.logger.Error("审批回调 panic",
				zap.String("requestId", req.RequestID),
				zap.String("status", string(req.Status)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := handler(ctx, req); err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(string(req.Status)).Inc()
		m.logger.Error("审批回调执行失败",
			zap.String("requestId", req.RequestID),
			zap.String("status", string(req.Status)),
			zap.Error(err),
		)
	}
}

// sweepLoop 周期性扫描过期请求。存储层迁移本身不会触发回调，
// 由本循环补发 timeout 回调。
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := m.storage.SweepExpired(ctx)
			if err != nil {
				m.logger.Error("过期扫描失败", zap.Error(err))
				continue
			}
			for _, requestID := range expired {
				m.afterDecision(ctx, requestID, StatusTimeout, "system")
			}
		}
	}
}

// eventLoop 监听 Pub/Sub 事件，只处理其他进程产生的变更：
// created 事件补发通知，状态事件补发实时推送。本进程自己的
// 创建与裁决在调用点已同步处理过，凭 recentLocal 去重。
func (m *Manager) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.eventInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				event, ok := m.storage.NextEvent()
				if !ok {
					break
				}
				m.handleEvent(ctx, event)
			}
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, event *StorageEvent) {
	requestID, _ := event.Data["request_id"].(string)
	if requestID == "" {
		return
	}

	switch event.Channel {
	case ChannelCreated:
		// 本进程创建的请求已在 RequestApproval 中直接通知过
		if m.consumeLocal(requestID) {
			return
		}
		if m.notifier == nil {
			return
		}
		req, err := m.storage.Get(ctx, requestID)
		if err != nil || req == nil {
			return
		}
		m.notifier.SendApprovalNotification(ctx, req)
	default:
		if m.consumeLocal(requestID) {
			return
		}
		req, err := m.storage.Get(ctx, requestID)
		if err != nil || req == nil {
			return
		}
		if m.broadcaster != nil {
			m.broadcaster.BroadcastApprovalUpdated(ctx, req)
		}
	}
}

func (m *Manager) markLocal(requestID string) {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	now := time.Now()
	m.recentLocal[requestID] = now
	// 顺带清理超过 10 分钟的陈旧记录
	for id, ts := range m.recentLocal {
		if now.Sub(ts) > 10*time.Minute {
			delete(m.recentLocal, id)
		}
	}
}

func (m *Manager) consumeLocal(requestID string) bool {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	if _, ok := m.recentLocal[requestID]; ok {
		delete(m.recentLocal, requestID)
		return true
	}
	return false
}

// ListPending 查询待审批请求
func (m *Manager) ListPending(ctx context.Context, filter ListFilter) ([]*ApprovalRequest, error) {
	return m.storage.ListByStatus(ctx, StatusPending, filter)
}

// ListByStatus 按状态查询审批请求
func (m *Manager) ListByStatus(ctx context.Context, status ApprovalStatus, filter ListFilter) ([]*ApprovalRequest, error) {
	return m.storage.ListByStatus(ctx, status, filter)
}

// Get 查询单条审批请求，不存在时返回 ErrNotFound
func (m *Manager) Get(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	req, err := m.storage.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return req, nil
}

// Notify 对仍处于 pending 的请求重新触发一次通知
func (m *Manager) Notify(ctx context.Context, requestID string) error {
	req, err := m.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return fmt.Errorf("审批请求已处理: %s", requestID)
	}
	if m.notifier != nil {
		m.notifier.SendApprovalNotification(ctx, req)
	}
	return nil
}
