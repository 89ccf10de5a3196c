package hitl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*ApprovalRequest
}

func (f *fakeNotifier) SendApprovalNotification(_ context.Context, req *ApprovalRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storage := NewApprovalStorage(nil,
		WithRedisClient(client),
		WithStorageLogger(zap.NewNop()),
	)
	t.Cleanup(func() { _ = storage.Close() })

	base := []ManagerOption{
		WithPollInterval(10 * time.Millisecond),
		WithManagerLogger(zap.NewNop()),
	}
	mgr := NewManager(storage, DefaultPolicy(), append(base, opts...)...)
	return mgr, mr
}

func TestRequestApprovalDefaults(t *testing.T) {
	notifier := &fakeNotifier{}
	mgr, _ := newTestManager(t, WithNotifier(notifier))
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID:     "research-agent",
		Type:        TypeFinalReport,
		Title:       "发布研究报告",
		Description: "请人工确认",
		Context:     map[string]any{"task_id": "task-7"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "task-7", req.TaskID)
	assert.Equal(t, PriorityMedium, req.Priority)
	assert.Equal(t, []string{"approve", "reject"}, req.Options)
	require.NotNil(t, req.ExpiresAt)
	assert.WithinDuration(t, req.CreatedAt.Add(5*time.Minute), *req.ExpiresAt, time.Second)
	assert.Equal(t, 1, notifier.count())

	got, err := mgr.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, got.RequestID)
}

func TestRequestApprovalExplicitTimeout(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID:        "agent-1",
		Type:           TypeBudgetApproval,
		Title:          "追加预算",
		TimeoutSeconds: 30,
		Priority:       PriorityHigh,
	})
	require.NoError(t, err)
	require.NotNil(t, req.ExpiresAt)
	assert.WithinDuration(t, req.CreatedAt.Add(30*time.Second), *req.ExpiresAt, time.Second)
	assert.Equal(t, PriorityHigh, req.Priority)
}

func TestRequestApprovalNeverExpires(t *testing.T) {
	mgr, _ := newTestManager(t)

	req, err := mgr.RequestApproval(context.Background(), ApprovalInput{
		AgentID:        "agent-1",
		Type:           TypeCriticalDecision,
		Title:          "必须人工裁决",
		TimeoutSeconds: -1,
	})
	require.NoError(t, err)
	assert.Nil(t, req.ExpiresAt)
}

func TestApproveLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID: "agent-1", Type: TypeDataValidation, Title: "校验数据",
	})
	require.NoError(t, err)

	ok, err := mgr.Approve(ctx, req.RequestID, "alice", "", "没问题")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := mgr.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
	assert.Equal(t, "approve", got.Decision)

	// 终态后的再次裁决是无效果的
	ok, err = mgr.Approve(ctx, req.RequestID, "bob", "approve", "")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = mgr.Reject(ctx, req.RequestID, "bob", "不行")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectRequiresReason(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID: "agent-1", Type: TypeSafetyCheck, Title: "风险操作",
	})
	require.NoError(t, err)

	_, err = mgr.Reject(ctx, req.RequestID, "alice", "")
	require.ErrorIs(t, err, ErrReasonRequired)

	// 校验失败不得产生任何状态变化
	got, err := mgr.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	ok, err := mgr.Reject(ctx, req.RequestID, "alice", "风险太高")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = mgr.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "风险太高", got.DecisionReason)
}

func TestRejectReasonOptionalByPolicy(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireRejectionReason = false

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storage := NewApprovalStorage(nil, WithRedisClient(client), WithStorageLogger(zap.NewNop()))
	t.Cleanup(func() { _ = storage.Close() })
	mgr := NewManager(storage, policy, WithManagerLogger(zap.NewNop()))

	ctx := context.Background()
	req, err := mgr.RequestApproval(ctx, ApprovalInput{AgentID: "agent-1", Type: TypeSafetyCheck, Title: "t"})
	require.NoError(t, err)

	ok, err := mgr.Reject(ctx, req.RequestID, "alice", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForApprovalDecided(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID: "agent-1", Type: TypeFinalReport, Title: "等待裁决",
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = mgr.Approve(ctx, req.RequestID, "alice", "approve", "")
	}()

	got, err := mgr.WaitForApproval(ctx, req.RequestID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
}

func TestWaitForApprovalExpiredToTimeout(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req := NewApprovalRequest("agent-1", TypeCriticalDecision, "已过期", "", nil)
	past := time.Now().UTC().Add(-time.Second)
	req.ExpiresAt = &past
	_, err := mgr.storage.Create(ctx, req)
	require.NoError(t, err)

	got, err := mgr.WaitForApproval(ctx, req.RequestID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	assert.Equal(t, "system", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)
}

func TestWaitForApprovalExpiredToAutoApproved(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req := NewApprovalRequest("agent-1", TypeDataValidation, "低风险自动通过", "", nil)
	past := time.Now().UTC().Add(-time.Second)
	req.ExpiresAt = &past
	_, err := mgr.storage.Create(ctx, req)
	require.NoError(t, err)

	got, err := mgr.WaitForApproval(ctx, req.RequestID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoApproved, got.Status)
	assert.Equal(t, "system", got.DecidedBy)
	assert.Equal(t, "auto_approve", got.Decision)
}

func TestWaitForApprovalHumanDecisionBeatsExpiry(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req := NewApprovalRequest("agent-1", TypeCriticalDecision, "竞争场景", "", nil)
	past := time.Now().UTC().Add(-time.Second)
	req.ExpiresAt = &past
	_, err := mgr.storage.Create(ctx, req)
	require.NoError(t, err)

	// 人工裁决抢先落盘，等待方的过期迁移必须让位
	ok, err := mgr.Approve(ctx, req.RequestID, "alice", "approve", "赶在超时前")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mgr.WaitForApproval(ctx, req.RequestID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
}

func TestWaitForApprovalNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.WaitForApproval(context.Background(), "no-such-id", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWaitForApprovalContextCanceled(t *testing.T) {
	mgr, _ := newTestManager(t)

	req, err := mgr.RequestApproval(context.Background(), ApprovalInput{
		AgentID: "agent-1", Type: TypeCriticalDecision, Title: "永不过期",
		TimeoutSeconds: -1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err = mgr.WaitForApproval(ctx, req.RequestID, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerDispatchSynchronous(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	var seen atomic.Value
	mgr.RegisterHandler(StatusApproved, func(_ context.Context, req *ApprovalRequest) error {
		seen.Store(req.Status)
		return nil
	})

	req, err := mgr.RequestApproval(ctx, ApprovalInput{AgentID: "agent-1", Type: TypeFinalReport, Title: "t"})
	require.NoError(t, err)

	ok, err := mgr.Approve(ctx, req.RequestID, "alice", "approve", "")
	require.NoError(t, err)
	require.True(t, ok)

	// 回调在 Approve 返回前同步完成，且看到的是终态快照
	assert.Equal(t, StatusApproved, seen.Load())
}

func TestHandlerFailureIsolation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	var calls []string
	mgr.RegisterHandler(StatusRejected, func(context.Context, *ApprovalRequest) error {
		calls = append(calls, "panic")
		panic("boom")
	})
	mgr.RegisterHandler(StatusRejected, func(context.Context, *ApprovalRequest) error {
		calls = append(calls, "error")
		return errors.New("handler 内部错误")
	})
	mgr.RegisterHandler(StatusRejected, func(context.Context, *ApprovalRequest) error {
		calls = append(calls, "ok")
		return nil
	})

	req, err := mgr.RequestApproval(ctx, ApprovalInput{AgentID: "agent-1", Type: TypeSafetyCheck, Title: "t"})
	require.NoError(t, err)

	ok, err := mgr.Reject(ctx, req.RequestID, "alice", "不通过")
	require.NoError(t, err)
	require.True(t, ok)

	// panic 和错误都不阻断后续回调
	assert.Equal(t, []string{"panic", "error", "ok"}, calls)
}

func TestSweepLoopDispatchesTimeoutHandlers(t *testing.T) {
	mgr, _ := newTestManager(t, WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	var timeouts atomic.Int32
	mgr.RegisterHandler(StatusTimeout, func(context.Context, *ApprovalRequest) error {
		timeouts.Add(1)
		return nil
	})

	req := NewApprovalRequest("agent-1", TypeCriticalDecision, "等待扫描", "", nil)
	past := time.Now().UTC().Add(-time.Second)
	req.ExpiresAt = &past
	_, err := mgr.storage.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx)
	}()

	require.Eventually(t, func() bool {
		return timeouts.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := mgr.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
}

func TestNotifyPendingOnly(t *testing.T) {
	notifier := &fakeNotifier{}
	mgr, _ := newTestManager(t, WithNotifier(notifier))
	ctx := context.Background()

	req, err := mgr.RequestApproval(ctx, ApprovalInput{AgentID: "agent-1", Type: TypeFinalReport, Title: "t"})
	require.NoError(t, err)
	require.Equal(t, 1, notifier.count())

	require.NoError(t, mgr.Notify(ctx, req.RequestID))
	assert.Equal(t, 2, notifier.count())

	_, err = mgr.Approve(ctx, req.RequestID, "alice", "approve", "")
	require.NoError(t, err)

	err = mgr.Notify(ctx, req.RequestID)
	require.Error(t, err)
	assert.Equal(t, 2, notifier.count())
}

func TestListPendingViaManager(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.RequestApproval(ctx, ApprovalInput{AgentID: "agent-1", Type: TypeFinalReport, Title: "a"})
	require.NoError(t, err)
	req2, err := mgr.RequestApproval(ctx, ApprovalInput{
		AgentID: "agent-1", Type: TypeFinalReport, Title: "b", Priority: PriorityCritical,
	})
	require.NoError(t, err)

	list, err := mgr.ListPending(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, req2.RequestID, list[0].RequestID)
}
