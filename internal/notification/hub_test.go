package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hitl/internal/hitl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn 可控的假连接
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failWith error
	closed   bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.messages = append(f.messages, buf)
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func newTestHub() *BroadcastHub {
	// 测试里关掉心跳，避免后台 goroutine 干扰
	return NewBroadcastHub(
		WithKeepAliveInterval(0),
		WithHubLogger(zap.NewNop()),
	)
}

func TestHubRegisterIdempotent(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}

	hub.Register(conn)
	hub.Register(conn)
	assert.Equal(t, 1, hub.ConnectedCount())

	hub.Unregister(conn)
	hub.Unregister(conn)
	assert.Equal(t, 0, hub.ConnectedCount())
}

func TestHubBroadcastToAll(t *testing.T) {
	hub := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	hub.Register(a)
	hub.Register(b)

	delivered := hub.Broadcast(context.Background(), map[string]any{"type": "ping"})
	assert.Equal(t, 2, delivered)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestHubBroadcastFailureIsolation(t *testing.T) {
	hub := newTestHub()
	good := &fakeConn{}
	bad := &fakeConn{failWith: errors.New("write: broken pipe")}
	hub.Register(good)
	hub.Register(bad)

	delivered := hub.Broadcast(context.Background(), map[string]any{"type": "ping"})
	assert.Equal(t, 1, delivered)

	// 失败连接被移除并关闭，健康连接不受影响
	assert.Equal(t, 1, hub.ConnectedCount())
	assert.True(t, bad.closed)
	assert.Len(t, good.received(), 1)

	delivered = hub.Broadcast(context.Background(), map[string]any{"type": "ping"})
	assert.Equal(t, 1, delivered)
	assert.Len(t, good.received(), 2)
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := newTestHub()
	assert.Equal(t, 0, hub.Broadcast(context.Background(), map[string]any{"type": "ping"}))
}

func TestHubBroadcastApprovalUpdated(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}
	hub.Register(conn)

	req := hitl.NewApprovalRequest("agent-1", hitl.TypeFinalReport, "报告", "", nil)
	hub.BroadcastApprovalUpdated(context.Background(), req)

	msgs := conn.received()
	require.Len(t, msgs, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &payload))
	assert.Equal(t, "approval_updated", payload["type"])
	data, ok := payload["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, data["request_id"])
}

func TestHubResearchBroadcasts(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}
	hub.Register(conn)
	ctx := context.Background()

	hub.BroadcastResearchStarted(ctx, "task-1", "量子计算进展")
	hub.BroadcastResearchProgress(ctx, "task-1", "collecting", 40)
	hub.BroadcastResearchCompleted(ctx, "task-1", "reports/task-1.md")

	msgs := conn.received()
	require.Len(t, msgs, 3)

	var progress map[string]any
	require.NoError(t, json.Unmarshal(msgs[1], &progress))
	assert.Equal(t, "research_progress", progress["type"])
	assert.Equal(t, "collecting", progress["stage"])
	assert.EqualValues(t, 40, progress["progress"])
}

func TestHubClose(t *testing.T) {
	hub := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	hub.Register(a)
	hub.Register(b)

	hub.Close()
	assert.Equal(t, 0, hub.ConnectedCount())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

// stallConn 模拟写入迟迟不返回的连接：阻塞到写截止时间后
// 返回超时错误，行为与真实连接的 SetWriteDeadline 一致。
type stallConn struct {
	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

func (c *stallConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *stallConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	time.Sleep(time.Until(deadline) + 20*time.Millisecond)
	return errors.New("write tcp: i/o timeout")
}

func (c *stallConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *stallConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestHubBroadcastWriteTimeoutIsolation(t *testing.T) {
	hub := NewBroadcastHub(
		WithKeepAliveInterval(0),
		WithWriteTimeout(50*time.Millisecond),
		WithHubLogger(zap.NewNop()),
	)
	good := &fakeConn{}
	slow := &stallConn{}
	hub.Register(good)
	hub.Register(slow)

	start := time.Now()
	delivered := hub.Broadcast(context.Background(), map[string]any{"type": "ping"})
	elapsed := time.Since(start)

	// 超时连接只影响自己：其余 N-1 个连接正常送达并被保留
	assert.Equal(t, 1, delivered)
	assert.Len(t, good.received(), 1)
	assert.Equal(t, 1, hub.ConnectedCount())
	assert.True(t, slow.closed)
	assert.Less(t, elapsed, time.Second)

	delivered = hub.Broadcast(context.Background(), map[string]any{"type": "ping"})
	assert.Equal(t, 1, delivered)
	assert.Len(t, good.received(), 2)
}
