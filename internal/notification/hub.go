package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hitl/internal/hitl"
	"hitl/internal/logger"
	"hitl/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn 广播所需的最小连接能力，*websocket.Conn 天然满足。
// 测试用假连接替换。
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type hubConn struct {
	conn Conn
	mu   sync.Mutex // gorilla 连接只允许一个并发写者
}

// BroadcastHub 审批/研究事件的实时广播中心。纯扇出模型：
// 所有连接收到同样的消息，不做用户级路由。
type BroadcastHub struct {
	mu                sync.RWMutex
	conns             map[Conn]*hubConn
	writeTimeout      time.Duration
	keepAliveInterval time.Duration
	logger            *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*BroadcastHub)

// WithWriteTimeout 设置单连接写超时
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *BroadcastHub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithKeepAliveInterval 设置心跳间隔，<=0 关闭心跳
func WithKeepAliveInterval(d time.Duration) HubOption {
	return func(h *BroadcastHub) { h.keepAliveInterval = d }
}

// WithHubLogger 设置日志器
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *BroadcastHub) { h.logger = l }
}

// NewBroadcastHub 创建 Hub
func NewBroadcastHub(opts ...HubOption) *BroadcastHub {
	hub := &BroadcastHub{
		conns:             make(map[Conn]*hubConn),
		writeTimeout:      2 * time.Second,
		keepAliveInterval: 30 * time.Second,
		logger:            logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 注册连接，重复注册同一连接是无害的
func (h *BroadcastHub) Register(conn Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		h.mu.Unlock()
		return
	}
	client := &hubConn{conn: conn}
	h.conns[conn] = client
	h.mu.Unlock()

	metrics.WebSocketConnectionsGauge.Inc()
	h.startKeepAlive(client)
}

// Unregister 移除连接，对未注册或已移除的连接是幂等的
func (h *BroadcastHub) Unregister(conn Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()

	if ok {
		metrics.WebSocketConnectionsGauge.Dec()
	}
}

// ConnectedCount 返回当前连接数
func (h *BroadcastHub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast 并发推送给所有连接并等待全部完成，返回成功送达数。
// 单连接的失败只影响它自己：写失败或超时的连接被移除并关闭，
// 不会拖慢或阻断其余连接。
func (h *BroadcastHub) Broadcast(ctx context.Context, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("序列化广播消息失败", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := make([]*hubConn, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var delivered int64
	var deliveredMu sync.Mutex

	for _, client := range clients {
		wg.Add(1)
		go func(client *hubConn) {
			defer wg.Done()
			if err := h.writeTo(client, data); err != nil {
				metrics.BroadcastDropsTotal.Inc()
				h.logger.Warn("广播推送失败，移除连接", zap.Error(err))
				h.Unregister(client.conn)
				_ = client.conn.Close()
				return
			}
			deliveredMu.Lock()
			delivered++
			deliveredMu.Unlock()
		}(client)
	}
	wg.Wait()

	return int(delivered)
}

func (h *BroadcastHub) writeTo(client *hubConn, data []byte) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return client.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 关闭并清空所有连接
func (h *BroadcastHub) Close() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[Conn]*hubConn)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
		metrics.WebSocketConnectionsGauge.Dec()
	}
}

func (h *BroadcastHub) startKeepAlive(client *hubConn) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout))
			client.mu.Unlock()
			if err != nil {
				h.Unregister(client.conn)
				_ = client.conn.Close()
				return
			}
		}
	}()
}

// BroadcastApprovalRequested 推送新建的审批请求
func (h *BroadcastHub) BroadcastApprovalRequested(ctx context.Context, req *hitl.ApprovalRequest) {
	h.Broadcast(ctx, map[string]any{
		"type":      "approval_request",
		"data":      req,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastApprovalUpdated 推送审批状态变更
func (h *BroadcastHub) BroadcastApprovalUpdated(ctx context.Context, req *hitl.ApprovalRequest) {
	h.Broadcast(ctx, map[string]any{
		"type":      "approval_updated",
		"data":      req,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastResearchStarted 推送研究任务启动事件
func (h *BroadcastHub) BroadcastResearchStarted(ctx context.Context, taskID, topic string) {
	h.Broadcast(ctx, map[string]any{
		"type":      "research_started",
		"task_id":   taskID,
		"topic":     topic,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastResearchProgress 推送研究任务进度
func (h *BroadcastHub) BroadcastResearchProgress(ctx context.Context, taskID, stage string, progress int) {
	h.Broadcast(ctx, map[string]any{
		"type":      "research_progress",
		"task_id":   taskID,
		"stage":     stage,
		"progress":  progress,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastResearchCompleted 推送研究任务完成事件
func (h *BroadcastHub) BroadcastResearchCompleted(ctx context.Context, taskID, reportPath string) {
	h.Broadcast(ctx, map[string]any{
		"type":        "research_completed",
		"task_id":     taskID,
		"report_path": reportPath,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
