package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"hitl/internal/config"
	"hitl/internal/hitl"
)

// 渠道名称
const (
	ChannelEmail     = "email"
	ChannelWebhook   = "webhook"
	ChannelWebSocket = "websocket"
)

// Notifier 单一渠道的审批通知器
type Notifier interface {
	Name() string
	Send(ctx context.Context, req *hitl.ApprovalRequest) error
}

// EmailNotifier 邮件通知器，通过 SMTP 向固定收件人列表投递
type EmailNotifier struct {
	config *config.EmailConfig
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(cfg *config.EmailConfig) *EmailNotifier {
	if cfg == nil || cfg.SMTPHost == "" {
		return nil
	}
	return &EmailNotifier{config: cfg}
}

// Name 渠道名称
func (e *EmailNotifier) Name() string { return ChannelEmail }

// Send 发送审批提醒邮件
func (e *EmailNotifier) Send(ctx context.Context, req *hitl.ApprovalRequest) error {
	if len(e.config.To) == 0 {
		return fmt.Errorf("邮件收件人未配置")
	}

	var body bytes.Buffer
	body.WriteString(fmt.Sprintf("<h3>%s</h3>", req.Title))
	body.WriteString(fmt.Sprintf("<p>%s</p>", req.Description))
	body.WriteString("<ul>")
	body.WriteString(fmt.Sprintf("<li>请求 ID: %s</li>", req.RequestID))
	body.WriteString(fmt.Sprintf("<li>智能体: %s</li>", req.AgentID))
	body.WriteString(fmt.Sprintf("<li>类型: %s</li>", req.Type))
	body.WriteString(fmt.Sprintf("<li>优先级: %s</li>", req.Priority))
	if req.ExpiresAt != nil {
		body.WriteString(fmt.Sprintf("<li>过期时间: %s</li>", req.ExpiresAt.Format(time.RFC3339)))
	}
	body.WriteString("</ul>")

	message := fmt.Sprintf(
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: [审批请求] %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		e.config.FromName,
		e.config.From,
		strings.Join(e.config.To, ", "),
		req.Title,
		body.String(),
	)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)

	if err := smtp.SendMail(addr, auth, e.config.From, e.config.To, []byte(message)); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}

// WebhookNotifier Webhook 通知器，向配置的 URL POST 审批摘要
// （负载兼容 Slack incoming webhook 的 text 字段）
type WebhookNotifier struct {
	config *config.WebhookConfig
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg *config.WebhookConfig) *WebhookNotifier {
	if cfg == nil || cfg.URL == "" {
		return nil
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
	}
}

// Name 渠道名称
func (w *WebhookNotifier) Name() string { return ChannelWebhook }

// Send 发送 Webhook 通知
func (w *WebhookNotifier) Send(ctx context.Context, req *hitl.ApprovalRequest) error {
	payload := map[string]any{
		"text": fmt.Sprintf("🔔 审批请求 [%s] %s", strings.ToUpper(string(req.Priority)), req.Title),
		"approval": map[string]any{
			"request_id":    req.RequestID,
			"agent_id":      req.AgentID,
			"approval_type": req.Type,
			"title":         req.Title,
			"description":   req.Description,
			"priority":      req.Priority,
			"created_at":    req.CreatedAt.Format(time.RFC3339),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 Webhook 负载失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("创建 Webhook 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range w.config.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态: %d", resp.StatusCode)
	}
	return nil
}

// WebSocketNotifier WebSocket 通知器，新审批请求经 hub 广播给
// 所有在线审批端
type WebSocketNotifier struct {
	hub *BroadcastHub
}

// NewWebSocketNotifier 创建 WebSocket 通知器
func NewWebSocketNotifier(hub *BroadcastHub) *WebSocketNotifier {
	if hub == nil {
		return nil
	}
	return &WebSocketNotifier{hub: hub}
}

// Name 渠道名称
func (ws *WebSocketNotifier) Name() string { return ChannelWebSocket }

// Send 广播审批请求。没有在线连接不算失败，审批端稍后可以
// 通过 REST 列表补看。
func (ws *WebSocketNotifier) Send(ctx context.Context, req *hitl.ApprovalRequest) error {
	ws.hub.BroadcastApprovalRequested(ctx, req)
	return nil
}
