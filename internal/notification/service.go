package notification

import (
	"context"
	"sync"

	"hitl/internal/config"
	"hitl/internal/hitl"
	"hitl/internal/logger"
	"hitl/internal/metrics"

	"go.uber.org/zap"
)

// Service 多渠道通知服务。按优先级选择渠道并发投递：
//   - critical 走全部已注册渠道；
//   - high 走 webhook + email；
//   - 其余只走 webhook。
//
// 投递失败只记录与计数，从不向调用方冒泡，也不重试——
// 审批请求本身已持久化，审批端随时可以从列表补看。
type Service struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	logger    *zap.Logger
}

// NewService 创建通知服务
func NewService(notifiers ...Notifier) *Service {
	s := &Service{
		notifiers: make(map[string]Notifier),
		logger:    logger.Get(),
	}
	for _, n := range notifiers {
		s.Register(n)
	}
	return s
}

// NewServiceFromConfig 按策略启用的渠道列表构建通知服务。
// 渠道必须同时满足两个条件才会注册：出现在 channels 中，
// 且自身配置完整（构造函数返回非 nil 具体指针）。
// 注册判断必须落在具体指针类型上——nil 具体指针装进接口后
// 不再等于 nil，会绕过 Register 的空值检查。
func NewServiceFromConfig(cfg *config.NotifyConfig, channels []string, hub *BroadcastHub) *Service {
	enabled := make(map[string]bool, len(channels))
	for _, name := range channels {
		enabled[name] = true
	}

	svc := NewService()
	if enabled[ChannelEmail] {
		if n := NewEmailNotifier(&cfg.Email); n != nil {
			svc.Register(n)
		}
	}
	if enabled[ChannelWebhook] {
		if n := NewWebhookNotifier(&cfg.Webhook); n != nil {
			svc.Register(n)
		}
	}
	if enabled[ChannelWebSocket] {
		if n := NewWebSocketNotifier(hub); n != nil {
			svc.Register(n)
		}
	}
	return svc
}

// Register 注册渠道，nil 通知器直接忽略（渠道未配置时的惯用写法）
func (s *Service) Register(n Notifier) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers[n.Name()] = n
}

// Unregister 注销渠道
func (s *Service) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifiers, name)
}

// channelsFor 按优先级确定投递渠道
func (s *Service) channelsFor(priority hitl.Priority) []string {
	switch priority {
	case hitl.PriorityCritical:
		s.mu.RLock()
		defer s.mu.RUnlock()
		names := make([]string, 0, len(s.notifiers))
		for name := range s.notifiers {
			names = append(names, name)
		}
		return names
	case hitl.PriorityHigh:
		return []string{ChannelWebhook, ChannelEmail}
	default:
		return []string{ChannelWebhook}
	}
}

// SendApprovalNotification 并发投递新审批请求的通知并等待全部
// 渠道返回，记录成功数。
func (s *Service) SendApprovalNotification(ctx context.Context, req *hitl.ApprovalRequest) {
	channels := s.channelsFor(req.Priority)

	var wg sync.WaitGroup
	var successMu sync.Mutex
	success := 0
	attempted := 0

	for _, name := range channels {
		s.mu.RLock()
		notifier, ok := s.notifiers[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		attempted++

		wg.Add(1)
		go func(notifier Notifier) {
			defer wg.Done()
			if err := notifier.Send(ctx, req); err != nil {
				metrics.NotificationsTotal.WithLabelValues(notifier.Name(), "failure").Inc()
				s.logger.Warn("通知投递失败",
					zap.String("channel", notifier.Name()),
					zap.String("requestId", req.RequestID),
					zap.Error(err),
				)
				return
			}
			metrics.NotificationsTotal.WithLabelValues(notifier.Name(), "success").Inc()
			successMu.Lock()
			success++
			successMu.Unlock()
		}(notifier)
	}
	wg.Wait()

	s.logger.Info("审批通知已投递",
		zap.String("requestId", req.RequestID),
		zap.String("priority", string(req.Priority)),
		zap.Int("attempted", attempted),
		zap.Int("success", success),
	)
}
