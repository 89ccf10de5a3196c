package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hitl/internal/config"
	"hitl/internal/infra"
	"hitl/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis 键结构：
//   approval:{request_id}      单条审批请求（24h TTL）
//   approvals:pending          待审批索引（Set）
//   approvals:{status}         终态索引（Set）
//   approvals:agent:{agent_id} 按请求方索引（Set）
//   approvals:type:{type}      按类型索引（Set）
// Pub/Sub 频道：approval:created 以及 approval:{status}
const (
	recordKeyPrefix = "approval:"
	pendingIndexKey = "approvals:pending"
	indexKeyPrefix  = "approvals:"
	agentIndexKey   = "approvals:agent:"
	typeIndexKey    = "approvals:type:"

	// ChannelCreated 新建事件频道
	ChannelCreated = "approval:created"

	// 存储层保留时长，与请求自身的决策超时无关
	recordTTL = 24 * time.Hour
)

// StatusChannel 返回状态事件频道名
func StatusChannel(status ApprovalStatus) string {
	return "approval:" + string(status)
}

// StorageEvent 存储层发布的事件
type StorageEvent struct {
	Channel string         `json:"channel"`
	Data    map[string]any `json:"data"`
}

// ListFilter 列表过滤条件
type ListFilter struct {
	AgentID string
	Type    ApprovalType
	Limit   int
}

// StorageOption 自定义配置
type StorageOption func(*ApprovalStorage)

// WithRedisClient 注入已有 Redis 客户端（测试或复用连接池）
func WithRedisClient(client redis.UniversalClient) StorageOption {
	return func(s *ApprovalStorage) { s.client = client }
}

// WithStorageLogger 注入自定义日志器
func WithStorageLogger(l *zap.Logger) StorageOption {
	return func(s *ApprovalStorage) { s.logger = l }
}

// ApprovalStorage 审批请求存储（Redis 持久化 + Pub/Sub 事件总线）。
// 请求一经持久化即归存储层所有，调用方只持有读取返回的快照。
type ApprovalStorage struct {
	cfg    *config.RedisConfig
	logger *zap.Logger

	mu     sync.Mutex
	client redis.UniversalClient
	pubsub *redis.PubSub
	events <-chan *redis.Message
}

// NewApprovalStorage 创建存储实例，连接在 Connect 或首次写操作时建立
func NewApprovalStorage(cfg *config.RedisConfig, opts ...StorageOption) *ApprovalStorage {
	s := &ApprovalStorage{
		cfg:    cfg,
		logger: logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect 建立 Redis 连接
func (s *ApprovalStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *ApprovalStorage) connectLocked(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if s.cfg == nil {
		return errors.New("redis 配置为空且未注入客户端")
	}
	client, err := infra.InitRedis(s.cfg)
	if err != nil {
		return fmt.Errorf("连接审批存储失败: %w", err)
	}
	s.client = client
	return nil
}

// ensureConnected 保证连接可用。嵌入式调用方可能跳过显式初始化，
// 所有读写前先走该守卫，避免空客户端崩溃。
func (s *ApprovalStorage) ensureConnected(ctx context.Context) (redis.UniversalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.client, nil
}

// Close 关闭订阅与连接
func (s *ApprovalStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.pubsub != nil {
		if err := s.pubsub.Close(); err != nil {
			firstErr = err
		}
		s.pubsub = nil
		s.events = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.client = nil
	}
	return firstErr
}

// Create 持久化审批请求并登记索引，随后发布 created 事件
func (s *ApprovalStorage) Create(ctx context.Context, req *ApprovalRequest) (string, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("序列化审批请求失败: %w", err)
	}

	key := recordKeyPrefix + req.RequestID
	if err := client.Set(ctx, key, data, recordTTL).Err(); err != nil {
		return "", fmt.Errorf("保存审批请求失败: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.SAdd(ctx, pendingIndexKey, req.RequestID)
	pipe.SAdd(ctx, agentIndexKey+req.AgentID, req.RequestID)
	pipe.SAdd(ctx, typeIndexKey+string(req.Type), req.RequestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("登记审批索引失败: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"request_id": req.RequestID,
		"agent_id":   req.AgentID,
		"type":       string(req.Type),
		"priority":   string(req.Priority),
	})
	if err := client.Publish(ctx, ChannelCreated, payload).Err(); err != nil {
		s.logger.Warn("发布 created 事件失败", zap.String("requestId", req.RequestID), zap.Error(err))
	}

	s.logger.Info("审批请求已创建",
		zap.String("requestId", req.RequestID),
		zap.String("agentId", req.AgentID),
		zap.String("type", string(req.Type)),
	)
	return req.RequestID, nil
}

// Get 查询审批请求，不存在时返回 (nil, nil)
func (s *ApprovalStorage) Get(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, recordKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}

	var req ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("解析审批请求失败: %w", err)
	}
	return &req, nil
}

// UpdateStatus 唯一的状态迁移入口。请求不存在或已处于终态时返回
// false 且不做任何写入，保证竞争下第二个写者不会覆盖首次裁决。
func (s *ApprovalStorage) UpdateStatus(
	ctx context.Context,
	requestID string,
	status ApprovalStatus,
	decidedBy, decision, reason string,
) (bool, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return false, err
	}

	req, err := s.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	if req.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now().UTC()
	req.Status = status
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	req.Decision = decision
	req.DecisionReason = reason

	data, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("序列化审批请求失败: %w", err)
	}
	if err := client.Set(ctx, recordKeyPrefix+requestID, data, recordTTL).Err(); err != nil {
		return false, fmt.Errorf("更新审批请求失败: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.SRem(ctx, pendingIndexKey, requestID)
	pipe.SAdd(ctx, indexKeyPrefix+string(status), requestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("迁移审批索引失败: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"request_id": requestID,
		"status":     string(status),
		"decided_by": decidedBy,
		"decision":   decision,
	})
	if err := client.Publish(ctx, StatusChannel(status), payload).Err(); err != nil {
		s.logger.Warn("发布状态事件失败", zap.String("requestId", requestID), zap.Error(err))
	}

	s.logger.Info("审批状态已更新",
		zap.String("requestId", requestID),
		zap.String("status", string(status)),
		zap.String("decidedBy", decidedBy),
	)
	return true, nil
}

// ListByStatus 按状态查询审批请求，支持按请求方与类型做集合交集过滤。
// pending 列表按（优先级、创建时间）升序，终态列表按裁决时间倒序。
func (s *ApprovalStorage) ListByStatus(ctx context.Context, status ApprovalStatus, filter ListFilter) ([]*ApprovalRequest, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	indexKey := pendingIndexKey
	if status != StatusPending {
		indexKey = indexKeyPrefix + string(status)
	}

	keys := []string{indexKey}
	if filter.AgentID != "" {
		keys = append(keys, agentIndexKey+filter.AgentID)
	}
	if filter.Type != "" {
		keys = append(keys, typeIndexKey+string(filter.Type))
	}

	var ids []string
	if len(keys) == 1 {
		ids, err = client.SMembers(ctx, indexKey).Result()
	} else {
		ids, err = client.SInter(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("查询审批索引失败: %w", err)
	}

	requests := make([]*ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req != nil {
			// 记录可能已因 TTL 过期而只剩索引残留，跳过
			requests = append(requests, req)
		}
	}

	if status == StatusPending {
		sort.Slice(requests, func(i, j int) bool {
			ri, rj := requests[i], requests[j]
			if ri.Priority.Rank() != rj.Priority.Rank() {
				return ri.Priority.Rank() < rj.Priority.Rank()
			}
			return ri.CreatedAt.Before(rj.CreatedAt)
		})
	} else {
		sort.Slice(requests, func(i, j int) bool {
			return decidedOrCreated(requests[i]).After(decidedOrCreated(requests[j]))
		})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func decidedOrCreated(req *ApprovalRequest) time.Time {
	if req.DecidedAt != nil {
		return *req.DecidedAt
	}
	return req.CreatedAt
}

// SweepExpired 扫描待审批索引，将已过期的请求迁移为 timeout，
// 返回本轮被处理的请求 ID。
func (s *ApprovalStorage) SweepExpired(ctx context.Context) ([]string, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := client.SMembers(ctx, pendingIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("扫描待审批索引失败: %w", err)
	}

	now := time.Now().UTC()
	var expired []string
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			return expired, err
		}
		if req == nil || !req.Expired(now) {
			continue
		}
		ok, err := s.UpdateStatus(ctx, id, StatusTimeout, "system", "timeout", "审批请求超时未处理")
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Subscribe 订阅指定事件频道
func (s *ApprovalStorage) Subscribe(ctx context.Context, channels ...string) error {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	s.pubsub = client.Subscribe(ctx, channels...)
	s.events = s.pubsub.Channel()

	s.logger.Info("事件订阅完成", zap.Strings("channels", channels))
	return nil
}

// NextEvent 非阻塞取一条事件，队列为空时返回 (nil, false)
func (s *ApprovalStorage) NextEvent() (*StorageEvent, bool) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return nil, false
	}

	select {
	case msg, ok := <-events:
		if !ok || msg == nil {
			return nil, false
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
			s.logger.Warn("解析事件负载失败", zap.String("channel", msg.Channel), zap.Error(err))
			return nil, false
		}
		return &StorageEvent{Channel: msg.Channel, Data: data}, true
	default:
		return nil, false
	}
}
