package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 审批指标
var (
	// ApprovalPendingGauge 当前待审批数量
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hitl_approval_pending",
			Help: "当前待审批请求数量",
		},
		[]string{"agent_id"},
	)

	// ApprovalDecisionsTotal 审批决定总数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_approval_decisions_total",
			Help: "审批决定总数",
		},
		[]string{"status", "decision_type"}, // decision_type: manual / system
	)

	// ApprovalWaitDuration 从创建到决定的等待耗时（秒）
	ApprovalWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitl_approval_wait_duration_seconds",
			Help:    "审批等待耗时分布",
			Buckets: []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
		},
		[]string{"approval_type"},
	)

	// HandlerFailuresTotal 状态回调执行失败总数
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_handler_failures_total",
			Help: "审批状态回调执行失败总数",
		},
		[]string{"status"},
	)
)

// 通知指标
var (
	// NotificationsTotal 通知投递总数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_notifications_total",
			Help: "审批通知投递总数",
		},
		[]string{"channel", "result"}, // result: success / failure
	)
)

// WebSocket 指标
var (
	// WebSocketConnectionsGauge 当前 WebSocket 连接数
	WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hitl_websocket_connections",
			Help: "当前 WebSocket 连接数",
		},
	)

	// BroadcastDropsTotal 广播失败被剔除的连接总数
	BroadcastDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hitl_broadcast_drops_total",
			Help: "广播失败被剔除的连接总数",
		},
	)
)
