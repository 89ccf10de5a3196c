package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hitl/api"
	"hitl/api/handlers/approvals"
	"hitl/api/handlers/notifications"
	"hitl/internal/config"
	"hitl/internal/hitl"
	"hitl/internal/infra/queue"
	"hitl/internal/logger"
	"hitl/internal/notification"
	"hitl/internal/worker"
	"hitl/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	// 3. 广播中心与通知服务，渠道由策略配置与自身配置共同决定
	hub := notification.NewBroadcastHub()
	notifyService := notification.NewServiceFromConfig(&cfg.Notify, cfg.HITL.NotificationChannels, hub)

	// 4. 审批存储与管理器
	storage := hitl.NewApprovalStorage(&cfg.Redis)
	policy := hitl.HITLPolicy{
		DefaultTimeout:         time.Duration(cfg.HITL.DefaultTimeoutSeconds) * time.Second,
		RequireRejectionReason: cfg.HITL.RequireRejectionReason,
		AllowDelegation:        cfg.HITL.AllowDelegation,
		NotificationChannels:   cfg.HITL.NotificationChannels,
		EscalationRules:        cfg.HITL.EscalationRules,
	}
	manager := hitl.NewManager(storage, policy,
		hitl.WithNotifier(notifyService),
		hitl.WithBroadcaster(hub),
		hitl.WithSweepInterval(time.Duration(cfg.HITL.SweepIntervalSeconds)*time.Second),
	)

	// 5. 任务队列：审批通过的研究请求投递给 worker 执行
	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()
	registerResearchDispatch(manager, queueClient)

	if err := manager.Start(context.Background()); err != nil {
		logger.Fatal("启动审批管理器失败", zap.Error(err))
	}

	// 6. HTTP 路由
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())

	api.RegisterRoutes(router, &api.Handlers{
		Approvals: approvals.NewHandler(manager),
		WebSocket: notifications.NewWebSocketHandler(hub),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 7. Worker 服务器
	workerServer := worker.NewServer(cfg.Redis, cfg.Worker, hub, logger.Get())

	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	go func() {
		if err := workerServer.Run(); err != nil {
			logger.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
	}()

	// 8. 优雅关闭
	gracefulShutdown(server, workerServer, manager, hub)
}

// registerResearchDispatch 注册审批通过后的研究任务投递。
// 只有上下文显式标记 execute_research 的请求才会触发，
// 普通审批通过不产生任务。auto_approved 与 approved 同样对待。
func registerResearchDispatch(manager *hitl.Manager, client queue.Client) {
	dispatch := func(_ context.Context, req *hitl.ApprovalRequest) error {
		execute, _ := req.Context["execute_research"].(bool)
		if !execute {
			return nil
		}
		topic, _ := req.Context["topic"].(string)
		if topic == "" {
			topic = req.Title
		}
		return client.EnqueueExecuteResearch(tasks.ExecuteResearchPayload{
			RequestID: req.RequestID,
			TaskID:    req.TaskID,
			Topic:     topic,
			Context:   req.Context,
		})
	}
	manager.RegisterHandler(hitl.StatusApproved, dispatch)
	manager.RegisterHandler(hitl.StatusAutoApproved, dispatch)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 尝试从当前工作目录、可执行文件目录向上查找根目录 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}

	return candidates
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, workerServer *worker.Server, manager *hitl.Manager, hub *notification.BroadcastHub) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	workerServer.Shutdown()
	hub.Close()

	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("审批管理器关闭异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}
