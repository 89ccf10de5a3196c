package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Log    LogConfig    `mapstructure:"log"`
	HITL   HITLConfig   `mapstructure:"hitl"`
	Notify NotifyConfig `mapstructure:"notify"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	// 通用配置
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 返回单节点模式的连接地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// HITLConfig 人工审批策略配置
// 进程启动时装载进 hitl.HITLPolicy，运行期间不再读取。
type HITLConfig struct {
	DefaultTimeoutSeconds  int            `mapstructure:"default_timeout_seconds"`  // 默认决策超时（秒）
	RequireRejectionReason bool           `mapstructure:"require_rejection_reason"` // 驳回是否必须填写理由
	AllowDelegation        bool           `mapstructure:"allow_delegation"`         // 是否允许转交其他审批人
	NotificationChannels   []string       `mapstructure:"notification_channels"`    // 默认启用的通知渠道
	EscalationRules        map[string]any `mapstructure:"escalation_rules"`         // 升级规则（核心不解释，透传给外部策略）
	SweepIntervalSeconds   int            `mapstructure:"sweep_interval_seconds"`   // 过期扫描间隔（秒）
}

// NotifyConfig 通知渠道配置
type NotifyConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig 邮件渠道配置
type EmailConfig struct {
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	FromName string   `mapstructure:"from_name"`
	To       []string `mapstructure:"to"`
}

// WebhookConfig Webhook 渠道配置（Slack 兼容）
type WebhookConfig struct {
	URL            string            `mapstructure:"url"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
}

// Timeout 返回 Webhook 请求超时
func (c *WebhookConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WorkerConfig 后台任务配置
type WorkerConfig struct {
	Concurrency int    `mapstructure:"concurrency"` // asynq 并发 worker 数
	ReportDir   string `mapstructure:"report_dir"`  // 审批通过后研究报告落盘目录
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_REDIS_HOST 等
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.HITL.DefaultTimeoutSeconds <= 0 {
		cfg.HITL.DefaultTimeoutSeconds = 300
	}
	if cfg.HITL.SweepIntervalSeconds <= 0 {
		cfg.HITL.SweepIntervalSeconds = 60
	}
	if len(cfg.HITL.NotificationChannels) == 0 {
		cfg.HITL.NotificationChannels = []string{"websocket", "webhook"}
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 10
	}
	if cfg.Worker.ReportDir == "" {
		cfg.Worker.ReportDir = "./reports"
	}
}
