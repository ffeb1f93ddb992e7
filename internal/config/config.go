package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nemoshlag/data-integrator/internal/monitor"
)

// Config 患者监控服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 监控配置
	Monitoring struct {
		AttentionThresholdHours float64 // 超过该小时数未检验即需要关注，默认 48
		WarningThresholdHours   float64 // tier 2 阈值，默认 36
		CriticalThresholdHours  float64 // tier 1 阈值，默认 48
		SweepInterval           int     // 巡检间隔（秒），默认 60
		SweepBatchSize          int     // 单次巡检认领条目数，默认 100
	}

	// 调和配置
	Reconcile struct {
		MaxAttempts  int // 索引写入重试次数上限，默认 3
		RetryBackoff int // 重试基础退避（毫秒），默认 100
	}

	// 事件摄入配置（Redis Streams）
	Ingest struct {
		Stream    string // 住院事件流，默认 "hospital:events:admissions"
		Group     string // 消费者组，默认 "patient-monitor"
		Consumer  string // 消费者名称
		BatchSize int64  // 单次读取消息数，默认 10
		Workers   int    // 并发处理上限，默认 4
	}

	// 分发配置
	Dispatch struct {
		Workers          int    // 分发工作协程数，默认 4
		QueueSize        int    // 每个工作协程的事件队列长度，默认 64
		BroadcastTimeout int    // 单个广播调用超时（秒），默认 10
		ObserverSetKey   string // 观察者集合键，默认 "monitor:observers"
		ChannelPrefix    string // 观察者通道前缀，默认 "monitor:observer:"
	}

	// 报警出口配置
	Alerts struct {
		MQTT struct {
			Enabled  bool
			Broker   string
			ClientID string
			Username string
			Password string
			Topic    string
			QoS      byte
		}
		Webhook struct {
			Enabled   bool
			Endpoints []string // 逗号分隔的 URL 列表
			Timeout   int      // 秒
		}
	}

	Metrics struct {
		Enabled bool
		Addr    string // 默认 ":9090"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "hospital")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Monitoring.AttentionThresholdHours = getEnvFloat("MONITOR_ATTENTION_HOURS", 48)
	cfg.Monitoring.WarningThresholdHours = getEnvFloat("MONITOR_WARNING_HOURS", 36)
	cfg.Monitoring.CriticalThresholdHours = getEnvFloat("MONITOR_CRITICAL_HOURS", 48)
	cfg.Monitoring.SweepInterval = getEnvInt("MONITOR_SWEEP_INTERVAL", 60)
	cfg.Monitoring.SweepBatchSize = getEnvInt("MONITOR_SWEEP_BATCH_SIZE", 100)

	cfg.Reconcile.MaxAttempts = getEnvInt("RECONCILE_MAX_ATTEMPTS", 3)
	cfg.Reconcile.RetryBackoff = getEnvInt("RECONCILE_RETRY_BACKOFF_MS", 100)

	cfg.Ingest.Stream = getEnv("INGEST_STREAM", "hospital:events:admissions")
	cfg.Ingest.Group = getEnv("INGEST_GROUP", "patient-monitor")
	cfg.Ingest.Consumer = getEnv("INGEST_CONSUMER", "patient-monitor-1")
	cfg.Ingest.BatchSize = int64(getEnvInt("INGEST_BATCH_SIZE", 10))
	cfg.Ingest.Workers = getEnvInt("INGEST_WORKERS", 4)

	cfg.Dispatch.Workers = getEnvInt("DISPATCH_WORKERS", 4)
	cfg.Dispatch.QueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 64)
	cfg.Dispatch.BroadcastTimeout = getEnvInt("DISPATCH_BROADCAST_TIMEOUT", 10)
	cfg.Dispatch.ObserverSetKey = getEnv("DISPATCH_OBSERVER_SET_KEY", "monitor:observers")
	cfg.Dispatch.ChannelPrefix = getEnv("DISPATCH_CHANNEL_PREFIX", "monitor:observer:")

	cfg.Alerts.MQTT.Enabled = getEnvBool("ALERT_MQTT_ENABLED", false)
	cfg.Alerts.MQTT.Broker = getEnv("ALERT_MQTT_BROKER", "tcp://localhost:1883")
	cfg.Alerts.MQTT.ClientID = getEnv("ALERT_MQTT_CLIENT_ID", "patient-monitor")
	cfg.Alerts.MQTT.Username = getEnv("ALERT_MQTT_USERNAME", "")
	cfg.Alerts.MQTT.Password = getEnv("ALERT_MQTT_PASSWORD", "")
	cfg.Alerts.MQTT.Topic = getEnv("ALERT_MQTT_TOPIC", "hospital/monitor/alerts")
	cfg.Alerts.MQTT.QoS = byte(getEnvInt("ALERT_MQTT_QOS", 1))

	cfg.Alerts.Webhook.Enabled = getEnvBool("ALERT_WEBHOOK_ENABLED", false)
	if endpoints := getEnv("ALERT_WEBHOOK_ENDPOINTS", ""); endpoints != "" {
		for _, ep := range strings.Split(endpoints, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.Alerts.Webhook.Endpoints = append(cfg.Alerts.Webhook.Endpoints, ep)
			}
		}
	}
	cfg.Alerts.Webhook.Timeout = getEnvInt("ALERT_WEBHOOK_TIMEOUT", 10)

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", true)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置，非法配置在启动时立即失败
func (c *Config) Validate() error {
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if c.Monitoring.AttentionThresholdHours <= 0 {
		return fmt.Errorf("%w: attention threshold must be positive (got %.1f)",
			monitor.ErrConfiguration, c.Monitoring.AttentionThresholdHours)
	}
	if c.Monitoring.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive (got %d)",
			monitor.ErrConfiguration, c.Monitoring.SweepInterval)
	}
	if c.Monitoring.SweepBatchSize <= 0 {
		return fmt.Errorf("%w: sweep batch size must be positive (got %d)",
			monitor.ErrConfiguration, c.Monitoring.SweepBatchSize)
	}
	if c.Reconcile.MaxAttempts <= 0 {
		return fmt.Errorf("%w: reconcile max attempts must be positive (got %d)",
			monitor.ErrConfiguration, c.Reconcile.MaxAttempts)
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("%w: dispatch workers and queue size must be positive (got %d, %d)",
			monitor.ErrConfiguration, c.Dispatch.Workers, c.Dispatch.QueueSize)
	}
	if c.Dispatch.BroadcastTimeout <= 0 {
		return fmt.Errorf("%w: broadcast timeout must be positive (got %d)",
			monitor.ErrConfiguration, c.Dispatch.BroadcastTimeout)
	}
	return nil
}

// Thresholds 返回优先级阈值
func (c *Config) Thresholds() monitor.Thresholds {
	return monitor.Thresholds{
		WarningHours:  c.Monitoring.WarningThresholdHours,
		CriticalHours: c.Monitoring.CriticalThresholdHours,
	}
}

// SweepInterval 巡检间隔
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Monitoring.SweepInterval) * time.Second
}

// BroadcastTimeout 单个广播调用超时
func (c *Config) BroadcastTimeout() time.Duration {
	return time.Duration(c.Dispatch.BroadcastTimeout) * time.Second
}

// RetryBackoff 重试基础退避
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Reconcile.RetryBackoff) * time.Millisecond
}
