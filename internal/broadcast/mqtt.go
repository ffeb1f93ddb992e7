package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// MQTTConfig MQTT 广播配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTBroadcaster 把告警发布到 MQTT 主题（护士站终端等订阅方消费）
type MQTTBroadcaster struct {
	client mqtt.Client
	config MQTTConfig
	logger *zap.Logger
}

// NewMQTTBroadcaster 创建并连接 MQTT 广播器
func NewMQTTBroadcaster(cfg MQTTConfig, logger *zap.Logger) (*MQTTBroadcaster, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT broadcaster connected",
		zap.String("broker", cfg.Broker),
		zap.String("topic", cfg.Topic),
	)

	return &MQTTBroadcaster{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

func (b *MQTTBroadcaster) Name() string {
	return "mqtt"
}

// Broadcast 发布一条告警到配置的主题
func (b *MQTTBroadcaster) Broadcast(ctx context.Context, msg *models.AlertMessage, exclude map[string]bool) (models.DeliveryStats, error) {
	var stats models.DeliveryStats

	payload, err := json.Marshal(msg)
	if err != nil {
		return stats, fmt.Errorf("failed to marshal alert message: %w", err)
	}

	stats.Total = 1

	timeout := time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	token := b.client.Publish(b.config.Topic, b.config.QoS, false, payload)
	if !token.WaitTimeout(timeout) {
		stats.Failed = 1
		return stats, fmt.Errorf("timed out publishing to topic %s", b.config.Topic)
	}
	if token.Error() != nil {
		stats.Failed = 1
		return stats, fmt.Errorf("failed to publish to topic %s: %w", b.config.Topic, token.Error())
	}

	stats.Sent = 1
	return stats, nil
}

// Close 断开 MQTT 连接
func (b *MQTTBroadcaster) Close() {
	b.client.Disconnect(250)
}
