package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// WebhookBroadcaster 把告警 POST 到一组外部回调地址（院方集成系统）
type WebhookBroadcaster struct {
	client    *resty.Client
	endpoints []string
	logger    *zap.Logger
}

// NewWebhookBroadcaster 创建 Webhook 广播器
func NewWebhookBroadcaster(endpoints []string, timeout time.Duration, logger *zap.Logger) *WebhookBroadcaster {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookBroadcaster{
		client:    client,
		endpoints: endpoints,
		logger:    logger,
	}
}

func (b *WebhookBroadcaster) Name() string {
	return "webhook"
}

// Broadcast 向每个回调地址送出一条告警
// 单个地址失败只计入统计，不影响其他地址
func (b *WebhookBroadcaster) Broadcast(ctx context.Context, msg *models.AlertMessage, exclude map[string]bool) (models.DeliveryStats, error) {
	var stats models.DeliveryStats

	for _, endpoint := range b.endpoints {
		if exclude != nil && exclude[endpoint] {
			continue
		}
		stats.Total++

		resp, err := b.client.R().
			SetContext(ctx).
			SetBody(msg).
			Post(endpoint)

		if err != nil {
			stats.Failed++
			b.logger.Warn("Failed to deliver alert to webhook",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			continue
		}
		if resp.IsError() {
			stats.Failed++
			b.logger.Warn("Webhook rejected alert",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode()),
			)
			continue
		}
		stats.Sent++
	}

	if stats.Total > 0 && stats.Sent == 0 {
		return stats, fmt.Errorf("all %d webhook deliveries failed", stats.Total)
	}
	return stats, nil
}
