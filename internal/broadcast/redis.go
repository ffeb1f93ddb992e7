package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// RedisBroadcaster 通过 Redis Pub/Sub 向已注册的观察者逐个推送告警
// 观察者注册在一个集合键里，每个观察者有独立的通道；
// 没有订阅者的通道视为观察者已离线，从集合中剔除
type RedisBroadcaster struct {
	client         *redis.Client
	observerSetKey string
	channelPrefix  string
	logger         *zap.Logger
}

// NewRedisBroadcaster 创建 Redis 广播器
func NewRedisBroadcaster(client *redis.Client, observerSetKey, channelPrefix string, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:         client,
		observerSetKey: observerSetKey,
		channelPrefix:  channelPrefix,
		logger:         logger,
	}
}

func (b *RedisBroadcaster) Name() string {
	return "redis"
}

// Broadcast 向所有观察者推送一条告警
// 单个观察者推送失败只计入统计，不影响其他观察者
func (b *RedisBroadcaster) Broadcast(ctx context.Context, msg *models.AlertMessage, exclude map[string]bool) (models.DeliveryStats, error) {
	var stats models.DeliveryStats

	payload, err := json.Marshal(msg)
	if err != nil {
		return stats, fmt.Errorf("failed to marshal alert message: %w", err)
	}

	observers, err := b.client.SMembers(ctx, b.observerSetKey).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to list observers: %w", err)
	}

	var gone []string
	for _, observer := range observers {
		if exclude != nil && exclude[observer] {
			continue
		}
		stats.Total++

		receivers, err := b.client.Publish(ctx, b.channelPrefix+observer, payload).Result()
		if err != nil {
			stats.Failed++
			b.logger.Warn("Failed to publish alert to observer",
				zap.String("observer", observer),
				zap.Error(err),
			)
			continue
		}
		if receivers == 0 {
			// 通道无人订阅：观察者已离线，标记剔除
			stats.Failed++
			gone = append(gone, observer)
			continue
		}
		stats.Sent++
	}

	// 剔除离线观察者，下一次广播不再尝试
	if len(gone) > 0 {
		members := make([]interface{}, len(gone))
		for i, g := range gone {
			members[i] = g
		}
		if err := b.client.SRem(ctx, b.observerSetKey, members...).Err(); err != nil {
			b.logger.Warn("Failed to prune gone observers",
				zap.Int("count", len(gone)),
				zap.Error(err),
			)
		} else {
			b.logger.Info("Pruned gone observers",
				zap.Strings("observers", gone),
			)
		}
	}

	return stats, nil
}

// RegisterObserver 注册观察者（对外接口供接入层调用）
func (b *RedisBroadcaster) RegisterObserver(ctx context.Context, observerID string) error {
	if err := b.client.SAdd(ctx, b.observerSetKey, observerID).Err(); err != nil {
		return fmt.Errorf("failed to register observer %s: %w", observerID, err)
	}
	return nil
}

// UnregisterObserver 注销观察者
func (b *RedisBroadcaster) UnregisterObserver(ctx context.Context, observerID string) error {
	if err := b.client.SRem(ctx, b.observerSetKey, observerID).Err(); err != nil {
		return fmt.Errorf("failed to unregister observer %s: %w", observerID, err)
	}
	return nil
}
