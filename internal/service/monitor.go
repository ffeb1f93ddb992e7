package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/broadcast"
	"github.com/nemoshlag/data-integrator/internal/config"
	"github.com/nemoshlag/data-integrator/internal/consumer"
	"github.com/nemoshlag/data-integrator/internal/database"
	"github.com/nemoshlag/data-integrator/internal/dispatcher"
	"github.com/nemoshlag/data-integrator/internal/index"
	"github.com/nemoshlag/data-integrator/internal/metrics"
	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/reconciler"
	"github.com/nemoshlag/data-integrator/internal/redisx"
	"github.com/nemoshlag/data-integrator/internal/repository"
	"github.com/nemoshlag/data-integrator/internal/sweeper"
)

// MonitorService 患者监控服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	idx            index.Index
	admissionsRepo *repository.AdmissionsRepository
	redisBcast     *broadcast.RedisBroadcaster
	mqttBcast      *broadcast.MQTTBroadcaster
	dispatcher     *dispatcher.Dispatcher
	reconciler     *reconciler.Reconciler
	eventConsumer  *consumer.EventConsumer
	sweeper        *sweeper.Sweeper
	metricsServer  *metrics.Server
}

// NewMonitorService 创建患者监控服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewClient(&cfg.Redis)
	ctx := context.Background()
	if err := redisx.Ping(ctx, redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建存储层
	idx := index.NewPostgresIndex(db, logger)
	admissionsRepo := repository.NewAdmissionsRepository(db, logger)

	// 4. 创建广播通道
	broadcasters := []dispatcher.Broadcaster{}

	redisBcast := broadcast.NewRedisBroadcaster(
		redisClient,
		cfg.Dispatch.ObserverSetKey,
		cfg.Dispatch.ChannelPrefix,
		logger,
	)
	broadcasters = append(broadcasters, redisBcast)

	var mqttBcast *broadcast.MQTTBroadcaster
	if cfg.Alerts.MQTT.Enabled {
		mqttBcast, err = broadcast.NewMQTTBroadcaster(broadcast.MQTTConfig{
			Broker:   cfg.Alerts.MQTT.Broker,
			ClientID: cfg.Alerts.MQTT.ClientID,
			Username: cfg.Alerts.MQTT.Username,
			Password: cfg.Alerts.MQTT.Password,
			Topic:    cfg.Alerts.MQTT.Topic,
			QoS:      cfg.Alerts.MQTT.QoS,
		}, logger)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, fmt.Errorf("failed to create mqtt broadcaster: %w", err)
		}
		broadcasters = append(broadcasters, mqttBcast)
	}

	if cfg.Alerts.Webhook.Enabled && len(cfg.Alerts.Webhook.Endpoints) > 0 {
		broadcasters = append(broadcasters, broadcast.NewWebhookBroadcaster(
			cfg.Alerts.Webhook.Endpoints,
			time.Duration(cfg.Alerts.Webhook.Timeout)*time.Second,
			logger,
		))
	}

	// 5. 创建分发器
	disp := dispatcher.New(dispatcher.Config{
		Workers:          cfg.Dispatch.Workers,
		QueueSize:        cfg.Dispatch.QueueSize,
		BroadcastTimeout: cfg.BroadcastTimeout(),
	}, broadcasters, logger)

	// 6. 创建调和器（分发器作为事件接收端）
	rec := reconciler.New(reconciler.Config{
		AttentionThresholdHours: cfg.Monitoring.AttentionThresholdHours,
		Thresholds:              cfg.Thresholds(),
		MaxAttempts:             cfg.Reconcile.MaxAttempts,
		RetryBackoff:            cfg.RetryBackoff(),
	}, idx, disp, logger)

	// 7. 创建事件消费者
	eventConsumer := consumer.NewEventConsumer(
		redisClient,
		admissionsRepo,
		rec,
		logger,
		cfg.Ingest.Stream,
		cfg.Ingest.Group,
		cfg.Ingest.Consumer,
		cfg.Ingest.BatchSize,
		cfg.Ingest.Workers,
	)

	// 8. 创建巡检器
	sw := sweeper.New(sweeper.Config{
		Interval:  cfg.SweepInterval(),
		BatchSize: cfg.Monitoring.SweepBatchSize,
	}, idx, disp, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)
	}

	return &MonitorService{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		idx:            idx,
		admissionsRepo: admissionsRepo,
		redisBcast:     redisBcast,
		mqttBcast:      mqttBcast,
		dispatcher:     disp,
		reconciler:     rec,
		eventConsumer:  eventConsumer,
		sweeper:        sw,
		metricsServer:  metricsServer,
	}, nil
}

// Start 启动服务（阻塞直至 ctx 取消）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting patient monitor service")

	if s.metricsServer != nil {
		s.metricsServer.Start()
	}

	s.dispatcher.Start(ctx)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.eventConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("event consumer: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.sweeper.Start(ctx); err != nil {
			errChan <- fmt.Errorf("sweeper: %w", err)
		}
	}()

	// 等待取消或任一组件出错
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
	}

	wg.Wait()
	return runErr
}

// Stop 停止服务并释放连接
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping patient monitor service")

	s.dispatcher.Stop()

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.BroadcastTimeout())
		defer cancel()
		if err := s.metricsServer.Stop(ctx); err != nil {
			s.logger.Error("Failed to stop metrics server",
				zap.Error(err),
			)
		}
	}

	if s.mqttBcast != nil {
		s.mqttBcast.Close()
	}

	if err := redisx.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
		return err
	}

	return nil
}

// TopByTier 查询最需要关注的患者（小时数降序，从未检验排最前）
func (s *MonitorService) TopByTier(ctx context.Context, tier, limit int) ([]models.MonitoringEntry, error) {
	return s.idx.TopByTier(ctx, tier, limit)
}

// PatientsByWard 查询某病区超过阈值小时数的患者
func (s *MonitorService) PatientsByWard(ctx context.Context, ward string, minHours float64) ([]models.MonitoringEntry, error) {
	return s.idx.ByWard(ctx, ward, minHours)
}

// RegisterObserver 注册告警观察者（护士站终端）
func (s *MonitorService) RegisterObserver(ctx context.Context, observerID string) error {
	return s.redisBcast.RegisterObserver(ctx, observerID)
}

// UnregisterObserver 注销告警观察者
func (s *MonitorService) UnregisterObserver(ctx context.Context, observerID string) error {
	return s.redisBcast.UnregisterObserver(ctx, observerID)
}
