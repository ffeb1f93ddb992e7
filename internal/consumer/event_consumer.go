package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/metrics"
	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
	"github.com/nemoshlag/data-integrator/internal/reconciler"
	"github.com/nemoshlag/data-integrator/internal/redisx"
	"github.com/nemoshlag/data-integrator/internal/repository"
)

// 事件类型
const (
	EventAdmissionCreated    = "admission_created"
	EventTestRecorded        = "test_recorded"
	EventAdmissionDischarged = "admission_discharged"
)

// AdmissionEvent 住院事件（HIS 系统经 Redis Streams 投递）
type AdmissionEvent struct {
	EventType   string `json:"event_type"`
	AdmissionID string `json:"admission_id"`
	PatientID   string `json:"patient_id"`
	Ward        string `json:"ward,omitempty"`
	BedNumber   string `json:"bed_number,omitempty"`

	// test_recorded 专用
	TestID   string `json:"test_id,omitempty"`
	TestType string `json:"test_type,omitempty"`
	TestTime int64  `json:"test_time,omitempty"` // Unix 秒

	// admission_created / admission_discharged 专用
	AdmissionTime int64 `json:"admission_time,omitempty"`
	ReleaseTime   int64 `json:"release_time,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// EventConsumer 住院事件消费者
// 每条事件：写库 → 重读住院记录 → 调和监控状态 → 确认消息
type EventConsumer struct {
	redisClient  *redis.Client
	admissions   *repository.AdmissionsRepository
	reconcilerSv *reconciler.Reconciler
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	workers      int
}

// NewEventConsumer 创建住院事件消费者
func NewEventConsumer(
	redisClient *redis.Client,
	admissions *repository.AdmissionsRepository,
	rec *reconciler.Reconciler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
	workers int,
) *EventConsumer {
	if workers <= 0 {
		workers = 1
	}
	return &EventConsumer{
		redisClient:  redisClient,
		admissions:   admissions,
		reconcilerSv: rec,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		workers:      workers,
	}
}

// Start 启动事件消费者（阻塞直至 ctx 取消）
func (c *EventConsumer) Start(ctx context.Context) error {
	// 创建消费者组
	if err := redisx.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
		zap.Int("workers", c.workers),
	)

	// 消费事件（带指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Event consumer stopped")
			return nil
		default:
			if err := c.consumeEvents(ctx); err != nil {
				c.logger.Error("Failed to consume events",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}
		}
	}
}

// consumeEvents 读取一批消息并用有限的工作协程并行处理
// 调和器会按 (patient_id, admission_id) 串行化，同一患者的事件不会互相踩踏
func (c *EventConsumer) consumeEvents(ctx context.Context) error {
	messages, err := redisx.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(messages) == 0 {
		return nil
	}

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for _, msg := range messages {
		sem <- struct{}{}
		wg.Add(1)
		go func(msg redisx.StreamMessage) {
			defer func() {
				<-sem
				wg.Done()
			}()

			eventType := eventTypeOf(msg)
			if err := c.processEvent(ctx, msg); err != nil {
				if errors.Is(err, monitor.ErrValidation) {
					metrics.RecordEvent(eventType, "invalid")
					// 坏数据重放也不会变好：记录并确认，避免堵塞流
					c.logger.Warn("Discarding invalid event",
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
				} else {
					metrics.RecordEvent(eventType, "failed")
					c.logger.Error("Failed to process event",
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
					// 不确认，留待重新投递
					return
				}
			} else {
				metrics.RecordEvent(eventType, "success")
			}

			if err := c.ackMessage(ctx, msg.ID); err != nil {
				c.logger.Warn("Failed to ack message",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}(msg)
	}

	wg.Wait()

	return nil
}

// processEvent 处理单个事件
func (c *EventConsumer) processEvent(ctx context.Context, msg redisx.StreamMessage) error {
	event, err := c.parseEvent(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to parse event: %v", monitor.ErrValidation, err)
	}

	c.logger.Info("Processing admission event",
		zap.String("event_type", event.EventType),
		zap.String("admission_id", event.AdmissionID),
		zap.String("patient_id", event.PatientID),
	)

	if err := c.applyEvent(ctx, event); err != nil {
		return err
	}

	// 重读住院记录并调和监控状态
	adm, err := c.admissions.GetAdmission(ctx, event.AdmissionID)
	if err != nil {
		return fmt.Errorf("failed to load admission after event: %w", err)
	}

	if _, err := c.reconcilerSv.Reconcile(ctx, adm, time.Now()); err != nil {
		return err
	}

	return nil
}

// applyEvent 把事件落库
func (c *EventConsumer) applyEvent(ctx context.Context, event *AdmissionEvent) error {
	switch event.EventType {
	case EventAdmissionCreated:
		adm := &models.Admission{
			AdmissionID:   event.AdmissionID,
			PatientID:     event.PatientID,
			Ward:          event.Ward,
			BedNumber:     event.BedNumber,
			Status:        models.StatusActive,
			AdmissionTime: time.Unix(event.AdmissionTime, 0).UTC(),
		}
		return c.admissions.CreateAdmission(ctx, adm)

	case EventTestRecorded:
		test := &models.LabTest{
			TestID:      event.TestID,
			AdmissionID: event.AdmissionID,
			PatientID:   event.PatientID,
			TestType:    event.TestType,
			TestTime:    time.Unix(event.TestTime, 0).UTC(),
		}
		return c.admissions.RecordTest(ctx, test)

	case EventAdmissionDischarged:
		releaseTime := time.Unix(event.ReleaseTime, 0).UTC()
		if event.ReleaseTime == 0 {
			releaseTime = time.Now().UTC()
		}
		return c.admissions.DischargeAdmission(ctx, event.AdmissionID, releaseTime)

	default:
		return fmt.Errorf("%w: unknown event type %q", monitor.ErrValidation, event.EventType)
	}
}

// eventTypeOf 粗解析事件类型（仅用于指标标签）
func eventTypeOf(msg redisx.StreamMessage) string {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return "unknown"
	}
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil || probe.EventType == "" {
		return "unknown"
	}
	return probe.EventType
}

// parseEvent 从消息的 data 字段解析事件
func (c *EventConsumer) parseEvent(msg redisx.StreamMessage) (*AdmissionEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}

	var event AdmissionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.EventType == "" || event.AdmissionID == "" {
		return nil, fmt.Errorf("event missing event_type or admission_id")
	}

	return &event, nil
}

// ackMessage 确认消息
func (c *EventConsumer) ackMessage(ctx context.Context, messageID string) error {
	return redisx.AckMessage(ctx, c.redisClient, c.stream, c.groupName, messageID)
}
