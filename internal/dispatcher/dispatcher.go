package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/metrics"
	"github.com/nemoshlag/data-integrator/internal/models"
)

// Broadcaster 告警广播通道（Redis Pub/Sub、MQTT、Webhook 各自实现）
type Broadcaster interface {
	Name() string
	// Broadcast 向所有观察者广播告警，exclude 中的观察者跳过
	Broadcast(ctx context.Context, msg *models.AlertMessage, exclude map[string]bool) (models.DeliveryStats, error)
}

// Config Dispatcher 配置
type Config struct {
	Workers          int           // 分发工作协程数
	QueueSize        int           // 每个工作协程的队列容量
	BroadcastTimeout time.Duration // 单个广播通道的超时
}

// Dispatcher 告警分发器：消费状态迁移事件，构造告警消息并广播
// 事件按键哈希到固定的工作协程，保证同一患者的告警按迁移顺序送出
type Dispatcher struct {
	cfg          Config
	broadcasters []Broadcaster
	logger       *zap.Logger

	queues []chan *models.TransitionEvent
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New 创建告警分发器
func New(cfg Config, broadcasters []Broadcaster, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		broadcasters: broadcasters,
		logger:       logger,
	}
}

// Start 启动分发工作协程
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.queues = make([]chan *models.TransitionEvent, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		d.queues[i] = make(chan *models.TransitionEvent, d.cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.logger.Info("Alert dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
		zap.Int("broadcasters", len(d.broadcasters)),
	)
}

// Stop 关闭队列并等待在途事件分发完毕
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	d.wg.Wait()

	d.logger.Info("Alert dispatcher stopped")
}

// Dispatch 非阻塞入队：调用方可能持有键锁，绝不能在此等待
// 队列饱和时丢弃事件并记录，绝不阻塞调和路径
func (d *Dispatcher) Dispatch(event *models.TransitionEvent) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		d.logger.Warn("Event dropped, dispatcher not running",
			zap.String("key", event.Key()),
			zap.String("kind", string(event.Kind)),
		)
		return
	}
	queue := d.queues[d.shard(event.Key())]
	d.mu.Unlock()

	select {
	case queue <- event:
	default:
		d.logger.Warn("Event dropped, dispatch queue saturated",
			zap.String("key", event.Key()),
			zap.String("kind", string(event.Kind)),
		)
	}
}

// shard 键哈希到固定工作协程，保证同键事件串行分发
func (d *Dispatcher) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(d.cfg.Workers))
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for event := range d.queues[id] {
		d.deliver(ctx, buildAlertMessage(event))
	}
}

// deliver 向所有广播通道送出一条告警，单通道失败不影响其余通道
func (d *Dispatcher) deliver(ctx context.Context, msg *models.AlertMessage) {
	for _, b := range d.broadcasters {
		bctx, cancel := context.WithTimeout(ctx, d.cfg.BroadcastTimeout)
		stats, err := b.Broadcast(bctx, msg, nil)
		cancel()

		if err != nil {
			d.logger.Error("Broadcast failed",
				zap.String("broadcaster", b.Name()),
				zap.String("alert_id", msg.ID),
				zap.String("alert_type", msg.AlertType),
				zap.Error(err),
			)
			continue
		}

		metrics.RecordAlerts(b.Name(), stats.Sent, stats.Failed)
		d.logger.Info("Alert broadcast",
			zap.String("broadcaster", b.Name()),
			zap.String("alert_id", msg.ID),
			zap.String("alert_type", msg.AlertType),
			zap.Int("sent", stats.Sent),
			zap.Int("failed", stats.Failed),
		)
	}
}

// DeliverSweep 同步送出一批扫描产出的告警（Sweeper 调用）
// 每条之间检查 ctx，停机时尽快返回
func (d *Dispatcher) DeliverSweep(ctx context.Context, entries []models.MonitoringEntry) error {
	for i := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.deliver(ctx, buildSweepAlert(&entries[i]))
	}
	return nil
}

// buildAlertMessage 由状态迁移事件构造外发告警
func buildAlertMessage(event *models.TransitionEvent) *models.AlertMessage {
	var alertType string
	switch event.Kind {
	case models.TransitionEntered:
		alertType = models.AlertTypeNoTest
	case models.TransitionTierChanged:
		alertType = models.AlertTypeTierChanged
	case models.TransitionResolved:
		alertType = models.AlertTypeResolved
	default:
		alertType = models.AlertTypeNoTest
	}

	data := models.AlertData{
		PatientID:      event.PatientID,
		AdmissionID:    event.AdmissionID,
		Ward:           event.Ward,
		BedNumber:      event.BedNumber,
		PriorityTier:   event.NewTier,
		OldTier:        event.OldTier,
		Escalated:      event.Escalated(),
		HoursSinceTest: hoursPtr(event.HoursSinceTest),
		LastTestTime:   event.LastTestTime,
		Message:        alertText(event),
	}

	return &models.AlertMessage{
		ID:        uuid.New().String(),
		Type:      "alert",
		AlertType: alertType,
		Timestamp: event.OccurredAt,
		Data:      data,
	}
}

// buildSweepAlert 由批量扫描认领的条目构造周期性提醒告警
func buildSweepAlert(entry *models.MonitoringEntry) *models.AlertMessage {
	data := models.AlertData{
		PatientID:      entry.PatientID,
		AdmissionID:    entry.AdmissionID,
		Ward:           entry.Ward,
		BedNumber:      entry.BedNumber,
		PriorityTier:   entry.PriorityTier,
		HoursSinceTest: entry.HoursValue(),
		LastTestTime:   entry.LastTestTime,
		Message:        noTestText(entry.PatientID, entry.HoursValue()),
	}

	return &models.AlertMessage{
		ID:        uuid.New().String(),
		Type:      "alert",
		AlertType: models.AlertTypeNoTest,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func alertText(event *models.TransitionEvent) string {
	switch event.Kind {
	case models.TransitionResolved:
		return fmt.Sprintf("Patient %s monitoring resolved", event.PatientID)
	case models.TransitionTierChanged:
		if event.Escalated() {
			return fmt.Sprintf("Patient %s escalated to priority tier %d", event.PatientID, event.NewTier)
		}
		return fmt.Sprintf("Patient %s de-escalated to priority tier %d", event.PatientID, event.NewTier)
	default:
		return noTestText(event.PatientID, hoursPtr(event.HoursSinceTest))
	}
}

func noTestText(patientID string, hours *float64) string {
	if hours == nil {
		return fmt.Sprintf("Patient %s has never been tested since admission", patientID)
	}
	return fmt.Sprintf("Patient %s has not had tests for %.1f hours", patientID, *hours)
}

func hoursPtr(hours float64) *float64 {
	e := models.MonitoringEntry{HoursSinceTest: hours}
	return e.HoursValue()
}
