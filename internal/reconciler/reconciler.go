package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/index"
	"github.com/nemoshlag/data-integrator/internal/metrics"
	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
)

// EventSink 状态迁移事件的接收端（由 Dispatcher 实现）
// Dispatch 必须是廉价的入队操作：Reconciler 在持有键锁时调用它，
// 以保证同键事件的分发顺序与状态迁移顺序一致
type EventSink interface {
	Dispatch(event *models.TransitionEvent)
}

// Config Reconciler 配置
type Config struct {
	AttentionThresholdHours float64
	Thresholds              monitor.Thresholds
	MaxAttempts             int           // 索引写入重试次数上限
	RetryBackoff            time.Duration // 基础退避，指数增长
}

// Reconciler 状态调和器：MonitoringEntry 状态的唯一写入方
// 每当住院记录的 last_test_time 或 status 可能变化时被调用
type Reconciler struct {
	cfg    Config
	idx    index.Index
	events EventSink // 可为 nil（调用方自行消费返回的事件）
	logger *zap.Logger
	keys   *keyLock
	now    func() time.Time // 注入时钟，重试时用于重新取样
}

// New 创建状态调和器
func New(cfg Config, idx index.Index, events EventSink, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		idx:    idx,
		events: events,
		logger: logger,
		keys:   newKeyLock(),
		now:    time.Now,
	}
}

// Reconcile 调和单条住院记录的监控状态
// 返回本次调和产出的迁移事件（状态不变时返回 nil）
// 不同键的调和完全并行；同键调和串行化，防止读-改-写丢失更新
func (r *Reconciler) Reconcile(ctx context.Context, adm *models.Admission, now time.Time) (*models.TransitionEvent, error) {
	start := time.Now()

	if err := monitor.ValidateAdmission(adm); err != nil {
		metrics.RecordReconcile("validation_error", time.Since(start))
		return nil, err
	}

	key := adm.PatientID + "/" + adm.AdmissionID
	r.keys.Lock(key)
	defer r.keys.Unlock(key)

	var event *models.TransitionEvent
	var err error

	backoff := r.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		event, err = r.reconcileOnce(ctx, adm, now)
		if err == nil {
			break
		}
		if attempt >= r.cfg.MaxAttempts {
			r.logger.Error("Reconciliation failed after retries",
				zap.String("patient_id", adm.PatientID),
				zap.String("admission_id", adm.AdmissionID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			// 索引保持最后一次成功写入的状态
			metrics.RecordReconcile("failed", time.Since(start))
			return nil, fmt.Errorf("%w: admission_id=%s: %v",
				monitor.ErrReconciliationFailed, adm.AdmissionID, err)
		}

		r.logger.Warn("Index write failed, retrying with recomputed state",
			zap.String("admission_id", adm.AdmissionID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2

		// 重试前重新取样时钟：绝不带着过期的小时数重放
		now = r.now()
	}

	metrics.RecordReconcile("success", time.Since(start))
	if event != nil {
		metrics.RecordTransition(string(event.Kind))
		if r.events != nil {
			// 在键锁内入队，保证同键事件的分发顺序
			r.events.Dispatch(event)
		}
	}

	return event, nil
}

// reconcileOnce 执行一次计算-读取-决策-写入
func (r *Reconciler) reconcileOnce(ctx context.Context, adm *models.Admission, now time.Time) (*models.TransitionEvent, error) {
	hours, needsAttention := monitor.ComputeStatus(adm.Status, adm.LastTestTime, now, r.cfg.AttentionThresholdHours)

	prior, err := r.idx.Get(ctx, adm.PatientID, adm.AdmissionID)
	if err != nil {
		return nil, err
	}

	// 决策表
	switch {
	case !needsAttention && prior == nil:
		// 无需关注且无条目：空操作
		return nil, nil

	case !needsAttention && prior != nil:
		// 脱离关注状态：移除条目
		if err := r.idx.Remove(ctx, adm.PatientID, adm.AdmissionID); err != nil {
			return nil, err
		}
		return &models.TransitionEvent{
			Kind:           models.TransitionResolved,
			PatientID:      adm.PatientID,
			AdmissionID:    adm.AdmissionID,
			Ward:           adm.Ward,
			BedNumber:      adm.BedNumber,
			OldTier:        prior.PriorityTier,
			HoursSinceTest: hours,
			LastTestTime:   adm.LastTestTime,
			OccurredAt:     now,
		}, nil

	default:
		tier := monitor.Classify(hours, r.cfg.Thresholds)
		entry := &models.MonitoringEntry{
			PatientID:      adm.PatientID,
			AdmissionID:    adm.AdmissionID,
			Ward:           adm.Ward,
			BedNumber:      adm.BedNumber,
			HoursSinceTest: hours,
			PriorityTier:   tier,
			LastTestTime:   adm.LastTestTime,
			UpdatedAt:      now,
		}
		if err := r.idx.Upsert(ctx, entry); err != nil {
			return nil, err
		}

		if prior == nil {
			return &models.TransitionEvent{
				Kind:           models.TransitionEntered,
				PatientID:      adm.PatientID,
				AdmissionID:    adm.AdmissionID,
				Ward:           adm.Ward,
				BedNumber:      adm.BedNumber,
				NewTier:        tier,
				HoursSinceTest: hours,
				LastTestTime:   adm.LastTestTime,
				OccurredAt:     now,
			}, nil
		}

		if prior.PriorityTier != tier {
			return &models.TransitionEvent{
				Kind:           models.TransitionTierChanged,
				PatientID:      adm.PatientID,
				AdmissionID:    adm.AdmissionID,
				Ward:           adm.Ward,
				BedNumber:      adm.BedNumber,
				OldTier:        prior.PriorityTier,
				NewTier:        tier,
				HoursSinceTest: hours,
				LastTestTime:   adm.LastTestTime,
				OccurredAt:     now,
			}, nil
		}

		// 同档位刷新小时数：静默 upsert，不产出事件（避免报警风暴）
		return nil, nil
	}
}
