package models

import (
	"time"
)

// TransitionKind 状态迁移类型
type TransitionKind string

const (
	TransitionEntered     TransitionKind = "entered"      // 进入需要关注状态
	TransitionResolved    TransitionKind = "resolved"     // 脱离需要关注状态（新检验或出院）
	TransitionTierChanged TransitionKind = "tier_changed" // 优先级变化
)

// TransitionEvent 状态迁移事件（由 Reconciler 产出，Dispatcher 消费）
// 每次迁移恰好产出一个事件；状态不变时不产出（避免重复报警）
type TransitionEvent struct {
	Kind           TransitionKind `json:"kind"`
	PatientID      string         `json:"patient_id"`
	AdmissionID    string         `json:"admission_id"`
	Ward           string         `json:"ward"`
	BedNumber      string         `json:"bed_number"`
	OldTier        int            `json:"old_tier,omitempty"` // 0 表示无旧条目
	NewTier        int            `json:"new_tier,omitempty"` // 0 表示条目已移除
	HoursSinceTest float64        `json:"-"`                  // 可能为 +Inf，序列化走 AlertMessage
	LastTestTime   *time.Time     `json:"last_test_time,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Escalated 是否为升级（tier 数值变小代表更紧急）
func (e *TransitionEvent) Escalated() bool {
	return e.Kind == TransitionTierChanged && e.NewTier < e.OldTier
}

// Key 事件对应的条目主键（用于按键保序分发）
func (e *TransitionEvent) Key() string {
	return e.PatientID + "/" + e.AdmissionID
}
