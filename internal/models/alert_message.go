package models

import (
	"time"
)

// 报警类型
const (
	AlertTypeNoTest      = "noTest"      // 超时未检验（进入监控或巡检重报）
	AlertTypeTierChanged = "tierChanged" // 优先级变化
	AlertTypeResolved    = "resolved"    // 已恢复（记录了新检验或出院）
)

// AlertMessage 对外广播的报警消息
type AlertMessage struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // 恒为 "alert"
	AlertType string    `json:"alert_type"`
	Timestamp time.Time `json:"timestamp"`
	Data      AlertData `json:"data"`
}

// AlertData 报警消息载荷
type AlertData struct {
	PatientID      string     `json:"patient_id"`
	AdmissionID    string     `json:"admission_id"`
	Ward           string     `json:"ward"`
	BedNumber      string     `json:"bed_number"`
	PriorityTier   int        `json:"priority_tier,omitempty"`
	OldTier        int        `json:"old_tier,omitempty"`
	Escalated      bool       `json:"escalated,omitempty"`
	HoursSinceTest *float64   `json:"hours_since_test"` // nil 表示从未检验
	LastTestTime   *time.Time `json:"last_test_time,omitempty"`
	Message        string     `json:"message"`
}

// DeliveryStats 广播投递统计
// 单个观察者投递失败不影响其他观察者，只计入 Failed
type DeliveryStats struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Add 累加另一份统计
func (s *DeliveryStats) Add(other DeliveryStats) {
	s.Total += other.Total
	s.Sent += other.Sent
	s.Failed += other.Failed
}
