package models

import (
	"math"
	"time"
)

// MonitoringEntry 监控队列条目（对应 monitoring_queue 表）
// 不变量：条目存在 ⇔ 对应住院记录 needs_attention = true
// 主键 (patient_id, admission_id)，每次住院最多一条
type MonitoringEntry struct {
	PatientID      string     `db:"patient_id"`
	AdmissionID    string     `db:"admission_id"`
	Ward           string     `db:"ward"`
	BedNumber      string     `db:"bed_number"`
	HoursSinceTest float64    `db:"hours_since_test"` // 从未检验时为 +Inf（持久化为 NULL）
	PriorityTier   int        `db:"priority_tier"`    // 1 = 最紧急
	LastTestTime   *time.Time `db:"last_test_time"`
	LastChecked    *time.Time `db:"last_checked"` // 最近一次巡检认领时间
	UpdatedAt      time.Time  `db:"updated_at"`   // 最近一次重算时间
}

// Key 条目主键（用于索引和去重）
func (e *MonitoringEntry) Key() string {
	return e.PatientID + "/" + e.AdmissionID
}

// NeverTested 是否从未记录过检验
func (e *MonitoringEntry) NeverTested() bool {
	return math.IsInf(e.HoursSinceTest, 1)
}

// HoursValue 返回可序列化的小时数（从未检验时返回 nil，JSON 无法表示 +Inf）
func (e *MonitoringEntry) HoursValue() *float64 {
	if e.NeverTested() {
		return nil
	}
	h := e.HoursSinceTest
	return &h
}
