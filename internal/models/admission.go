package models

import (
	"time"
)

// AdmissionStatus 住院状态
type AdmissionStatus string

const (
	StatusActive     AdmissionStatus = "Active"     // 在院
	StatusDischarged AdmissionStatus = "Discharged" // 已出院
)

// Admission 住院记录（对应 admissions 表）
// 不变量：release_time 非空 ⇔ status = Discharged
type Admission struct {
	AdmissionID   string          `json:"admission_id" db:"admission_id"`
	PatientID     string          `json:"patient_id" db:"patient_id"`
	Ward          string          `json:"ward" db:"ward"`
	BedNumber     string          `json:"bed_number" db:"bed_number"`
	Status        AdmissionStatus `json:"status" db:"status"`
	AdmissionTime time.Time       `json:"admission_time" db:"admission_time"`
	ReleaseTime   *time.Time      `json:"release_time,omitempty" db:"release_time"`
	LastTestTime  *time.Time      `json:"last_test_time,omitempty" db:"last_test_time"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LabTest 检验记录（对应 lab_tests 表）
// 创建后不可变；只有最大的 test_time 影响 admissions.last_test_time
type LabTest struct {
	TestID      string    `json:"test_id" db:"test_id"`
	AdmissionID string    `json:"admission_id" db:"admission_id"`
	PatientID   string    `json:"patient_id" db:"patient_id"`
	TestType    string    `json:"test_type" db:"test_type"`
	TestTime    time.Time `json:"test_time" db:"test_time"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
