package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
)

// AdmissionsRepository 住院与检验记录仓库
// Admission/LabTest 归外部存储所有，本服务只读取快照并执行摄入侧写入
type AdmissionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAdmissionsRepository 创建住院记录仓库
func NewAdmissionsRepository(db *sql.DB, logger *zap.Logger) *AdmissionsRepository {
	return &AdmissionsRepository{
		db:     db,
		logger: logger,
	}
}

// GetAdmission 根据 admission_id 获取住院记录
func (r *AdmissionsRepository) GetAdmission(ctx context.Context, admissionID string) (*models.Admission, error) {
	query := `
		SELECT
			admission_id,
			patient_id,
			ward,
			bed_number,
			status,
			admission_time,
			release_time,
			last_test_time,
			updated_at
		FROM admissions
		WHERE admission_id = $1
	`

	var adm models.Admission
	var releaseTime, lastTestTime sql.NullTime

	err := r.db.QueryRowContext(ctx, query, admissionID).Scan(
		&adm.AdmissionID,
		&adm.PatientID,
		&adm.Ward,
		&adm.BedNumber,
		&adm.Status,
		&adm.AdmissionTime,
		&releaseTime,
		&lastTestTime,
		&adm.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("admission not found: admission_id=%s", admissionID)
		}
		return nil, fmt.Errorf("failed to get admission: %w", err)
	}

	if releaseTime.Valid {
		adm.ReleaseTime = &releaseTime.Time
	}
	if lastTestTime.Valid {
		adm.LastTestTime = &lastTestTime.Time
	}

	return &adm, nil
}

// GetLatestTestTime 获取住院记录最近一次检验时间（无检验时返回 nil）
func (r *AdmissionsRepository) GetLatestTestTime(ctx context.Context, admissionID string) (*time.Time, error) {
	query := `
		SELECT MAX(test_time)
		FROM lab_tests
		WHERE admission_id = $1
	`

	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx, query, admissionID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest test time: %w", err)
	}

	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

// CreateAdmission 创建住院记录
func (r *AdmissionsRepository) CreateAdmission(ctx context.Context, adm *models.Admission) error {
	if err := monitor.ValidateAdmission(adm); err != nil {
		return err
	}

	query := `
		INSERT INTO admissions (
			admission_id,
			patient_id,
			ward,
			bed_number,
			status,
			admission_time,
			release_time,
			last_test_time,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		adm.AdmissionID,
		adm.PatientID,
		adm.Ward,
		adm.BedNumber,
		adm.Status,
		adm.AdmissionTime,
		adm.ReleaseTime,
		adm.LastTestTime,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create admission: %w", err)
	}

	return nil
}

// RecordTest 记录一次检验并推进 last_test_time
// last_test_time 只向前推进：乱序到达的早于当前值的检验不会回退它
func (r *AdmissionsRepository) RecordTest(ctx context.Context, test *models.LabTest) error {
	if test == nil {
		return fmt.Errorf("%w: test is required", monitor.ErrValidation)
	}
	if test.TestID == "" || test.AdmissionID == "" || test.PatientID == "" {
		return fmt.Errorf("%w: test_id, admission_id and patient_id are required", monitor.ErrValidation)
	}
	if test.TestTime.IsZero() {
		return fmt.Errorf("%w: test_time is required", monitor.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO lab_tests (
			test_id,
			admission_id,
			patient_id,
			test_type,
			test_time,
			status,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = tx.ExecContext(ctx, insertQuery,
		test.TestID,
		test.AdmissionID,
		test.PatientID,
		test.TestType,
		test.TestTime,
		test.Status,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lab test: %w", err)
	}

	updateQuery := `
		UPDATE admissions
		SET last_test_time = $2,
		    updated_at = $3
		WHERE admission_id = $1
		  AND (last_test_time IS NULL OR $2 > last_test_time)
	`

	_, err = tx.ExecContext(ctx, updateQuery, test.AdmissionID, test.TestTime, time.Now())
	if err != nil {
		return fmt.Errorf("failed to advance last test time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lab test: %w", err)
	}

	return nil
}

// DischargeAdmission 出院：置 status=Discharged 并写入 release_time
func (r *AdmissionsRepository) DischargeAdmission(ctx context.Context, admissionID string, releaseTime time.Time) error {
	if admissionID == "" {
		return fmt.Errorf("%w: admission_id is required", monitor.ErrValidation)
	}

	query := `
		UPDATE admissions
		SET status = $2,
		    release_time = $3,
		    updated_at = $4
		WHERE admission_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, admissionID, models.StatusDischarged, releaseTime, time.Now())
	if err != nil {
		return fmt.Errorf("failed to discharge admission: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("admission not found: admission_id=%s", admissionID)
	}

	return nil
}
