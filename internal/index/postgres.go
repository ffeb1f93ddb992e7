package index

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
)

// PostgresIndex PostgreSQL 监控索引（monitoring_queue 表）
// hours_since_test 为 NULL 表示从未检验（+Inf 无法持久化为 float8）
// 排序统一使用 DESC NULLS FIRST，保证从未检验的条目最靠前
type PostgresIndex struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresIndex 创建 PostgreSQL 监控索引
func NewPostgresIndex(db *sql.DB, logger *zap.Logger) *PostgresIndex {
	return &PostgresIndex{
		db:     db,
		logger: logger,
	}
}

const entryColumns = `
	patient_id,
	admission_id,
	ward,
	bed_number,
	hours_since_test,
	priority_tier,
	last_test_time,
	last_checked,
	updated_at
`

// Upsert 插入或整体替换条目（同键冲突时覆盖）
func (p *PostgresIndex) Upsert(ctx context.Context, entry *models.MonitoringEntry) error {
	query := `
		INSERT INTO monitoring_queue (
			patient_id,
			admission_id,
			ward,
			bed_number,
			hours_since_test,
			priority_tier,
			last_test_time,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (patient_id, admission_id)
		DO UPDATE SET
			ward = EXCLUDED.ward,
			bed_number = EXCLUDED.bed_number,
			hours_since_test = EXCLUDED.hours_since_test,
			priority_tier = EXCLUDED.priority_tier,
			last_test_time = EXCLUDED.last_test_time,
			updated_at = EXCLUDED.updated_at
	`

	_, err := p.db.ExecContext(ctx, query,
		entry.PatientID,
		entry.AdmissionID,
		entry.Ward,
		entry.BedNumber,
		hoursToNull(entry.HoursSinceTest),
		entry.PriorityTier,
		entry.LastTestTime,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert monitoring entry: %v", monitor.ErrIndexWrite, err)
	}
	return nil
}

// Remove 删除条目，不存在时为空操作
func (p *PostgresIndex) Remove(ctx context.Context, patientID, admissionID string) error {
	query := `
		DELETE FROM monitoring_queue
		WHERE patient_id = $1 AND admission_id = $2
	`

	_, err := p.db.ExecContext(ctx, query, patientID, admissionID)
	if err != nil {
		return fmt.Errorf("%w: failed to remove monitoring entry: %v", monitor.ErrIndexWrite, err)
	}
	return nil
}

// Get 读取条目，不存在时返回 (nil, nil)
func (p *PostgresIndex) Get(ctx context.Context, patientID, admissionID string) (*models.MonitoringEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM monitoring_queue
		WHERE patient_id = $1 AND admission_id = $2
	`

	entry, err := scanEntry(p.db.QueryRowContext(ctx, query, patientID, admissionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get monitoring entry: %w", err)
	}
	return entry, nil
}

// TopByTier 按档位查询最滞后的前 N 条
func (p *PostgresIndex) TopByTier(ctx context.Context, tier, limit int) ([]models.MonitoringEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM monitoring_queue
		WHERE priority_tier = $1
		ORDER BY hours_since_test DESC NULLS FIRST, admission_id ASC
		LIMIT $2
	`

	rows, err := p.db.QueryContext(ctx, query, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring entries by tier: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ByWard 按病区查询超过阈值小时数的条目（病区不区分大小写）
func (p *PostgresIndex) ByWard(ctx context.Context, ward string, hoursThreshold float64) ([]models.MonitoringEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM monitoring_queue
		WHERE LOWER(ward) = LOWER($1)
		  AND (hours_since_test IS NULL OR hours_since_test >= $2)
		ORDER BY hours_since_test DESC NULLS FIRST, admission_id ASC
	`

	rows, err := p.db.QueryContext(ctx, query, ward, hoursThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring entries by ward: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ClaimBatch 原子认领最滞后的 tier 1 条目并标记 last_checked
// 单条 CTE UPDATE 配合 FOR UPDATE SKIP LOCKED，并发巡检不会认领同一条目；
// 已认领条目需等下次重算刷新 updated_at 后才重新可认领
func (p *PostgresIndex) ClaimBatch(ctx context.Context, maxSize int, now time.Time) ([]models.MonitoringEntry, error) {
	query := `
		WITH batch AS (
			SELECT patient_id, admission_id
			FROM monitoring_queue
			WHERE priority_tier = 1
			  AND (last_checked IS NULL OR last_checked < updated_at)
			ORDER BY hours_since_test DESC NULLS FIRST, admission_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE monitoring_queue mq
		SET last_checked = $2
		FROM batch b
		WHERE mq.patient_id = b.patient_id
		  AND mq.admission_id = b.admission_id
		RETURNING
			mq.patient_id,
			mq.admission_id,
			mq.ward,
			mq.bed_number,
			mq.hours_since_test,
			mq.priority_tier,
			mq.last_test_time,
			mq.last_checked,
			mq.updated_at
	`

	rows, err := p.db.QueryContext(ctx, query, maxSize, now)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to claim monitoring batch: %v", monitor.ErrIndexWrite, err)
	}
	defer rows.Close()

	claimed, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING 不保证顺序，重排为最滞后优先
	sortEntries(claimed)
	return claimed, nil
}

// scanEntry 扫描单行条目
func scanEntry(row *sql.Row) (*models.MonitoringEntry, error) {
	var entry models.MonitoringEntry
	var hours sql.NullFloat64
	var lastTest, lastChecked sql.NullTime

	err := row.Scan(
		&entry.PatientID,
		&entry.AdmissionID,
		&entry.Ward,
		&entry.BedNumber,
		&hours,
		&entry.PriorityTier,
		&lastTest,
		&lastChecked,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	applyNullables(&entry, hours, lastTest, lastChecked)
	return &entry, nil
}

// scanEntries 扫描多行条目
func scanEntries(rows *sql.Rows) ([]models.MonitoringEntry, error) {
	var entries []models.MonitoringEntry
	for rows.Next() {
		var entry models.MonitoringEntry
		var hours sql.NullFloat64
		var lastTest, lastChecked sql.NullTime

		err := rows.Scan(
			&entry.PatientID,
			&entry.AdmissionID,
			&entry.Ward,
			&entry.BedNumber,
			&hours,
			&entry.PriorityTier,
			&lastTest,
			&lastChecked,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitoring entry: %w", err)
		}

		applyNullables(&entry, hours, lastTest, lastChecked)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitoring entries: %w", err)
	}
	return entries, nil
}

func applyNullables(entry *models.MonitoringEntry, hours sql.NullFloat64, lastTest, lastChecked sql.NullTime) {
	if hours.Valid {
		entry.HoursSinceTest = hours.Float64
	} else {
		entry.HoursSinceTest = math.Inf(1)
	}
	if lastTest.Valid {
		entry.LastTestTime = &lastTest.Time
	}
	if lastChecked.Valid {
		entry.LastChecked = &lastChecked.Time
	}
}

// hoursToNull +Inf 持久化为 NULL
func hoursToNull(hours float64) sql.NullFloat64 {
	if math.IsInf(hours, 1) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: hours, Valid: true}
}
