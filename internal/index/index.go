package index

import (
	"context"
	"time"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// Index 监控索引：当前需要关注的 (patient, admission) 条目的权威集合
// 保证：任意时刻同一主键最多一条；同一主键的写入相互串行化
type Index interface {
	// Upsert 插入或整体替换条目（幂等）
	Upsert(ctx context.Context, entry *models.MonitoringEntry) error

	// Remove 删除条目，不存在时为空操作
	Remove(ctx context.Context, patientID, admissionID string) error

	// Get 读取条目，不存在时返回 (nil, nil)
	Get(ctx context.Context, patientID, admissionID string) (*models.MonitoringEntry, error)

	// TopByTier 按档位查询最滞后的前 N 条
	// 排序：hours_since_test 降序（从未检验排最前），admission_id 升序保证确定性
	TopByTier(ctx context.Context, tier, limit int) ([]models.MonitoringEntry, error)

	// ByWard 按病区查询超过阈值小时数的条目（病区不区分大小写）
	ByWard(ctx context.Context, ward string, hoursThreshold float64) ([]models.MonitoringEntry, error)

	// ClaimBatch 原子认领最滞后的 tier 1 条目并标记 last_checked
	// 认领是"标记并读取"而非出队；并发调用不会重复认领同一条目
	// 已认领条目在下次重算（Upsert 刷新 updated_at）前不可再次认领
	ClaimBatch(ctx context.Context, maxSize int, now time.Time) ([]models.MonitoringEntry, error)
}
