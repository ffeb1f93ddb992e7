package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// MemoryIndex 内存监控索引（用于测试和单机部署）
// 全局互斥锁保证单键写入线性化，以及认领与写入互不穿插
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]*models.MonitoringEntry
}

// NewMemoryIndex 创建内存监控索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		entries: make(map[string]*models.MonitoringEntry),
	}
}

// Upsert 插入或整体替换条目
func (m *MemoryIndex) Upsert(ctx context.Context, entry *models.MonitoringEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 存副本，避免调用方后续修改穿透索引
	copied := *entry
	m.entries[entry.Key()] = &copied
	return nil
}

// Remove 删除条目，不存在时为空操作
func (m *MemoryIndex) Remove(ctx context.Context, patientID, admissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, patientID+"/"+admissionID)
	return nil
}

// Get 读取条目，不存在时返回 (nil, nil)
func (m *MemoryIndex) Get(ctx context.Context, patientID, admissionID string) (*models.MonitoringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[patientID+"/"+admissionID]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// TopByTier 按档位查询最滞后的前 N 条
func (m *MemoryIndex) TopByTier(ctx context.Context, tier, limit int) ([]models.MonitoringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.MonitoringEntry
	for _, entry := range m.entries {
		if entry.PriorityTier == tier {
			result = append(result, *entry)
		}
	}
	sortEntries(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ByWard 按病区查询超过阈值小时数的条目
func (m *MemoryIndex) ByWard(ctx context.Context, ward string, hoursThreshold float64) ([]models.MonitoringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.MonitoringEntry
	for _, entry := range m.entries {
		if strings.EqualFold(entry.Ward, ward) && entry.HoursSinceTest >= hoursThreshold {
			result = append(result, *entry)
		}
	}
	sortEntries(result)
	return result, nil
}

// ClaimBatch 原子认领最滞后的 tier 1 条目并标记 last_checked
func (m *MemoryIndex) ClaimBatch(ctx context.Context, maxSize int, now time.Time) ([]models.MonitoringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*models.MonitoringEntry
	for _, entry := range m.entries {
		if entry.PriorityTier != 1 {
			continue
		}
		// 已认领且此后未重算的条目不可再次认领
		if entry.LastChecked != nil && !entry.LastChecked.Before(entry.UpdatedAt) {
			continue
		}
		eligible = append(eligible, entry)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].HoursSinceTest != eligible[j].HoursSinceTest {
			return eligible[i].HoursSinceTest > eligible[j].HoursSinceTest
		}
		return eligible[i].AdmissionID < eligible[j].AdmissionID
	})

	if maxSize > 0 && len(eligible) > maxSize {
		eligible = eligible[:maxSize]
	}

	claimed := make([]models.MonitoringEntry, 0, len(eligible))
	for _, entry := range eligible {
		checked := now
		entry.LastChecked = &checked
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

// Len 当前条目数（测试用）
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sortEntries 统一排序：小时数降序（+Inf 最前），admission_id 升序兜底
func sortEntries(entries []models.MonitoringEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HoursSinceTest != entries[j].HoursSinceTest {
			return entries[i].HoursSinceTest > entries[j].HoursSinceTest
		}
		return entries[i].AdmissionID < entries[j].AdmissionID
	})
}
