package monitor

import (
	"math"
	"time"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// ComputeStatus 计算距上次检验的小时数和是否需要关注
// 纯函数，now 由调用方注入以便测试
//   - 非 Active 状态：needsAttention 恒为 false（小时数仍计算，仅用于观测）
//   - 从未检验：小时数为 +Inf，needsAttention 为 true
//   - 其他：小时数 = now - lastTestTime（可为小数），达到阈值即需要关注
func ComputeStatus(status models.AdmissionStatus, lastTestTime *time.Time, now time.Time, attentionThresholdHours float64) (hoursSinceTest float64, needsAttention bool) {
	if lastTestTime == nil {
		hoursSinceTest = math.Inf(1)
	} else {
		hoursSinceTest = now.Sub(*lastTestTime).Hours()
	}

	if status != models.StatusActive {
		return hoursSinceTest, false
	}

	if lastTestTime == nil {
		return hoursSinceTest, true
	}

	return hoursSinceTest, hoursSinceTest >= attentionThresholdHours
}
