package monitor

import (
	"fmt"
	"math"
)

// 优先级档位（数值越小越紧急）
const (
	TierCritical = 1
	TierWarning  = 2
	TierWatch    = 3
)

// Thresholds 优先级阈值（小时）
// warning 和 critical 可独立配置，唯一合法顺序是 warning < critical
type Thresholds struct {
	WarningHours  float64
	CriticalHours float64
}

// DefaultThresholds 默认阈值（warning=36h, critical=48h）
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningHours:  36,
		CriticalHours: 48,
	}
}

// Validate 校验阈值顺序，非法配置在启动时立即失败
func (t Thresholds) Validate() error {
	if t.WarningHours <= 0 || t.CriticalHours <= 0 {
		return fmt.Errorf("%w: thresholds must be positive (warning=%.1f, critical=%.1f)",
			ErrConfiguration, t.WarningHours, t.CriticalHours)
	}
	if t.WarningHours >= t.CriticalHours {
		return fmt.Errorf("%w: warning threshold (%.1f) must be below critical threshold (%.1f)",
			ErrConfiguration, t.WarningHours, t.CriticalHours)
	}
	return nil
}

// Classify 根据距上次检验的小时数映射优先级档位
// +Inf（从未检验）恒为 tier 1
func Classify(hoursSinceTest float64, t Thresholds) int {
	if math.IsInf(hoursSinceTest, 1) || hoursSinceTest >= t.CriticalHours {
		return TierCritical
	}
	if hoursSinceTest >= t.WarningHours {
		return TierWarning
	}
	return TierWatch
}
