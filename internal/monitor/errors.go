package monitor

import (
	"errors"
)

// 错误分类（用 errors.Is 判别）
var (
	// ErrValidation 入参校验失败（如 release_time 与状态不一致），调和前即拒绝
	ErrValidation = errors.New("validation error")

	// ErrIndexWrite 监控索引写入失败（瞬态存储错误）
	ErrIndexWrite = errors.New("index write error")

	// ErrReconciliationFailed 重试耗尽后的调和失败，索引保持最后一次成功状态
	ErrReconciliationFailed = errors.New("reconciliation failed")

	// ErrConfiguration 配置非法（如 warning >= critical），启动时立即失败
	ErrConfiguration = errors.New("configuration error")
)
