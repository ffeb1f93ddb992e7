package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/index"
	"github.com/nemoshlag/data-integrator/internal/metrics"
	"github.com/nemoshlag/data-integrator/internal/models"
)

// Deliverer 扫描结果的投递端（由 Dispatcher 实现）
type Deliverer interface {
	DeliverSweep(ctx context.Context, entries []models.MonitoringEntry) error
}

// Config Sweeper 配置
type Config struct {
	Interval  time.Duration // 扫描周期
	BatchSize int           // 单次认领条数上限
}

// Sweeper 周期扫描器：认领最高优先级批次并触发重报
// 认领规则由索引保证：同一条目在重算前不会被第二次认领，
// 因此多个实例并行扫描也不会对同一患者重复报警
type Sweeper struct {
	cfg       Config
	idx       index.Index
	deliverer Deliverer
	logger    *zap.Logger
}

// New 创建周期扫描器
func New(cfg Config, idx index.Index, deliverer Deliverer, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		idx:       idx,
		deliverer: deliverer,
		logger:    logger,
	}
}

// Start 启动扫描循环（阻塞直至 ctx 取消）
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// 立即执行一次
	if err := s.sweepOnce(ctx); err != nil {
		s.logger.Error("Failed to sweep on startup",
			zap.Error(err),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Error("Failed to sweep monitoring index",
					zap.Error(err),
				)
				// 继续执行，不中断
			}
		}
	}
}

// sweepOnce 认领一个批次并投递重报告警
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	start := time.Now()

	entries, err := s.idx.ClaimBatch(ctx, s.cfg.BatchSize, start)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Debug("Sweep found no claimable entries")
		return nil
	}

	if err := s.deliverer.DeliverSweep(ctx, entries); err != nil {
		return fmt.Errorf("failed to deliver sweep alerts: %w", err)
	}

	metrics.RecordSweep(len(entries))
	s.logger.Info("Sweep completed",
		zap.Int("claimed", len(entries)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
