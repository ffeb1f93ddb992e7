package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// 调和指标
	reconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_reconciles_total",
			Help: "Total number of reconcile operations",
		},
		[]string{"outcome"}, // success / validation_error / failed
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_reconcile_duration_seconds",
			Help:    "Reconcile operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_transitions_total",
			Help: "Total number of monitoring state transitions",
		},
		[]string{"kind"}, // entered / resolved / tier_changed
	)

	// 报警指标
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Total number of alert deliveries",
		},
		[]string{"broadcaster", "result"}, // sent / failed
	)

	// 巡检指标
	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_sweeps_total",
			Help: "Total number of sweep runs",
		},
	)

	sweepClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_sweep_claimed_total",
			Help: "Total number of entries claimed by sweeps",
		},
	)

	// 事件摄入指标
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_events_total",
			Help: "Total number of admission events consumed",
		},
		[]string{"event_type", "outcome"},
	)
)

// RecordReconcile 记录一次调和
func RecordReconcile(outcome string, duration time.Duration) {
	reconcilesTotal.WithLabelValues(outcome).Inc()
	reconcileDuration.Observe(duration.Seconds())
}

// RecordTransition 记录一次状态迁移
func RecordTransition(kind string) {
	transitionsTotal.WithLabelValues(kind).Inc()
}

// RecordAlerts 记录一次广播的投递统计
func RecordAlerts(broadcaster string, sent, failed int) {
	alertsTotal.WithLabelValues(broadcaster, "sent").Add(float64(sent))
	alertsTotal.WithLabelValues(broadcaster, "failed").Add(float64(failed))
}

// RecordSweep 记录一次巡检
func RecordSweep(claimed int) {
	sweepsTotal.Inc()
	sweepClaimedTotal.Add(float64(claimed))
}

// RecordEvent 记录一条已消费的住院事件
func RecordEvent(eventType, outcome string) {
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server 指标 HTTP 服务
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer 创建指标服务
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start 启动指标服务（非阻塞）
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics server started",
			zap.String("addr", s.server.Addr),
		)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed",
				zap.Error(err),
			)
		}
	}()
}

// Stop 关闭指标服务
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
