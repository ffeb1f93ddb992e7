package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/index"
	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
)

func testConfig() Config {
	return Config{
		AttentionThresholdHours: 48,
		Thresholds:              monitor.Thresholds{WarningHours: 36, CriticalHours: 48},
		MaxAttempts:             3,
		RetryBackoff:            time.Millisecond,
	}
}

func newTestReconciler(idx index.Index, sink EventSink) *Reconciler {
	return New(testConfig(), idx, sink, zap.NewNop())
}

func activeAdmission(patientID, admissionID string, admitted time.Time, lastTest *time.Time) *models.Admission {
	return &models.Admission{
		AdmissionID:   admissionID,
		PatientID:     patientID,
		Ward:          "ICU",
		BedNumber:     "B-1",
		Status:        models.StatusActive,
		AdmissionTime: admitted,
		LastTestTime:  lastTest,
	}
}

// recordingSink 记录分发顺序的事件接收端
type recordingSink struct {
	mu     sync.Mutex
	events []*models.TransitionEvent
}

func (s *recordingSink) Dispatch(event *models.TransitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Scenario A：在院 50 小时从未检验 → tier 1，一个 Entered 事件
func TestReconcile_NeverTestedEnters(t *testing.T) {
	idx := index.NewMemoryIndex()
	sink := &recordingSink{}
	r := newTestReconciler(idx, sink)

	admitted := time.Now().Add(-50 * time.Hour)
	adm := activeAdmission("p1", "a1", admitted, nil)

	event, err := r.Reconcile(context.Background(), adm, time.Now())

	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionEntered, event.Kind)
	assert.Equal(t, 1, event.NewTier)

	entry, err := idx.Get(context.Background(), "p1", "a1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.NeverTested())
	assert.Equal(t, 1, entry.PriorityTier)

	// 事件已送入 sink
	require.Len(t, sink.events, 1)
	assert.Equal(t, models.TransitionEntered, sink.events[0].Kind)
}

// Scenario B：49 小时未检验（tier 1）→ 新检验到达 → Resolved，条目移除
func TestReconcile_NewTestResolves(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	ctx := context.Background()
	now := time.Now()

	lastTest := now.Add(-49 * time.Hour)
	adm := activeAdmission("p1", "a1", now.Add(-100*time.Hour), &lastTest)

	event, err := r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionEntered, event.Kind)
	assert.Equal(t, 1, event.NewTier)

	// 新检验：last_test_time = now
	fresh := now
	adm.LastTestTime = &fresh

	event, err = r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionResolved, event.Kind)
	assert.Equal(t, 1, event.OldTier)

	entry, err := idx.Get(ctx, "p1", "a1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// Scenario C：40 小时（tier 2）→ 9 小时后 49 小时 → TierChanged(2,1)，不是重复 Entered
func TestReconcile_TierEscalation(t *testing.T) {
	idx := index.NewMemoryIndex()
	// 关注阈值调低到 36，使 tier 2 可达（阈值独立配置）
	cfg := testConfig()
	cfg.AttentionThresholdHours = 36
	r := New(cfg, idx, nil, zap.NewNop())
	ctx := context.Background()

	base := time.Now()
	lastTest := base.Add(-40 * time.Hour)
	adm := activeAdmission("p1", "a1", base.Add(-100*time.Hour), &lastTest)

	event, err := r.Reconcile(ctx, adm, base)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionEntered, event.Kind)
	assert.Equal(t, 2, event.NewTier)

	// 9 小时后：49 小时未检验
	later := base.Add(9 * time.Hour)
	event, err = r.Reconcile(ctx, adm, later)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionTierChanged, event.Kind)
	assert.Equal(t, 2, event.OldTier)
	assert.Equal(t, 1, event.NewTier)
	assert.True(t, event.Escalated())

	entry, err := idx.Get(ctx, "p1", "a1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.PriorityTier)
}

// Scenario D：47 小时时出院 → 条目移除，与小时数无关
func TestReconcile_DischargeRemoves(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	ctx := context.Background()
	now := time.Now()

	adm := activeAdmission("p1", "a1", now.Add(-47*time.Hour), nil)

	event, err := r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionEntered, event.Kind)

	release := now
	adm.Status = models.StatusDischarged
	adm.ReleaseTime = &release

	event, err = r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionResolved, event.Kind)

	entry, err := idx.Get(ctx, "p1", "a1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// 幂等性：同一状态调和两次，索引不变且第二次不产出事件
func TestReconcile_Idempotent(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	ctx := context.Background()
	now := time.Now()

	lastTest := now.Add(-50 * time.Hour)
	adm := activeAdmission("p1", "a1", now.Add(-100*time.Hour), &lastTest)

	first, err := r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := r.Reconcile(ctx, adm, now)
	require.NoError(t, err)
	assert.Nil(t, second, "unchanged state must not emit a duplicate event")

	assert.Equal(t, 1, idx.Len())
}

// 无需关注且无条目：完全空操作
func TestReconcile_HealthyNoop(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	now := time.Now()

	lastTest := now.Add(-2 * time.Hour)
	adm := activeAdmission("p1", "a1", now.Add(-10*time.Hour), &lastTest)

	event, err := r.Reconcile(context.Background(), adm, now)

	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Equal(t, 0, idx.Len())
}

// 校验失败：在院记录不得有 release_time
func TestReconcile_ValidationRejected(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	now := time.Now()

	adm := activeAdmission("p1", "a1", now, nil)
	adm.ReleaseTime = &now

	_, err := r.Reconcile(context.Background(), adm, now)

	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrValidation)
	assert.Equal(t, 0, idx.Len())
}

// 索引成员资格与谓词一致（性质测试）
func TestReconcile_MembershipMatchesPredicate(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		admissionID string
		lastTestAgo time.Duration
		noTest      bool
		discharged  bool
		wantEntry   bool
	}{
		{"a1", 0, true, false, true},                // 从未检验
		{"a2", 49 * time.Hour, false, false, true},  // 超时
		{"a3", 2 * time.Hour, false, false, false},  // 正常
		{"a4", 100 * time.Hour, false, true, false}, // 已出院
	}

	for _, tt := range tests {
		var lastTest *time.Time
		if !tt.noTest {
			ts := now.Add(-tt.lastTestAgo)
			lastTest = &ts
		}
		adm := activeAdmission("p", tt.admissionID, now.Add(-200*time.Hour), lastTest)
		if tt.discharged {
			release := now
			adm.Status = models.StatusDischarged
			adm.ReleaseTime = &release
			adm.LastTestTime = lastTest
		}

		_, err := r.Reconcile(ctx, adm, now)
		require.NoError(t, err)

		entry, err := idx.Get(ctx, "p", tt.admissionID)
		require.NoError(t, err)
		if tt.wantEntry {
			assert.NotNil(t, entry, "admission %s should be in index", tt.admissionID)
		} else {
			assert.Nil(t, entry, "admission %s should not be in index", tt.admissionID)
		}
	}
}

// flakyIndex 前 N 次写入失败的索引包装（重试路径测试用）
type flakyIndex struct {
	index.Index
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyIndex) Upsert(ctx context.Context, entry *models.MonitoringEntry) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: transient failure", monitor.ErrIndexWrite)
	}
	return f.Index.Upsert(ctx, entry)
}

func TestReconcile_RetriesTransientWriteFailure(t *testing.T) {
	mem := index.NewMemoryIndex()
	flaky := &flakyIndex{Index: mem, failures: 2}
	r := newTestReconciler(flaky, nil)
	now := time.Now()

	adm := activeAdmission("p1", "a1", now.Add(-50*time.Hour), nil)

	event, err := r.Reconcile(context.Background(), adm, now)

	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.TransitionEntered, event.Kind)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, 3, flaky.calls)
}

func TestReconcile_RetryExhaustionSurfacesFailure(t *testing.T) {
	mem := index.NewMemoryIndex()
	flaky := &flakyIndex{Index: mem, failures: 10}
	r := newTestReconciler(flaky, nil)
	now := time.Now()

	adm := activeAdmission("p1", "a1", now.Add(-50*time.Hour), nil)

	_, err := r.Reconcile(context.Background(), adm, now)

	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrReconciliationFailed)
	// 索引保持最后已知状态（此处为空）
	assert.Equal(t, 0, mem.Len())
}

// 并发调和不同键完全并行，同键不丢失更新
func TestReconcile_ConcurrentKeysSafe(t *testing.T) {
	idx := index.NewMemoryIndex()
	r := newTestReconciler(idx, nil)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			adm := activeAdmission("p", fmt.Sprintf("a%d", n), now.Add(-60*time.Hour), nil)
			for j := 0; j < 5; j++ {
				_, err := r.Reconcile(ctx, adm, now)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// 每个键恰好一条（at-most-one-entry 性质）
	assert.Equal(t, 10, idx.Len())
}
