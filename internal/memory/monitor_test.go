package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func samplesOf(values ...uint64) []Measurement {
	out := make([]Measurement, len(values))
	for i, v := range values {
		out[i] = Measurement{HeapUsed: v}
	}
	return out
}

func TestClassifyTrend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		samples []Measurement
		want    Trend
	}{
		{"too few", samplesOf(1, 2, 3, 4, 5, 6, 7, 8, 9), TrendInsufficientData},
		{"monotonic up", samplesOf(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), TrendIncreasing},
		{"monotonic down", samplesOf(10, 9, 8, 7, 6, 5, 4, 3, 2, 1), TrendDecreasing},
		{"flat", samplesOf(5, 5, 5, 5, 5, 5, 5, 5, 5, 5), TrendStable},
		{"mixed", samplesOf(1, 3, 2, 4, 3, 5, 4, 6, 5, 7), TrendStable},
		{"only last window counts", samplesOf(100, 90, 80, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10), TrendIncreasing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, classifyTrend(tc.samples))
		})
	}
}

func TestRingKeepsMostRecent(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	for i := uint64(1); i <= 5; i++ {
		r.push(Measurement{HeapUsed: i})
	}
	got := r.values()
	require.Len(t, got, 3)
	require.Equal(t, uint64(3), got[0].HeapUsed)
	require.Equal(t, uint64(5), got[2].HeapUsed)
}

func TestThresholdsClassify(t *testing.T) {
	t.Parallel()

	th := Thresholds{Warning: 100, Critical: 200, Restart: 300}
	require.Equal(t, LevelNormal, th.Classify(99))
	require.Equal(t, LevelWarning, th.Classify(100))
	require.Equal(t, LevelCritical, th.Classify(250))
	require.Equal(t, LevelRestart, th.Classify(300))
	require.Equal(t, LevelNormal, Thresholds{}.Classify(1<<40))
}

func TestMonitorRestartFiresOncePerCrossing(t *testing.T) {
	t.Parallel()

	var restarts, criticals, warnings atomic.Int32
	m := New(Config{Thresholds: Thresholds{Warning: 100, Critical: 200, Restart: 300}}, zap.NewNop(),
		WithWarningHandler(func(context.Context, Measurement) { warnings.Add(1) }),
		WithCriticalHandler(func(context.Context, Measurement) { criticals.Add(1) }),
		WithRestartHandler(func(context.Context, Measurement) { restarts.Add(1) }),
	)
	ctx := context.Background()

	for _, heap := range []uint64{50, 150, 350, 360, 400, 310} {
		m.Observe(ctx, Measurement{HeapUsed: heap})
	}
	require.Equal(t, int32(1), warnings.Load())
	require.Equal(t, int32(0), criticals.Load())
	require.Equal(t, int32(1), restarts.Load())

	// Dropping below the ceiling ends the incident; the next crossing fires again.
	m.Observe(ctx, Measurement{HeapUsed: 250})
	m.Observe(ctx, Measurement{HeapUsed: 320})
	require.Equal(t, int32(2), restarts.Load())
	require.Equal(t, LevelRestart, m.Report().Level)
}

func TestMonitorDefaultRestartDrainsThenExits(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	inFlight.Store(1)
	exited := make(chan int, 1)
	m := New(Config{
		Thresholds:   Thresholds{Restart: 10},
		RestartGrace: 5 * time.Second,
	}, zap.NewNop(),
		WithInFlight(func() int { return int(inFlight.Load()) }),
		WithExit(func(code int) { exited <- code }),
	)

	go m.Observe(context.Background(), Measurement{HeapUsed: 11})

	select {
	case <-exited:
		t.Fatal("exited while work was still in flight")
	case <-time.After(300 * time.Millisecond):
	}
	inFlight.Store(0)
	select {
	case code := <-exited:
		require.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("restart handler did not exit after drain")
	}
}

func TestMonitorDefaultRestartHonorsGrace(t *testing.T) {
	t.Parallel()

	exited := make(chan struct{})
	var once sync.Once
	m := New(Config{Thresholds: Thresholds{Restart: 10}, RestartGrace: 100 * time.Millisecond}, zap.NewNop(),
		WithInFlight(func() int { return 3 }),
		WithExit(func(int) { once.Do(func() { close(exited) }) }),
	)
	start := time.Now()
	m.Observe(context.Background(), Measurement{HeapUsed: 50})
	<-exited
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestMonitorStopDuringRestartDrainDoesNotExit(t *testing.T) {
	t.Parallel()

	var exits atomic.Int32
	m := New(Config{
		Interval:     5 * time.Millisecond,
		Thresholds:   Thresholds{Restart: 10},
		RestartGrace: time.Minute,
	}, zap.NewNop(),
		WithHeapSampler(func() (uint64, uint64) { return 50, 100 }),
		WithRSSSampler(nil),
		WithInFlight(func() int { return 2 }),
		WithExit(func(int) { exits.Add(1) }),
	)
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.Report().Level == LevelRestart
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the restart drain")
	}
	require.Zero(t, exits.Load())
}

func TestMonitorCanceledDrainDoesNotExit(t *testing.T) {
	t.Parallel()

	var exits atomic.Int32
	m := New(Config{Thresholds: Thresholds{Restart: 10}, RestartGrace: time.Minute}, zap.NewNop(),
		WithInFlight(func() int { return 1 }),
		WithExit(func(int) { exits.Add(1) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Observe(ctx, Measurement{HeapUsed: 50})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain ignored cancellation")
	}
	require.Zero(t, exits.Load())
}

func TestMonitorLoopSamplesAndReports(t *testing.T) {
	t.Parallel()

	var heap atomic.Uint64
	m := New(Config{Interval: 5 * time.Millisecond}, zap.NewNop(),
		WithHeapSampler(func() (uint64, uint64) { return heap.Add(10), 1 << 20 }),
		WithRSSSampler(func() (uint64, error) { return 4096, nil }),
		WithExternalSampler(func() (uint64, error) { return 2048, nil }),
	)
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.Report().Samples >= 10
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	rep := m.Report()
	require.Equal(t, TrendIncreasing, rep.Trend)
	require.NotNil(t, rep.Current)
	require.Equal(t, uint64(4096), rep.Current.RSS)
	require.Equal(t, uint64(2048), rep.Current.External)
	require.LessOrEqual(t, len(m.History()), 100)
}

func TestCheckMemoryRecordsWithoutDispatch(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	m := New(Config{Thresholds: Thresholds{Warning: 1}}, zap.NewNop(),
		WithHeapSampler(func() (uint64, uint64) { return 100, 200 }),
		WithRSSSampler(nil),
		WithWarningHandler(func(context.Context, Measurement) { fired.Store(true) }),
	)
	meas := m.CheckMemory()
	require.Equal(t, uint64(100), meas.HeapUsed)
	require.False(t, fired.Load())
	require.Equal(t, 1, m.Report().Samples)
}
