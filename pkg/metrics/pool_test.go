package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowgrid/blockpool/pkg/blockpool"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPoolMetrics(reg)

	m.RecordEviction(4096)
	m.RecordEviction(4096)
	m.RecordSwapIn(4096)
	m.RecordWriteFailure()
	m.RecordReadFailure()

	if got := testutil.ToFloat64(m.evictions); got != 2 {
		t.Errorf("expected 2 evictions, got %v", got)
	}
	if got := testutil.ToFloat64(m.evictedBytes); got != 8192 {
		t.Errorf("expected 8192 evicted bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.swapIns); got != 1 {
		t.Errorf("expected 1 swap-in, got %v", got)
	}
	if got := testutil.ToFloat64(m.writeFailures); got != 1 {
		t.Errorf("expected 1 write failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.readFailures); got != 1 {
		t.Errorf("expected 1 read failure, got %v", got)
	}
}

func TestSampler_PushesSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPoolMetrics(reg)

	pool := blockpool.NewSimple(2)
	defer func() { _ = pool.Close() }()

	pb, err := pool.AllocateBlock(1024, 1)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	defer pb.Release()

	NewSampler(pool, m).RunTask(time.Now())

	if got := testutil.ToFloat64(m.ramUsed); got != 1024 {
		t.Errorf("expected ram gauge 1024, got %v", got)
	}
	if got := testutil.ToFloat64(m.blocks); got != 1 {
		t.Errorf("expected 1 block, got %v", got)
	}
	if got := testutil.ToFloat64(m.pins); got != 1 {
		t.Errorf("expected 1 pin, got %v", got)
	}
	if got := testutil.ToFloat64(m.workerPins.WithLabelValues("1")); got != 1 {
		t.Errorf("expected 1 pin for worker 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.workerPins.WithLabelValues("0")); got != 0 {
		t.Errorf("expected 0 pins for worker 0, got %v", got)
	}
}
