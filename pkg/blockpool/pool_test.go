package blockpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowgrid/blockpool/pkg/mem"
	"github.com/flowgrid/blockpool/pkg/store/block"
	"github.com/flowgrid/blockpool/pkg/store/block/memory"
)

const kib = 1024

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPool(t *testing.T, soft, hard uint64, workers int, store block.Store) *BlockPool {
	t.Helper()
	p, err := New(Config{
		SoftRAMLimit: soft,
		HardRAMLimit: hard,
		Workers:      workers,
		Store:        store,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// ============================================================================
// Allocation and handles
// ============================================================================

func TestAllocate_PinnedAndAccounted(t *testing.T) {
	p := NewSimple(1)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	if got := pb.Size(); got != kib {
		t.Errorf("expected size %d, got %d", kib, got)
	}
	if len(pb.Data()) != kib {
		t.Errorf("expected %d data bytes, got %d", kib, len(pb.Data()))
	}

	s := p.Stats()
	if s.TotalRAMUse != kib || s.TotalPins != 1 || s.TotalPinnedBytes != kib || s.BlockCount != 1 {
		t.Errorf("unexpected stats after allocate: %s", s)
	}

	pb.Release()
	s = p.Stats()
	if s.TotalRAMUse != 0 || s.TotalPins != 0 || s.BlockCount != 0 {
		t.Errorf("allocate/destroy did not conserve: %s", s)
	}
}

func TestAllocate_InvalidWorkerPanics(t *testing.T) {
	p := NewSimple(2)
	defer func() { _ = p.Close() }()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range worker id")
		}
	}()
	_, _ = p.AllocateBlock(kib, 2)
}

func TestAllocate_ParentRefusalPropagates(t *testing.T) {
	parent := mem.NewLimited(nil, "host", 4*kib)
	store := memory.New()
	defer func() { _ = store.Close() }()

	p, err := New(Config{Workers: 1, Store: store, Parent: parent})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(4*kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock within parent budget failed: %v", err)
	}
	defer pb.Release()

	_, err = p.AllocateBlock(kib, 0)
	if !errors.Is(err, mem.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if got := p.TotalRAMUse(); got != 4*kib {
		t.Errorf("refused allocation leaked into ram_used: %d", got)
	}
}

func TestHandle_DupAndRelease(t *testing.T) {
	p := NewSimple(1)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}

	bl := pb.Unpin()
	dup := bl.Dup()
	bl.Release()

	// The duplicate still keeps the block alive.
	if got := p.BlockCount(); got != 1 {
		t.Fatalf("expected 1 live block, got %d", got)
	}
	dup.Release()
	if got := p.BlockCount(); got != 0 {
		t.Fatalf("expected 0 live blocks, got %d", got)
	}
}

// ============================================================================
// Pinning in RAM
// ============================================================================

// Pin/pin/unpin/unpin on the same block and worker must leave the pool state
// exactly as it started.
func TestPin_IdempotentWithinWorker(t *testing.T) {
	p := NewSimple(1)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	before := p.Stats()

	second := pb.Dup()
	if got := p.TotalPins(); got != 2 {
		t.Fatalf("expected 2 pins, got %d", got)
	}
	third, err := p.Pin(&pb.Block, 0).Wait()
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	third.Release()
	second.Release()

	after := p.Stats()
	if before.TotalPins != after.TotalPins ||
		before.TotalPinnedBytes != after.TotalPinnedBytes ||
		before.TotalRAMUse != after.TotalRAMUse ||
		before.BlockCount != after.BlockCount {
		t.Errorf("pin cycle not idempotent: before %s, after %s", before, after)
	}

	pb.Release()
}

// Scenario S1: no limits, every pin resolves synchronously from RAM.
func TestScenario_UnlimitedPinsResolveSynchronously(t *testing.T) {
	p := NewSimple(1)
	defer func() { _ = p.Close() }()

	var refs []*Block
	for i := 0; i < 10; i++ {
		pb, err := p.AllocateBlock(kib, 0)
		if err != nil {
			t.Fatalf("AllocateBlock %d failed: %v", i, err)
		}
		pb.Data()[0] = byte(i)
		refs = append(refs, pb.Unpin())
	}

	if got := p.TotalRAMUse(); got != 10*kib {
		t.Errorf("expected ram_used 10240, got %d", got)
	}
	if got := p.NumSwappedBlocks(); got != 0 {
		t.Errorf("expected 0 swapped blocks, got %d", got)
	}

	for i, ref := range refs {
		f := p.Pin(ref, 0)
		if !f.Resolved() {
			t.Fatalf("pin %d did not resolve synchronously", i)
		}
		pb, err := f.Wait()
		if err != nil {
			t.Fatalf("pin %d failed: %v", i, err)
		}
		if pb.Data()[0] != byte(i) {
			t.Errorf("block %d content corrupted", i)
		}
		pb.Release()
	}
	for _, ref := range refs {
		ref.Release()
	}
}

// ============================================================================
// Eviction and swap-in
// ============================================================================

// Scenario S2 plus the evict-then-pin identity: blocks unpinned over the soft
// limit are written out, and pinning one back returns its exact content.
func TestScenario_SoftLimitEvictsAndPinSwapsIn(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	p := newTestPool(t, 4*kib, 0, 2, store)
	defer func() { _ = p.Close() }()

	var refs []*Block
	for i := 0; i < 8; i++ {
		pb, err := p.AllocateBlock(kib, 0)
		if err != nil {
			t.Fatalf("AllocateBlock %d failed: %v", i, err)
		}
		for j := range pb.Data() {
			pb.Data()[j] = byte(i)
		}
		refs = append(refs, pb.Unpin())
	}

	waitUntil(t, "writes to settle", func() bool {
		s := p.Stats()
		return s.WritingBytes == 0 && s.TotalRAMUse <= 4*kib
	})
	s := p.Stats()
	if s.NumSwappedBlocks < 4 || s.NumSwappedBlocks > 8 {
		t.Errorf("expected 4..8 swapped blocks, got %d", s.NumSwappedBlocks)
	}

	// Worker 1 pins block #0, which by LRU order was evicted first.
	pb, err := p.Pin(refs[0], 1).Wait()
	if err != nil {
		t.Fatalf("pin of swapped block failed: %v", err)
	}
	if s := p.Stats(); s.SwapIns != 1 {
		t.Errorf("expected exactly 1 read, got %d", s.SwapIns)
	}
	for j, b := range pb.Data() {
		if b != 0 {
			t.Fatalf("byte %d of swapped-in block is %d, want 0", j, b)
		}
	}
	pb.Release()

	for _, ref := range refs {
		ref.Release()
	}
}

// Scenario S3: an allocation blocked on the hard limit resumes when another
// thread frees memory.
func TestScenario_HardLimitBlocksUntilDestroy(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	p := newTestPool(t, 0, 2*kib, 1, store)
	defer func() { _ = p.Close() }()

	blockA, err := p.AllocateBlock(2*kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock A failed: %v", err)
	}

	allocated := make(chan *PinnedBlock)
	go func() {
		blockB, err := p.AllocateBlock(kib, 0)
		if err != nil {
			t.Errorf("AllocateBlock B failed: %v", err)
			close(allocated)
			return
		}
		allocated <- blockB
	}()

	select {
	case <-allocated:
		t.Fatal("allocation of B should block on the hard limit")
	case <-time.After(50 * time.Millisecond):
	}

	blockA.Release()

	blockB := <-allocated
	if blockB == nil {
		t.Fatal("allocation of B failed")
	}
	if got := p.TotalRAMUse(); got != kib {
		t.Errorf("expected ram_used 1024, got %d", got)
	}
	blockB.Release()
}

// An allocation one byte over the hard limit waits for the eviction of an
// unpinned block to complete.
func TestHardLimit_EvictsToAdmit(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	p := newTestPool(t, 0, 4*kib, 1, store)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(4*kib-1, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	ref := pb.Unpin()

	// 4095 + 2 > 4096: admission must evict the unpinned block first.
	small, err := p.AllocateBlock(2, 0)
	if err != nil {
		t.Fatalf("AllocateBlock small failed: %v", err)
	}
	if got := p.NumSwappedBlocks(); got != 1 {
		t.Errorf("expected 1 swapped block after forced eviction, got %d", got)
	}
	small.Release()
	ref.Release()
}

// Scenario S4: concurrent pins of the same swapped block issue one read and
// all resolve with the same region.
func TestScenario_ConcurrentPinsShareOneRead(t *testing.T) {
	gate := make(chan struct{})
	store := memory.New(memory.WithBeforeComplete(func(op memory.Op) {
		if op == memory.OpRead {
			<-gate
		}
	}))
	defer func() { _ = store.Close() }()

	p := newTestPool(t, 1, 0, 4, store)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	pb.Data()[7] = 42
	ref := pb.Unpin()
	waitUntil(t, "block to swap out", func() bool { return p.NumSwappedBlocks() == 1 })

	futures := make([]*PinFuture, 4)
	for w := 0; w < 4; w++ {
		futures[w] = p.Pin(ref, w)
	}
	close(gate)

	var first []byte
	for w, f := range futures {
		got, err := f.Wait()
		if err != nil {
			t.Fatalf("pin by worker %d failed: %v", w, err)
		}
		if got.Data()[7] != 42 {
			t.Errorf("worker %d sees corrupted data", w)
		}
		if first == nil {
			first = got.Data()
		} else if &first[0] != &got.Data()[0] {
			t.Errorf("worker %d got a different data region", w)
		}
		defer got.Release()
	}

	s := p.Stats()
	if s.SwapIns != 1 {
		t.Errorf("expected exactly 1 read request, got %d", s.SwapIns)
	}
	if s.TotalPins != 4 {
		t.Errorf("expected 4 pins, got %d", s.TotalPins)
	}
	for w, n := range s.PinsPerWorker {
		if n != 1 {
			t.Errorf("expected 1 pin for worker %d, got %d", w, n)
		}
	}

	ref.Release()
}

// ============================================================================
// Eviction races
// ============================================================================

// A pin that catches an eviction before the write started cancels it and
// resolves synchronously.
func TestPinRescue_CancelsQueuedWrite(t *testing.T) {
	gate := make(chan struct{})
	var gateOnce sync.Once
	store := memory.New(memory.WithBeforeStart(func(op memory.Op) {
		if op == memory.OpWrite {
			<-gate
		}
	}))

	p := newTestPool(t, 1, 0, 1, store)
	defer func() { _ = p.Close() }()
	defer func() { gateOnce.Do(func() { close(gate) }); _ = store.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	pb.Data()[0] = 9
	ref := pb.Unpin() // eviction submitted, write parked before start

	f := p.Pin(ref, 0)
	if !f.Resolved() {
		t.Fatal("rescue pin with cancellable write should resolve synchronously")
	}
	got, err := f.Wait()
	if err != nil {
		t.Fatalf("rescue pin failed: %v", err)
	}
	if got.Data()[0] != 9 {
		t.Error("rescued block lost its content")
	}
	s := p.Stats()
	if s.WritingBytes != 0 || s.NumSwappedBlocks != 0 || s.TotalPins != 1 {
		t.Errorf("unexpected state after rescue: %s", s)
	}

	gateOnce.Do(func() { close(gate) })
	got.Release()
	ref.Release()
}

// A pin that catches an eviction mid-write waits for the write and resolves
// pinned with the RAM copy; the fresh store copy is discarded.
func TestPinRescue_UncancellableWriteResolvesOnCompletion(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	var gateOnce sync.Once
	store := memory.New(memory.WithBeforeComplete(func(op memory.Op) {
		if op == memory.OpWrite {
			entered <- struct{}{}
			<-gate
		}
	}))
	defer func() { _ = store.Close() }()

	p := newTestPool(t, 1, 0, 1, store)
	defer func() { _ = p.Close() }()
	defer func() { gateOnce.Do(func() { close(gate) }) }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	pb.Data()[0] = 5
	ref := pb.Unpin()
	<-entered // the write is past the point of cancellation

	f := p.Pin(ref, 0)
	if f.Resolved() {
		t.Fatal("pin should wait for the uncancellable write")
	}

	gateOnce.Do(func() { close(gate) })
	got, err := f.Wait()
	if err != nil {
		t.Fatalf("rescue pin failed: %v", err)
	}
	if got.Data()[0] != 5 {
		t.Error("rescued block lost its content")
	}
	s := p.Stats()
	if s.NumSwappedBlocks != 0 || s.TotalPins != 1 || s.TotalRAMUse != kib {
		t.Errorf("unexpected state after rescue: %s", s)
	}
	waitUntil(t, "stale store copy to be dropped", func() bool { return store.Len() == 0 })

	got.Release()
	ref.Release()
}

// A failed eviction write puts the block back on the LRU for a later retry.
func TestWriteFailure_ReinsertsIntoLRU(t *testing.T) {
	inner := memory.New()
	defer func() { _ = inner.Close() }()
	store := &flakyStore{Store: inner}
	store.failWrites.Store(true)

	p := newTestPool(t, 1, 0, 1, store)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	ref := pb.Unpin()

	waitUntil(t, "write failure", func() bool { return p.Stats().WriteFailures >= 1 })
	s := p.Stats()
	if s.NumSwappedBlocks != 0 || s.TotalRAMUse != kib {
		t.Errorf("failed write should leave block in RAM: %s", s)
	}

	// Clear the fault and trigger pressure again.
	store.failWrites.Store(false)
	got, err := p.Pin(ref, 0).Wait()
	if err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	got.Release() // unpin reinserts and re-evicts
	waitUntil(t, "retry to swap out", func() bool { return p.NumSwappedBlocks() == 1 })

	ref.Release()
}

// A failed swap-in read fails every attached waiter but keeps the store copy,
// so a later pin can retry.
func TestReadFailure_DeliveredToWaiters(t *testing.T) {
	inner := memory.New()
	defer func() { _ = inner.Close() }()
	store := &flakyStore{Store: inner}

	p := newTestPool(t, 1, 0, 2, store)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	pb.Data()[3] = 17
	ref := pb.Unpin()
	waitUntil(t, "block to swap out", func() bool { return p.NumSwappedBlocks() == 1 })

	store.failReads.Store(true)
	_, err = p.Pin(ref, 0).Wait()
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "read" {
		t.Fatalf("expected read IOError, got %v", err)
	}
	if got := p.NumSwappedBlocks(); got != 1 {
		t.Errorf("block should remain swapped after read failure, got %d swapped", got)
	}

	store.failReads.Store(false)
	got, err := p.Pin(ref, 1).Wait()
	if err != nil {
		t.Fatalf("retried pin failed: %v", err)
	}
	if got.Data()[3] != 17 {
		t.Error("retried swap-in returned wrong content")
	}
	got.Release()
	ref.Release()
}

// ============================================================================
// Destroy and teardown
// ============================================================================

// Destroying a block with a read in flight delivers Cancelled to every
// attached waiter exactly once.
func TestDestroyDuringRead_CancelsWaiters(t *testing.T) {
	gate := make(chan struct{})
	store := memory.New(memory.WithBeforeComplete(func(op memory.Op) {
		if op == memory.OpRead {
			<-gate
		}
	}))
	defer func() { _ = store.Close() }()

	p := newTestPool(t, 1, 0, 2, store)
	defer func() { _ = p.Close() }()

	pb, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	ref := pb.Unpin()
	waitUntil(t, "block to swap out", func() bool { return p.NumSwappedBlocks() == 1 })

	f0 := p.Pin(ref, 0)
	f1 := p.Pin(ref, 1)
	waitUntil(t, "read to start", func() bool { return p.Stats().SwapIns == 1 })

	// Drop the last handle while the read is stuck in flight.
	ref.Release()

	for i, f := range []*PinFuture{f0, f1} {
		if _, err := f.Wait(); !errors.Is(err, ErrCancelled) {
			t.Errorf("waiter %d: expected ErrCancelled, got %v", i, err)
		}
	}

	close(gate)
	waitUntil(t, "block teardown", func() bool {
		s := p.Stats()
		return s.BlockCount == 0 && s.TotalRAMUse == 0 && s.RequestedBytes == 0
	})
	if store.Len() != 0 {
		t.Errorf("store reservation leaked: %d blocks", store.Len())
	}
}

// Scenario S5: with one block writing and one reading, and the handles of
// both dropped, Close waits for both transfers to drain and leaves no state
// behind; the read's pending pin ends with ErrCancelled.
func TestClose_DrainsInflightIO(t *testing.T) {
	writeGate := make(chan struct{}, 8)
	readGate := make(chan struct{}, 8)
	entered := make(chan memory.Op, 8)
	store := memory.New(memory.WithBeforeComplete(func(op memory.Op) {
		entered <- op
		if op == memory.OpWrite {
			<-writeGate
		} else {
			<-readGate
		}
	}))
	defer func() { _ = store.Close() }()

	p := newTestPool(t, 1, 0, 1, store)

	// First block: swap it out (one write token), then pin to park a read.
	b1, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	ref1 := b1.Unpin()
	writeGate <- struct{}{}
	<-entered
	waitUntil(t, "first block to swap out", func() bool { return p.NumSwappedBlocks() == 1 })
	pinFuture := p.Pin(ref1, 0)
	<-entered // the read is in flight and uncancellable

	// Second block: eviction write parked in flight.
	b2, err := p.AllocateBlock(kib, 0)
	if err != nil {
		t.Fatalf("AllocateBlock failed: %v", err)
	}
	ref2 := b2.Unpin()
	<-entered // the write is in flight and uncancellable

	ref1.Release()
	ref2.Release()

	closed := make(chan error)
	go func() { closed <- p.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned before in-flight I/O drained")
	case <-time.After(50 * time.Millisecond):
	}

	writeGate <- struct{}{}
	readGate <- struct{}{}
	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := pinFuture.Wait(); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled for pending pin, got %v", err)
	}
	s := p.Stats()
	if s.BlockCount != 0 || s.TotalRAMUse != 0 || s.TotalPins != 0 || s.RequestedBytes != 0 {
		t.Errorf("pool state not empty after Close: %s", s)
	}
	if store.Len() != 0 {
		t.Errorf("store reservations leaked: %d blocks", store.Len())
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := NewSimple(1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := p.AllocateBlock(kib, 0); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

// ============================================================================
// Concurrency smoke test
// ============================================================================

func TestConcurrentWorkers(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	p := newTestPool(t, 64*kib, 256*kib, 4, store)
	defer func() { _ = p.Close() }()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var refs []*Block
			for i := 0; i < 32; i++ {
				pb, err := p.AllocateBlock(4*kib, worker)
				if err != nil {
					t.Errorf("worker %d allocate: %v", worker, err)
					return
				}
				pb.Data()[0] = byte(worker)
				refs = append(refs, pb.Unpin())
			}
			for round := 0; round < 3; round++ {
				for i, ref := range refs {
					pb, err := p.Pin(ref, worker).Wait()
					if err != nil {
						t.Errorf("worker %d pin %d: %v", worker, i, err)
						return
					}
					if pb.Data()[0] != byte(worker) {
						t.Errorf("worker %d block %d corrupted", worker, i)
					}
					pb.Release()
				}
			}
			for _, ref := range refs {
				ref.Release()
			}
		}(w)
	}
	wg.Wait()

	waitUntil(t, "pool to settle", func() bool {
		s := p.Stats()
		return s.BlockCount == 0 && s.TotalRAMUse == 0 && s.WritingBytes == 0
	})
	if s := p.Stats(); s.TotalPins != 0 {
		t.Errorf("pins leaked: %s", s)
	}
}

// ============================================================================
// Test doubles
// ============================================================================

// flakyStore wraps the memory store and fails writes or reads on demand.
type flakyStore struct {
	*memory.Store
	failWrites atomic.Bool
	failReads  atomic.Bool
}

type doneRequest struct{}

func (doneRequest) TryCancel() bool { return false }

func (f *flakyStore) SubmitWrite(data []byte, done block.WriteFunc) block.Request {
	if f.failWrites.Load() {
		go done("", errors.New("injected write fault"))
		return doneRequest{}
	}
	return f.Store.SubmitWrite(data, done)
}

func (f *flakyStore) SubmitRead(target []byte, ref block.Ref, done block.ReadFunc) block.Request {
	if f.failReads.Load() {
		go done(errors.New("injected read fault"))
		return doneRequest{}
	}
	return f.Store.SubmitRead(target, ref, done)
}
