// Package blockpool implements the host-local pool of byte blocks backing a
// dataflow runtime's intermediate data.
//
// Every block lives in exactly one macro-state: pinned in RAM, unpinned in
// RAM (evictable), being written out, resident on the backing store, or being
// read back in. The pool keeps the working set within a soft RAM limit by
// evicting idle blocks to an asynchronous backing store, and within a hard
// RAM limit by blocking admissions until evictions complete. Pins are
// reference counts attributed to one of W local workers; a pinned block's
// bytes are borrowed to the worker and never move while the pin is held.
//
// All state transitions are serialized under one pool mutex. Mutations are
// short and touch several substructures together, so finer locking would
// multiply the state-machine transitions without throughput benefit. The only
// waits are condition-variable waits on the hard limit and on teardown drain;
// I/O submissions are non-blocking and completions re-enter under the mutex.
package blockpool

import (
	"fmt"
	"sync"

	"github.com/flowgrid/blockpool/internal/logger"
	"github.com/flowgrid/blockpool/pkg/bufpool"
	"github.com/flowgrid/blockpool/pkg/mem"
	"github.com/flowgrid/blockpool/pkg/store/block"
	"github.com/flowgrid/blockpool/pkg/store/block/memory"
)

// Metrics receives pool event counters. Implementations must be cheap; the
// methods are called under the pool mutex. A nil Metrics disables recording.
type Metrics interface {
	RecordEviction(bytes uint64)
	RecordSwapIn(bytes uint64)
	RecordWriteFailure()
	RecordReadFailure()
}

// Config configures a BlockPool.
type Config struct {
	// SoftRAMLimit is the byte threshold above which unpinned blocks are
	// proactively evicted. 0 disables proactive eviction.
	SoftRAMLimit uint64

	// HardRAMLimit is the byte ceiling; allocations and swap-ins block until
	// the pool fits under it. 0 disables admission blocking.
	HardRAMLimit uint64

	// Workers is the number of worker threads on this host. Pin counters are
	// indexed by worker id in [0, Workers).
	Workers int

	// Store is the backing store blocks are evicted to. Required.
	Store block.Store

	// Parent, when set, receives RAM accounting deltas from the pool's
	// child accountant.
	Parent *mem.Manager

	// Metrics, when set, receives event counters.
	Metrics Metrics
}

// BlockPool allocates, pins, swaps and frees all blocks of one host.
type BlockPool struct {
	mu sync.Mutex

	workers int
	store   block.Store
	metrics Metrics

	budget   memoryBudget
	pins     pinCount
	unpinned unpinnedLRU
	swap     swapIndex

	// regions recycles block data buffers through size classes.
	regions *bufpool.Pool

	// writingBytes is the total size of blocks being written out. Their RAM
	// stays in ramUsed until the write completes.
	writingBytes uint64

	// swappedBytes is the total size of blocks resident only on the store.
	swappedBytes uint64

	blockCount int
	nextID     uint64

	evictions     uint64
	swapIns       uint64
	writeFailures uint64
	readFailures  uint64

	closed bool
}

// New creates a BlockPool with the given memory constraints.
func New(cfg Config) (*BlockPool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("blockpool: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("blockpool: backing store is required")
	}
	p := &BlockPool{
		workers: cfg.Workers,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		pins:    newPinCount(cfg.Workers),
		swap:    newSwapIndex(),
		regions: bufpool.New(),
	}
	p.unpinned = newUnpinnedLRU()
	p.budget = newMemoryBudget(&p.mu, cfg.SoftRAMLimit, cfg.HardRAMLimit,
		mem.New(cfg.Parent, "BlockPool"))
	return p, nil
}

// NewSimple creates a pool for tests: no memory limits, in-memory backing
// store, the given number of workers.
func NewSimple(workers int) *BlockPool {
	p, err := New(Config{Workers: workers, Store: memory.New()})
	if err != nil {
		panic(err)
	}
	return p
}

// Workers returns the number of workers per host.
func (p *BlockPool) Workers() int { return p.workers }

func (p *BlockPool) checkWorker(worker int) {
	invariant(worker >= 0 && worker < p.workers,
		"worker id %d out of range [0,%d)", worker, p.workers)
}

// AllocateBlock allocates an uninitialized block of the given size, pinned
// once for worker. It blocks while the hard RAM limit is exceeded, until
// other threads free memory. It fails only on a refusal by the parent
// accountant, which is propagated, or with ErrPoolClosed once the pool is
// closed.
func (p *BlockPool) AllocateBlock(size uint64, worker int) (*PinnedBlock, error) {
	p.checkWorker(worker)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	err := p.budget.request(size, p.evictOne, func() bool { return p.closed })
	if err == errAborted {
		return nil, ErrPoolClosed
	}
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}

	p.nextID++
	b := &byteBlock{
		id:   p.nextID,
		size: size,
		data: p.regions.Get(int(size)),
		pins: make([]uint32, p.workers),
		refs: 1,
	}
	p.blockCount++
	p.incPinNoLock(b, worker)

	logger.Debug("allocated block", "block", b.id, "size", size, "worker", worker)
	return &PinnedBlock{Block: Block{pool: p, b: b}, data: b.data, worker: worker}, nil
}

// Pin pins a block for worker, swapping it in if required.
//
// A block in RAM resolves the future synchronously. A block being evicted is
// rescued: the write is cancelled if the store permits, otherwise the pin
// resolves when the write settles (the RAM copy is retained either way). A
// swapped block triggers one asynchronous read; pins arriving while the read
// is pending attach to it and resolve together.
func (p *BlockPool) Pin(bl *Block, worker int) *PinFuture {
	p.checkWorker(worker)
	f := newPinFuture()

	p.mu.Lock()
	defer p.mu.Unlock()

	b := bl.b
	invariant(b != nil && b.refs > 0, "Pin of released handle")

	if p.closed {
		f.resolve(nil, ErrPoolClosed)
		return f
	}

	switch {
	case b.data != nil && !p.swap.isWriting(b):
		// Pinned in RAM or an LRU hit.
		p.incPinNoLock(b, worker)
		b.refs++
		f.resolve(&PinnedBlock{Block: Block{pool: p, b: b}, data: b.data, worker: worker}, nil)

	case p.swap.isWriting(b):
		req := p.swap.writing[b]
		if req.TryCancel() {
			delete(p.swap.writing, b)
			p.writingBytes -= b.size
			p.incPinNoLock(b, worker)
			b.refs++
			logger.Debug("pin rescued block from eviction", "block", b.id)
			f.resolve(&PinnedBlock{Block: Block{pool: p, b: b}, data: b.data, worker: worker}, nil)
		} else {
			// Write already executing; the completion callback resolves us.
			b.rescuers = append(b.rescuers, pinWaiter{future: f, worker: worker})
		}

	case p.swap.isSwapped(b):
		p.faultIn(b, f, worker)

	default:
		rd, ok := p.swap.reading[b]
		invariant(ok, "pin: %s in impossible state", b)
		rd.waiters = append(rd.waiters, pinWaiter{future: f, worker: worker})
	}
	return f
}

// faultIn starts a swap-in for a swapped block. Called under the mutex; may
// wait on the hard limit with the mutex released through the condition
// variable. The reading record is registered before any wait so concurrent
// pins attach to it instead of starting a second read.
func (p *BlockPool) faultIn(b *byteBlock, f *PinFuture, worker int) {
	delete(p.swap.swapped, b)
	p.swappedBytes -= b.size

	rd := &readRequest{waiters: []pinWaiter{{future: f, worker: worker}}}
	p.swap.reading[b] = rd
	p.budget.reserveRequested(b.size)

	err := p.budget.request(b.size, p.evictOne,
		func() bool { return p.closed || rd.cancelled })

	if err == errAborted {
		// The pool shut down or the block was destroyed while we waited for
		// admission. The waiters have already been failed; undo the
		// reservation. A destroyed block is torn down here, otherwise it is
		// parked back on the store.
		p.budget.unreserveRequested(b.size)
		delete(p.swap.reading, b)
		if b.refs == 0 {
			_ = p.store.Delete(b.ref)
			b.ref = ""
			p.finalizeNoLock(b)
			return
		}
		p.swap.swapped[b] = struct{}{}
		p.swappedBytes += b.size
		return
	}
	if err != nil {
		// Parent accountant refused; propagate to every attached waiter.
		p.budget.unreserveRequested(b.size)
		delete(p.swap.reading, b)
		p.swap.swapped[b] = struct{}{}
		p.swappedBytes += b.size
		for _, w := range rd.waiters {
			w.future.resolve(nil, fmt.Errorf("pin block %d: %w", b.id, err))
		}
		return
	}

	rd.target = p.regions.Get(int(b.size))
	rd.req = p.store.SubmitRead(rd.target, b.ref, func(err error) {
		p.onReadComplete(b, err)
	})
	p.swapIns++
	if p.metrics != nil {
		p.metrics.RecordSwapIn(b.size)
	}
	logger.Debug("swap-in started", "block", b.id, "size", b.size)
}

// dupPin adds one pin and one handle reference to an already pinned block.
func (p *BlockPool) dupPin(b *byteBlock, worker int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	invariant(b.pinCount > 0, "pin duplication on unpinned %s", b)
	p.incPinNoLock(b, worker)
	b.refs++
}

// incPinNoLock adds one pin for worker. A 0→1 transition removes the block
// from the unpinned set.
func (p *BlockPool) incPinNoLock(b *byteBlock, worker int) {
	invariant(b.data != nil, "pin of %s without RAM copy", b)
	if b.pinCount == 0 && p.unpinned.contains(b) {
		p.unpinned.erase(b)
	}
	b.pinCount++
	b.pins[worker]++
	p.pins.increment(worker, b.size)
}

// decPin removes one pin for worker. The last pin makes the block evictable
// and triggers the eviction policy; this is the one place eviction pressure
// is considered proactively.
func (p *BlockPool) decPin(b *byteBlock, worker int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	invariant(b.pins[worker] > 0, "unpin of %s not pinned by worker %d", b, worker)
	b.pins[worker]--
	b.pinCount--
	p.pins.decrement(worker, b.size)

	if b.pinCount == 0 {
		invariant(b.data != nil, "unpinned %s without RAM copy", b)
		p.unpinned.insert(b)
		p.evictWhileOverSoft()
	}
}

// evictWhileOverSoft pushes unpinned blocks out while the soft limit is
// exceeded and victims remain.
func (p *BlockPool) evictWhileOverSoft() {
	for p.budget.overSoft() && p.evictOne() {
	}
}

// evictOne starts the eviction of the oldest unpinned block. RAM is not
// released until the write completes. Returns false when no victim exists.
func (p *BlockPool) evictOne() bool {
	b := p.unpinned.popOldest()
	if b == nil {
		return false
	}
	invariant(b.ref == "", "evicting %s with live store copy", b)

	p.writingBytes += b.size
	req := p.store.SubmitWrite(b.data, func(ref block.Ref, err error) {
		p.onWriteComplete(b, ref, err)
	})
	p.swap.writing[b] = req

	p.evictions++
	if p.metrics != nil {
		p.metrics.RecordEviction(b.size)
	}
	logger.Debug("eviction started", "block", b.id, "size", b.size)
	return true
}

// onWriteComplete consumes an eviction write completion.
func (p *BlockPool) onWriteComplete(b *byteBlock, ref block.Ref, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.swap.writing[b]
	invariant(ok, "write completion for %s not in writing set", b)
	delete(p.swap.writing, b)
	p.writingBytes -= b.size

	switch {
	case b.dying:
		// Destroyed mid-write and the cancel failed. Discard everything.
		if err == nil && ref != "" {
			_ = p.store.Delete(ref)
		}
		p.regions.Put(b.data)
		b.data = nil
		p.budget.release(b.size)
		p.finalizeNoLock(b)

	case len(b.rescuers) > 0:
		// Pins arrived while the write was in flight. The RAM copy wins; the
		// store copy could go stale under the new pins, so drop it.
		if err == nil && ref != "" {
			_ = p.store.Delete(ref)
		} else if err != nil {
			p.writeFailures++
			if p.metrics != nil {
				p.metrics.RecordWriteFailure()
			}
		}
		for _, w := range b.rescuers {
			p.incPinNoLock(b, w.worker)
			b.refs++
			w.future.resolve(&PinnedBlock{Block: Block{pool: p, b: b}, data: b.data, worker: w.worker}, nil)
		}
		b.rescuers = nil

	case err != nil:
		// Failed eviction: keep the block in RAM and retry on later pressure.
		p.writeFailures++
		if p.metrics != nil {
			p.metrics.RecordWriteFailure()
		}
		logger.Warn("eviction write failed", "block", b.id, "error", err)
		p.unpinned.insert(b)

	default:
		b.ref = ref
		p.regions.Put(b.data)
		b.data = nil
		p.swap.swapped[b] = struct{}{}
		p.swappedBytes += b.size
		p.budget.release(b.size)
		logger.Debug("eviction completed", "block", b.id, "ref", string(ref))
	}

	p.budget.memChange.Broadcast()
}

// onReadComplete consumes a swap-in read completion.
func (p *BlockPool) onReadComplete(b *byteBlock, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rd, ok := p.swap.reading[b]
	invariant(ok, "read completion for %s not in reading set", b)
	delete(p.swap.reading, b)
	p.budget.unreserveRequested(b.size)

	switch {
	case rd.cancelled:
		// Destroyed mid-read; the waiters were already failed.
		p.regions.Put(rd.target)
		p.budget.release(b.size)
		if b.ref != "" {
			_ = p.store.Delete(b.ref)
			b.ref = ""
		}
		p.finalizeNoLock(b)

	case err != nil:
		p.readFailures++
		if p.metrics != nil {
			p.metrics.RecordReadFailure()
		}
		logger.Warn("swap-in read failed", "block", b.id, "error", err)
		p.regions.Put(rd.target)
		p.budget.release(b.size)
		p.swap.swapped[b] = struct{}{}
		p.swappedBytes += b.size
		ioErr := &IOError{Op: "read", Err: err}
		for _, w := range rd.waiters {
			w.future.resolve(nil, ioErr)
		}

	default:
		// The block returns to RAM pinned by every attached waiter. The store
		// copy is consumed: pinned bytes may be modified, so it cannot be
		// trusted again.
		b.data = rd.target
		_ = p.store.Delete(b.ref)
		b.ref = ""
		for _, w := range rd.waiters {
			p.incPinNoLock(b, w.worker)
			b.refs++
			w.future.resolve(&PinnedBlock{Block: Block{pool: p, b: b}, data: b.data, worker: w.worker}, nil)
		}
		logger.Debug("swap-in completed", "block", b.id, "waiters", len(rd.waiters))
	}

	p.budget.memChange.Broadcast()
}

// releaseRef drops one handle reference and destroys the block when the last
// one goes.
func (p *BlockPool) releaseRef(b *byteBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	invariant(b.refs > 0, "reference underflow on %s", b)
	b.refs--
	if b.refs > 0 || b.gone {
		return
	}
	p.destroyNoLock(b)
}

// destroyNoLock reclaims a block whose last handle was dropped. Legal from
// every macro-state except pinned (a pin implies a live pinned handle).
func (p *BlockPool) destroyNoLock(b *byteBlock) {
	invariant(b.pinCount == 0, "destroy of pinned %s", b)

	switch {
	case p.unpinned.contains(b):
		p.unpinned.erase(b)
		invariant(b.ref == "", "unpinned %s holds store ref", b)
		p.regions.Put(b.data)
		b.data = nil
		p.budget.release(b.size)
		p.finalizeNoLock(b)

	case p.swap.isWriting(b):
		// Rescue pins can never be served once the block dies.
		for _, w := range b.rescuers {
			w.future.resolve(nil, ErrCancelled)
		}
		b.rescuers = nil
		if p.swap.writing[b].TryCancel() {
			delete(p.swap.writing, b)
			p.writingBytes -= b.size
			p.regions.Put(b.data)
			b.data = nil
			p.budget.release(b.size)
			p.finalizeNoLock(b)
		} else {
			// Completion callback finishes the teardown.
			b.dying = true
		}

	case p.swap.isSwapped(b):
		delete(p.swap.swapped, b)
		p.swappedBytes -= b.size
		_ = p.store.Delete(b.ref)
		b.ref = ""
		p.finalizeNoLock(b)

	default:
		rd, ok := p.swap.reading[b]
		invariant(ok, "destroy of %s in impossible state", b)
		for _, w := range rd.waiters {
			w.future.resolve(nil, ErrCancelled)
		}
		rd.waiters = nil
		if rd.req != nil && rd.req.TryCancel() {
			delete(p.swap.reading, b)
			p.budget.unreserveRequested(b.size)
			p.budget.release(b.size)
			p.regions.Put(rd.target)
			if b.ref != "" {
				_ = p.store.Delete(b.ref)
				b.ref = ""
			}
			p.finalizeNoLock(b)
		} else {
			// In-flight or not yet submitted; whoever owns the record
			// finishes the teardown.
			rd.cancelled = true
		}
	}
}

// finalizeNoLock removes a reclaimed block from the pool.
func (p *BlockPool) finalizeNoLock(b *byteBlock) {
	invariant(!b.gone, "double finalize of %s", b)
	b.gone = true
	p.blockCount--
	p.budget.memChange.Broadcast()
	logger.Debug("block destroyed", "block", b.id)
}

// Close drains all in-flight I/O, fails pending pin futures with
// ErrCancelled, reclaims every remaining block and verifies that no pins are
// outstanding. Handles still alive after Close release to a no-op.
func (p *BlockPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// Rescue pins parked on in-flight writes can never be served now.
	for b := range p.swap.writing {
		for _, w := range b.rescuers {
			w.future.resolve(nil, ErrCancelled)
		}
		b.rescuers = nil
	}

	// Cancel pending swap-ins; uncancellable reads drain below.
	for b, rd := range p.swap.reading {
		for _, w := range rd.waiters {
			w.future.resolve(nil, ErrCancelled)
		}
		rd.waiters = nil
		if rd.req != nil && rd.req.TryCancel() {
			delete(p.swap.reading, b)
			p.budget.unreserveRequested(b.size)
			p.budget.release(b.size)
			p.regions.Put(rd.target)
			p.swap.swapped[b] = struct{}{}
			p.swappedBytes += b.size
		} else {
			rd.cancelled = true
		}
	}

	// Wake admissions parked on the hard limit so they observe the close.
	p.budget.memChange.Broadcast()

	// Drain. Completion callbacks capture the block, not pool internals, so
	// they stay safe while we wait here with the mutex released.
	for len(p.swap.writing) > 0 || len(p.swap.reading) > 0 {
		p.budget.memChange.Wait()
	}

	// Reclaim whatever is left. Outstanding pins at this point are leaks and
	// fail the zero-assertion below.
	for {
		b := p.unpinned.popOldest()
		if b == nil {
			break
		}
		p.regions.Put(b.data)
		b.data = nil
		p.budget.release(b.size)
		p.finalizeNoLock(b)
	}
	for b := range p.swap.swapped {
		delete(p.swap.swapped, b)
		p.swappedBytes -= b.size
		_ = p.store.Delete(b.ref)
		b.ref = ""
		p.finalizeNoLock(b)
	}

	p.pins.assertZero()
	invariant(p.budget.ramUsed == 0, "pool closed with %d bytes in RAM", p.budget.ramUsed)
	invariant(p.budget.requested == 0, "pool closed with %d bytes requested", p.budget.requested)
	invariant(p.blockCount == 0, "pool closed with %d blocks alive", p.blockCount)
	return nil
}
