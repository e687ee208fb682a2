package blockpool

import (
	"errors"
	"sync"

	"github.com/flowgrid/blockpool/pkg/mem"
)

// errAborted is returned by request when the giveUp predicate fires while
// waiting on the hard limit. Never escapes the package.
var errAborted = errors.New("admission aborted")

// memoryBudget tracks RAM consumption of the pool and enforces the two
// limits. The soft limit only steers the eviction policy; the hard limit
// blocks admissions until enough evictions complete.
//
// ramUsed counts the data regions of all blocks in RAM, including regions
// still being written out and regions reserved for in-flight swap-ins.
// requested counts bytes that are spoken for but not yet admitted: admissions
// queued on the hard limit and swap-in reads that have not completed.
//
// All methods require the pool mutex; waiting on the hard limit releases it
// through the condition variable.
type memoryBudget struct {
	softLimit uint64
	hardLimit uint64

	ramUsed   uint64
	requested uint64

	// memChange signals every change that can unblock a hard-limit waiter.
	memChange *sync.Cond

	// manager reports deltas to the parent accountant.
	manager *mem.Manager
}

func newMemoryBudget(mu *sync.Mutex, soft, hard uint64, manager *mem.Manager) memoryBudget {
	return memoryBudget{
		softLimit: soft,
		hardLimit: hard,
		memChange: sync.NewCond(mu),
		manager:   manager,
	}
}

// overSoft reports whether proactive eviction should run.
func (mb *memoryBudget) overSoft() bool {
	return mb.softLimit > 0 && mb.ramUsed+mb.requested > mb.softLimit
}

// request admits size bytes into RAM, blocking while the hard limit is
// exceeded. evict is invoked before each wait to push unpinned blocks out;
// it returns false once no further eviction can be started. giveUp is
// re-checked on every wake-up and aborts the admission with errAborted (used
// for pool teardown while a caller is parked here).
//
// A refusal by the parent accountant is returned as-is and leaves every
// counter untouched.
func (mb *memoryBudget) request(size uint64, evict func() bool, giveUp func() bool) error {
	if mb.hardLimit > 0 {
		mb.requested += size
		for mb.ramUsed+mb.requested > mb.hardLimit {
			if giveUp() {
				mb.requested -= size
				return errAborted
			}
			if evict() {
				continue
			}
			mb.memChange.Wait()
		}
		mb.requested -= size
	}

	if err := mb.manager.Add(int64(size)); err != nil {
		mb.memChange.Broadcast()
		return err
	}
	mb.ramUsed += size
	return nil
}

// release returns size bytes to the budget and wakes hard-limit waiters.
func (mb *memoryBudget) release(size uint64) {
	invariant(mb.ramUsed >= size, "ram release underflow: used=%d release=%d", mb.ramUsed, size)
	mb.ramUsed -= size
	mb.manager.Sub(int64(size))
	mb.memChange.Broadcast()
}

// reserveRequested accounts size bytes of in-flight swap-in reads.
func (mb *memoryBudget) reserveRequested(size uint64) {
	mb.requested += size
}

// unreserveRequested drops the swap-in reservation when a read settles.
func (mb *memoryBudget) unreserveRequested(size uint64) {
	invariant(mb.requested >= size, "requested underflow: requested=%d release=%d", mb.requested, size)
	mb.requested -= size
	mb.memChange.Broadcast()
}
