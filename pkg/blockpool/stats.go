package blockpool

import "fmt"

// Snapshot is a consistent view of the pool's counters, taken under the pool
// mutex. The profiling scheduler samples it periodically; individual getters
// exist for callers that need a single value.
type Snapshot struct {
	// BlockCount is the number of live blocks in any state.
	BlockCount int

	// TotalRAMUse counts data regions in RAM, including blocks being written
	// out and regions reserved for in-flight swap-ins.
	TotalRAMUse uint64

	// WritingBytes is the size of blocks currently being written out.
	WritingBytes uint64

	// RequestedBytes is the size of pending admissions and in-flight reads.
	RequestedBytes uint64

	// TotalPins and TotalPinnedBytes sum over all blocks and workers.
	TotalPins        uint64
	TotalPinnedBytes uint64

	// MaxPins and MaxPinnedBytes are lifetime high-water marks.
	MaxPins        uint64
	MaxPinnedBytes uint64

	// PinsPerWorker and PinnedBytesPerWorker are indexed by worker id.
	PinsPerWorker        []uint64
	PinnedBytesPerWorker []uint64

	// NumSwappedBlocks and SwappedBytes describe blocks resident only on the
	// backing store.
	NumSwappedBlocks int
	SwappedBytes     uint64

	// Cumulative event counters.
	Evictions     uint64
	SwapIns       uint64
	WriteFailures uint64
	ReadFailures  uint64
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"blocks=%d ram=%d writing=%d requested=%d pins=%d pinned_bytes=%d swapped=%d evictions=%d swapins=%d",
		s.BlockCount, s.TotalRAMUse, s.WritingBytes, s.RequestedBytes,
		s.TotalPins, s.TotalPinnedBytes, s.NumSwappedBlocks, s.Evictions, s.SwapIns)
}

// Stats returns a snapshot of all pool counters.
func (p *BlockPool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		BlockCount:       p.blockCount,
		TotalRAMUse:      p.budget.ramUsed,
		WritingBytes:     p.writingBytes,
		RequestedBytes:   p.budget.requested,
		TotalPins:        p.pins.totalPins,
		TotalPinnedBytes: p.pins.totalPinnedBytes,
		MaxPins:          p.pins.maxPins,
		MaxPinnedBytes:   p.pins.maxPinnedBytes,
		NumSwappedBlocks: p.swap.numSwapped(),
		SwappedBytes:     p.swappedBytes,
		Evictions:        p.evictions,
		SwapIns:          p.swapIns,
		WriteFailures:    p.writeFailures,
		ReadFailures:     p.readFailures,
	}
	s.PinsPerWorker = append([]uint64(nil), p.pins.pins...)
	s.PinnedBytesPerWorker = append([]uint64(nil), p.pins.pinnedBytes...)
	return s
}

// BlockCount returns the number of live blocks.
func (p *BlockPool) BlockCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockCount
}

// TotalRAMUse returns the bytes of RAM currently used by blocks.
func (p *BlockPool) TotalRAMUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget.ramUsed
}

// TotalPins returns the current number of pins across all workers.
func (p *BlockPool) TotalPins() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins.totalPins
}

// TotalPinnedBytes returns the bytes currently held by pins.
func (p *BlockPool) TotalPinnedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins.totalPinnedBytes
}

// NumSwappedBlocks returns the number of blocks resident only on the store.
func (p *BlockPool) NumSwappedBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swap.numSwapped()
}
