package blockpool

import (
	"fmt"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// byteBlock is the pool-internal record of one block. Its macro-state is
// derived, never stored: data present and pins > 0 means pinned in RAM; data
// present and membership in the unpinned set means evictable; otherwise the
// swap index names the state (writing, reading, swapped).
//
// All fields are guarded by the pool mutex. The data region itself is
// borrowed to workers while pinned and may be touched without the mutex.
type byteBlock struct {
	id   uint64
	size uint64

	// data is the RAM region; nil while the block lives only on the store.
	data []byte

	// ref names the copy on the backing store; empty when there is none.
	ref block.Ref

	// pins holds per-worker pin counts; pinCount is their sum.
	pins     []uint32
	pinCount uint32

	// refs counts outstanding handles (Block and PinnedBlock). The block is
	// destroyed when it reaches zero.
	refs int

	// rescuers are pins waiting for an uncancellable eviction write to
	// complete. They resolve in the write completion callback.
	rescuers []pinWaiter

	// dying marks a block whose destruction waits on an uncancellable write.
	dying bool

	// gone marks a block already reclaimed (by destroy or pool teardown);
	// late handle releases become no-ops.
	gone bool
}

func (b *byteBlock) String() string {
	return fmt.Sprintf("block-%d(size=%d pins=%d refs=%d)", b.id, b.size, b.pinCount, b.refs)
}

// Block is a cheap reference to a block. It carries identity only: the block
// may be in RAM, on the backing store, or in transit. Each Block holds one
// counted reference; the block is destroyed when the last reference drops,
// so every handle must be released exactly once.
type Block struct {
	pool *BlockPool
	b    *byteBlock
}

// Size returns the byte length of the block, fixed at allocation.
func (bl *Block) Size() uint64 { return bl.b.size }

// Pool returns the owning pool.
func (bl *Block) Pool() *BlockPool { return bl.pool }

// Dup returns a new reference to the same block.
func (bl *Block) Dup() *Block {
	bl.pool.mu.Lock()
	defer bl.pool.mu.Unlock()
	invariant(bl.b != nil && bl.b.refs > 0, "Dup of released handle")
	bl.b.refs++
	return &Block{pool: bl.pool, b: bl.b}
}

// Release drops this reference. When the last reference to a block is
// released the pool destroys it, cleaning up RAM, in-flight I/O and the
// backing-store copy as its state requires. The handle must not be used
// afterwards.
func (bl *Block) Release() {
	if bl.b == nil {
		return
	}
	bl.pool.releaseRef(bl.b)
	bl.b = nil
}

// PinnedBlock is a Block that additionally owns one pin for a worker and
// exposes the block's bytes. The data region is a borrow: it stays valid and
// immovable exactly as long as the pin is held, and may be read or written
// without any pool lock.
type PinnedBlock struct {
	Block
	data   []byte
	worker int
}

// Data returns the block's bytes. Valid until Unpin or Release.
func (pb *PinnedBlock) Data() []byte { return pb.data }

// Worker returns the worker id the pin is attributed to.
func (pb *PinnedBlock) Worker() int { return pb.worker }

// Dup returns a second pinned handle for the same worker. The block must
// already be pinned, so this never blocks or touches the backing store.
func (pb *PinnedBlock) Dup() *PinnedBlock {
	pb.pool.dupPin(pb.b, pb.worker)
	return &PinnedBlock{
		Block:  Block{pool: pb.pool, b: pb.b},
		data:   pb.data,
		worker: pb.worker,
	}
}

// Unpin drops the pin but keeps the reference, converting this handle into a
// plain Block. When the last pin on a block is dropped it becomes a
// candidate for eviction. The returned Block must be released by the caller;
// the PinnedBlock must not be used afterwards.
func (pb *PinnedBlock) Unpin() *Block {
	invariant(pb.b != nil, "Unpin of released handle")
	pb.pool.decPin(pb.b, pb.worker)
	bl := &Block{pool: pb.pool, b: pb.b}
	pb.data = nil
	pb.b = nil
	return bl
}

// Release drops both the pin and the reference. The handle must not be used
// afterwards.
func (pb *PinnedBlock) Release() {
	if pb.b == nil {
		return
	}
	pb.pool.decPin(pb.b, pb.worker)
	pb.data = nil
	pb.Block.Release()
}
