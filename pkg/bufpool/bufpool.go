// Package bufpool recycles block data regions through a ladder of size
// classes.
//
// The block pool allocates and frees large byte regions at a high rate when
// blocks churn between RAM and the backing store. Each size class keeps freed
// regions of exactly its size for reuse, which removes most of that
// allocation pressure. A requested size is served by the smallest class that
// fits; sizes above the top class are allocated directly and never recycled,
// so occasional oversized blocks do not pin large buffers in memory.
//
// Regions handed out by Get carry whatever bytes the previous user left in
// them; callers that need zeroed memory must clear them.
//
// All operations are safe for concurrent use.
package bufpool

import (
	"sort"
	"sync"
)

// DefaultClasses are the region sizes kept by New when no ladder is given,
// tuned to typical block sizes: 64KB for control blocks and samples, 1MB for
// standard data blocks, 4MB for merged or oversized blocks.
var DefaultClasses = []int{64 << 10, 1 << 20, 4 << 20}

// sizeClass keeps freed regions of exactly one size.
type sizeClass struct {
	size int
	free sync.Pool
}

func newSizeClass(size int) *sizeClass {
	c := &sizeClass{size: size}
	c.free.New = func() any {
		region := make([]byte, c.size)
		return &region
	}
	return c
}

// Pool recycles byte regions through size classes.
type Pool struct {
	// classes is sorted ascending by size.
	classes []*sizeClass
}

// New creates a region pool with one class per given size. Sizes are sorted
// and deduplicated; non-positive sizes are ignored. With no sizes,
// DefaultClasses is used.
func New(classSizes ...int) *Pool {
	if len(classSizes) == 0 {
		classSizes = DefaultClasses
	}
	sizes := append([]int(nil), classSizes...)
	sort.Ints(sizes)

	p := &Pool{}
	for _, size := range sizes {
		if size <= 0 {
			continue
		}
		if n := len(p.classes); n > 0 && p.classes[n-1].size == size {
			continue
		}
		p.classes = append(p.classes, newSizeClass(size))
	}
	return p
}

// classFor returns the smallest class holding at least size bytes, or nil if
// size is above the ladder.
func (p *Pool) classFor(size int) *sizeClass {
	i := sort.Search(len(p.classes), func(i int) bool {
		return p.classes[i].size >= size
	})
	if i == len(p.classes) {
		return nil
	}
	return p.classes[i]
}

// Get returns a region of exactly size bytes. The region is backed by a
// class buffer when one fits, so its capacity may exceed size. The caller
// owns the region until Put.
func (p *Pool) Get(size int) []byte {
	c := p.classFor(size)
	if c == nil {
		return make([]byte, size)
	}
	region := c.free.Get().(*[]byte)
	return (*region)[:size]
}

// Put returns a region obtained from Get. The region must not be used
// afterwards. Regions whose capacity matches no class (oversized ones) are
// left to the garbage collector.
func (p *Pool) Put(region []byte) {
	c := p.classFor(cap(region))
	if c == nil || c.size != cap(region) {
		return
	}
	full := region[:cap(region)]
	c.free.Put(&full)
}
