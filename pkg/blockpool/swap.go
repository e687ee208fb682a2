package blockpool

import (
	"github.com/flowgrid/blockpool/pkg/store/block"
)

// pinWaiter couples a pin future with the worker the resulting pin is
// attributed to.
type pinWaiter struct {
	future *PinFuture
	worker int
}

// readRequest tracks one in-flight swap-in. Every pin that arrives while the
// read is pending attaches another waiter; all waiters complete together when
// the read finishes.
type readRequest struct {
	// waiters resolve together on completion, in attach order.
	waiters []pinWaiter

	// target is the freshly allocated RAM region the store reads into.
	// nil until RAM admission succeeded.
	target []byte

	// req is the outstanding store request. nil until submitted.
	req block.Request

	// cancelled is set by destroy when the block dies while the read is in
	// flight. The waiters have already been failed; the completion callback
	// only cleans up.
	cancelled bool
}

// swapIndex records every block that currently has a presence on the backing
// store or an in-flight transfer: blocks being written out, blocks being read
// back in, and blocks resident only in external memory.
//
// All methods require the pool mutex.
type swapIndex struct {
	// writing maps blocks being evicted to their outstanding write request.
	writing map[*byteBlock]block.Request

	// reading maps blocks being swapped in to their read record.
	reading map[*byteBlock]*readRequest

	// swapped holds blocks resident only on the backing store.
	swapped map[*byteBlock]struct{}
}

func newSwapIndex() swapIndex {
	return swapIndex{
		writing: make(map[*byteBlock]block.Request),
		reading: make(map[*byteBlock]*readRequest),
		swapped: make(map[*byteBlock]struct{}),
	}
}

func (s *swapIndex) isWriting(b *byteBlock) bool {
	_, ok := s.writing[b]
	return ok
}

func (s *swapIndex) isSwapped(b *byteBlock) bool {
	_, ok := s.swapped[b]
	return ok
}

func (s *swapIndex) numSwapped() int {
	return len(s.swapped)
}
