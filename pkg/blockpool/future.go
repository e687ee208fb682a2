package blockpool

import "context"

// PinFuture is the single-shot result of a Pin call. It completes exactly
// once: with a pinned handle, with a backing-store read error, or with
// ErrCancelled if the block was destroyed while the swap-in was pending.
type PinFuture struct {
	done   chan struct{}
	result *PinnedBlock
	err    error
}

func newPinFuture() *PinFuture {
	return &PinFuture{done: make(chan struct{})}
}

// resolve completes the future. Must be called at most once.
func (f *PinFuture) resolve(pb *PinnedBlock, err error) {
	f.result = pb
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the future completes.
func (f *PinFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes and returns the pinned handle.
func (f *PinFuture) Wait() (*PinnedBlock, error) {
	<-f.done
	return f.result, f.err
}

// WaitContext is Wait with a context bound. The pin itself is not cancelled
// when ctx expires; the block stays pinned for the eventual handle, so a
// caller that abandons the future this way leaks a pin. Prefer destroying the
// block's handles to cancel an unwanted pin.
func (f *PinFuture) WaitContext(ctx context.Context) (*PinnedBlock, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the future already completed.
func (f *PinFuture) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
