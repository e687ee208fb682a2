// Package memory provides an in-memory block store for tests and benchmarks.
//
// Requests execute on their own goroutine. Two optional hooks stage
// concurrency scenarios deterministically: BeforeStart runs while the request
// is still cancellable, BeforeComplete runs after the point of no return.
package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// Op identifies the kind of a store request, for hook dispatch.
type Op string

const (
	OpWrite Op = "write"
	OpRead  Op = "read"
)

// Option configures a Store.
type Option func(*Store)

// WithLatency delays every request by d before it starts executing.
func WithLatency(d time.Duration) Option {
	return func(s *Store) { s.latency = d }
}

// WithBeforeStart installs a hook invoked while the request can still be
// cancelled; if the hook blocks, TryCancel succeeds meanwhile.
func WithBeforeStart(fn func(op Op)) Option {
	return func(s *Store) { s.beforeStart = fn }
}

// WithBeforeComplete installs a hook invoked after the request has committed
// to executing; if the hook blocks, TryCancel fails meanwhile.
func WithBeforeComplete(fn func(op Op)) Option {
	return func(s *Store) { s.beforeComplete = fn }
}

// Store is an in-memory implementation of block.Store.
type Store struct {
	mu     sync.Mutex
	blocks map[block.Ref][]byte
	closed bool

	wg      sync.WaitGroup
	latency time.Duration

	beforeStart    func(op Op)
	beforeComplete func(op Op)
}

// New creates an in-memory block store.
func New(opts ...Option) *Store {
	s := &Store{blocks: make(map[block.Ref][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// request states; pending requests can still be cancelled.
const (
	statePending int32 = iota
	stateRunning
	stateCancelled
)

type request struct {
	state atomic.Int32
}

func (r *request) TryCancel() bool {
	return r.state.CompareAndSwap(statePending, stateCancelled)
}

// start moves the request past the point of cancellation.
func (r *request) start() bool {
	return r.state.CompareAndSwap(statePending, stateRunning)
}

// SubmitWrite stores a copy of data under a fresh ref.
func (s *Store) SubmitWrite(data []byte, done block.WriteFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		if s.beforeStart != nil {
			s.beforeStart(OpWrite)
		}
		if !r.start() {
			return
		}
		if s.beforeComplete != nil {
			s.beforeComplete(OpWrite)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			done("", block.ErrStoreClosed)
			return
		}
		ref := block.Ref(uuid.NewString())
		copied := make([]byte, len(data))
		copy(copied, data)
		s.blocks[ref] = copied
		s.mu.Unlock()

		done(ref, nil)
	}()
	return r
}

// SubmitRead copies the block named by ref into target.
func (s *Store) SubmitRead(target []byte, ref block.Ref, done block.ReadFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		if s.beforeStart != nil {
			s.beforeStart(OpRead)
		}
		if !r.start() {
			return
		}
		if s.beforeComplete != nil {
			s.beforeComplete(OpRead)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			done(block.ErrStoreClosed)
			return
		}
		data, ok := s.blocks[ref]
		s.mu.Unlock()

		switch {
		case !ok:
			done(block.ErrBlockNotFound)
		case len(data) < len(target):
			done(block.ErrShortBlock)
		default:
			copy(target, data)
			done(nil)
		}
	}()
	return r
}

// Delete releases the block named by ref. Unknown refs are ignored.
func (s *Store) Delete(ref block.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return block.ErrStoreClosed
	}
	delete(s.blocks, ref)
	return nil
}

// Len returns the number of stored blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Close waits for in-flight requests and drops all blocks.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.blocks = nil
	s.mu.Unlock()
	return nil
}
