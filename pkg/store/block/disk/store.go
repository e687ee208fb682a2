// Package disk provides a file-backed block store.
//
// Each stored block is one file in the store directory, framed with an
// xxhash64 checksum that is verified on read. Submissions enqueue onto a FIFO
// request queue drained by a fixed set of I/O worker goroutines, so submit
// calls never touch the filesystem and a queued request can still be
// cancelled.
package disk

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// checksum frame: 8 bytes of xxhash64 over the payload, then the payload.
const frameHeaderSize = 8

// DefaultWorkers is the number of I/O workers when Config.Workers is zero.
const DefaultWorkers = 2

// Config holds configuration for the disk block store.
type Config struct {
	// Dir is the directory block files are stored in. Created if missing.
	Dir string `mapstructure:"dir" validate:"required"`

	// Workers is the number of I/O worker goroutines.
	Workers int `mapstructure:"workers"`
}

// Store is a file-backed implementation of block.Store.
type Store struct {
	dir string

	mu       sync.Mutex
	nonEmpty *sync.Cond
	pending  *queue.Queue
	closed   bool

	wg sync.WaitGroup
}

// New creates a disk block store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk store: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("disk store: create %s: %w", cfg.Dir, err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	s := &Store{
		dir:     cfg.Dir,
		pending: queue.New(),
	}
	s.nonEmpty = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s, nil
}

const (
	statePending int32 = iota
	stateRunning
	stateCancelled
)

type opKind int

const (
	opWrite opKind = iota
	opRead
)

type request struct {
	state atomic.Int32
	kind  opKind

	data   []byte // write payload
	target []byte // read destination
	ref    block.Ref

	writeDone block.WriteFunc
	readDone  block.ReadFunc
}

func (r *request) TryCancel() bool {
	return r.state.CompareAndSwap(statePending, stateCancelled)
}

func (s *Store) enqueue(r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// Fail asynchronously; submissions never invoke callbacks inline.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fail(r, block.ErrStoreClosed)
		}()
		return
	}
	s.pending.Add(r)
	s.nonEmpty.Signal()
}

// SubmitWrite enqueues a write of data under a fresh ref.
func (s *Store) SubmitWrite(data []byte, done block.WriteFunc) block.Request {
	r := &request{kind: opWrite, data: data, writeDone: done}
	s.enqueue(r)
	return r
}

// SubmitRead enqueues a read of the block named by ref into target.
func (s *Store) SubmitRead(target []byte, ref block.Ref, done block.ReadFunc) block.Request {
	r := &request{kind: opRead, target: target, ref: ref, readDone: done}
	s.enqueue(r)
	return r
}

// Delete removes the block file named by ref.
func (s *Store) Delete(ref block.Ref) error {
	err := os.Remove(s.path(ref))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close stops the workers, failing requests still queued with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.nonEmpty.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	// Workers are gone; whatever is still queued can be failed inline.
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Length() > 0 {
		r := s.pending.Remove().(*request)
		s.fail(r, block.ErrStoreClosed)
	}
	return nil
}

func (s *Store) path(ref block.Ref) string {
	return filepath.Join(s.dir, string(ref))
}

func (s *Store) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.closed {
			s.nonEmpty.Wait()
		}
		if s.closed {
			// Close fails whatever is still queued.
			s.mu.Unlock()
			return
		}
		r := s.pending.Remove().(*request)
		s.mu.Unlock()

		if !r.state.CompareAndSwap(statePending, stateRunning) {
			continue // cancelled while queued
		}
		switch r.kind {
		case opWrite:
			r.writeDone(s.executeWrite(r))
		case opRead:
			r.readDone(s.executeRead(r))
		}
	}
}

// fail completes a request with err unless it was already cancelled.
func (s *Store) fail(r *request, err error) {
	if !r.state.CompareAndSwap(statePending, stateRunning) {
		return
	}
	switch r.kind {
	case opWrite:
		r.writeDone("", err)
	case opRead:
		r.readDone(err)
	}
}

func (s *Store) executeWrite(r *request) (block.Ref, error) {
	ref := block.Ref(uuid.NewString())

	buf := make([]byte, frameHeaderSize+len(r.data))
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(r.data))
	copy(buf[frameHeaderSize:], r.data)

	if err := os.WriteFile(s.path(ref), buf, 0o600); err != nil {
		return "", fmt.Errorf("write block file: %w", err)
	}
	return ref, nil
}

func (s *Store) executeRead(r *request) error {
	buf, err := os.ReadFile(s.path(r.ref))
	if err != nil {
		if os.IsNotExist(err) {
			return block.ErrBlockNotFound
		}
		return fmt.Errorf("read block file: %w", err)
	}
	if len(buf) < frameHeaderSize {
		return fmt.Errorf("block file truncated: %d bytes", len(buf))
	}

	payload := buf[frameHeaderSize:]
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(buf) {
		return block.ErrChecksumMismatch
	}
	if len(payload) < len(r.target) {
		return block.ErrShortBlock
	}
	copy(r.target, payload)
	return nil
}
