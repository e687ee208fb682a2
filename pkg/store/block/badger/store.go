// Package badger provides a BadgerDB-backed block store implementation.
//
// Each block is one key in the database; block bytes live in Badger's value
// log, which suits the large-value write-once access pattern of evicted
// blocks.
package badger

import (
	"fmt"
	"sync"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// keyPrefix namespaces block keys inside a possibly shared database.
const keyPrefix = "blk/"

// Config holds configuration for the Badger block store.
type Config struct {
	// Dir is the database directory. Created if missing.
	Dir string `mapstructure:"dir" validate:"required"`

	// SyncWrites makes every write durable before its completion fires.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// Store is a BadgerDB-backed implementation of block.Store.
type Store struct {
	db     *badgerdb.DB
	ownsDB bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wraps an existing database.
func New(db *badgerdb.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) a database at cfg.Dir and owns its lifecycle.
func Open(cfg Config) (*Store, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Dir, err)
	}
	return &Store{db: db, ownsDB: true}, nil
}

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

func (r *request) start() bool {
	return r.state.CompareAndSwap(statePending, stateRunning)
}

func key(ref block.Ref) []byte {
	return []byte(keyPrefix + string(ref))
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubmitWrite stores data under a fresh ref.
func (s *Store) SubmitWrite(data []byte, done block.WriteFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !r.start() {
			return
		}
		if s.isClosed() {
			done("", block.ErrStoreClosed)
			return
		}

		ref := block.Ref(uuid.NewString())
		// Badger only guarantees the value is safe to reuse after commit, and
		// the pool mutates the region once the callback fired; store a copy.
		copied := make([]byte, len(data))
		copy(copied, data)

		err := s.db.Update(func(txn *badgerdb.Txn) error {
			return txn.Set(key(ref), copied)
		})
		if err != nil {
			done("", fmt.Errorf("set block key: %w", err))
			return
		}
		done(ref, nil)
	}()
	return r
}

// SubmitRead loads the block named by ref into target.
func (s *Store) SubmitRead(target []byte, ref block.Ref, done block.ReadFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !r.start() {
			return
		}
		if s.isClosed() {
			done(block.ErrStoreClosed)
			return
		}

		err := s.db.View(func(txn *badgerdb.Txn) error {
			item, err := txn.Get(key(ref))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					return block.ErrBlockNotFound
				}
				return err
			}
			return item.Value(func(val []byte) error {
				if len(val) < len(target) {
					return block.ErrShortBlock
				}
				copy(target, val)
				return nil
			})
		})
		done(err)
	}()
	return r
}

// Delete removes the block named by ref.
func (s *Store) Delete(ref block.Ref) error {
	if s.isClosed() {
		return block.ErrStoreClosed
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key(ref))
	})
	if err != nil {
		return fmt.Errorf("delete block key: %w", err)
	}
	return nil
}

// Close waits for in-flight requests and closes the database if owned.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
