// Package block defines the asynchronous block store interface used by the
// pool to move blocks between RAM and external memory.
//
// A Store is an opaque async device: the pool submits non-blocking write and
// read requests and is notified through completion callbacks. The pool never
// interprets a Ref; it only stores it and hands it back for reads and deletes.
package block

import (
	"context"
	"errors"
)

// Common errors returned by Store implementations and delivered to
// completion callbacks.
var (
	// ErrBlockNotFound is returned when a ref does not name a stored block.
	ErrBlockNotFound = errors.New("block not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrChecksumMismatch is returned when stored block bytes fail verification.
	ErrChecksumMismatch = errors.New("block checksum mismatch")

	// ErrShortBlock is returned when a stored block is smaller than the
	// read target region.
	ErrShortBlock = errors.New("stored block shorter than target region")
)

// Ref is an opaque token naming a block on the backing store. It is minted by
// the store on first write and released with Delete.
type Ref string

// WriteFunc is invoked exactly once when a write request finishes, unless the
// request was successfully canceled first. On success ref names the stored
// copy; on failure ref is empty and err describes the fault.
type WriteFunc func(ref Ref, err error)

// ReadFunc is invoked exactly once when a read request finishes, unless the
// request was successfully canceled first.
type ReadFunc func(err error)

// Request is a handle to an in-flight store operation.
type Request interface {
	// TryCancel attempts to cancel the request. It returns true only if the
	// request had not started executing; in that case the completion callback
	// will never fire. A false return means the request is running or already
	// done and its callback fires (or fired) normally.
	TryCancel() bool
}

// Store is an asynchronous block storage device.
//
// Submit calls never block on I/O and never invoke the completion callback
// synchronously, so it is safe to submit while holding a lock the callback
// acquires. Callbacks run on internal store goroutines.
type Store interface {
	// SubmitWrite begins writing data to the store. The caller must keep data
	// valid and unmodified until the callback fires or TryCancel succeeds.
	SubmitWrite(data []byte, done WriteFunc) Request

	// SubmitRead begins reading the block named by ref into target. The target
	// length gives the number of bytes to read; the caller must keep target
	// valid until the callback fires or TryCancel succeeds.
	SubmitRead(target []byte, ref Ref, done ReadFunc) Request

	// Delete releases the storage held by ref. Deleting an unknown ref is not
	// an error.
	Delete(ref Ref) error

	// Close waits for in-flight requests to finish and releases resources.
	Close() error
}

// HealthChecker is implemented by stores that can verify their backend is
// reachable. Optional; the pool does not use it, but poolbench does.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
