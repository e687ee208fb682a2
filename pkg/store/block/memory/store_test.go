package memory

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// writeSync submits a write and waits for its completion.
func writeSync(t *testing.T, s *Store, data []byte) block.Ref {
	t.Helper()
	var (
		wg  sync.WaitGroup
		ref block.Ref
		err error
	)
	wg.Add(1)
	s.SubmitWrite(data, func(r block.Ref, e error) {
		ref, err = r, e
		wg.Done()
	})
	wg.Wait()
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return ref
}

// readSync submits a read and waits for its completion.
func readSync(s *Store, target []byte, ref block.Ref) error {
	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	s.SubmitRead(target, ref, func(e error) {
		err = e
		wg.Done()
	})
	wg.Wait()
	return err
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	data := []byte("block pool payload")
	ref := writeSync(t, s, data)
	if ref == "" {
		t.Fatal("expected non-empty ref")
	}

	target := make([]byte, len(data))
	if err := readSync(s, target, ref); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(target, data) {
		t.Errorf("round trip mismatch: %q", target)
	}
}

func TestRead_UnknownRef(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	err := readSync(s, make([]byte, 4), block.Ref("missing"))
	if !errors.Is(err, block.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestDelete_ReleasesBlock(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	ref := writeSync(t, s, []byte("data"))
	if s.Len() != 1 {
		t.Fatalf("expected 1 stored block, got %d", s.Len())
	}
	if err := s.Delete(ref); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected 0 stored blocks, got %d", s.Len())
	}
	// Deleting again is not an error.
	if err := s.Delete(ref); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestTryCancel_PendingRequestNeverCompletes(t *testing.T) {
	gate := make(chan struct{})
	s := New(WithBeforeStart(func(Op) { <-gate }))

	completed := make(chan struct{})
	req := s.SubmitWrite([]byte("x"), func(block.Ref, error) {
		close(completed)
	})
	if !req.TryCancel() {
		t.Fatal("expected cancel of a parked request to succeed")
	}
	close(gate)
	_ = s.Close() // waits for the request goroutine

	select {
	case <-completed:
		t.Fatal("cancelled request must not invoke its callback")
	default:
	}
}

func TestTryCancel_RunningRequestFails(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	s := New(WithBeforeComplete(func(Op) {
		close(started)
		<-gate
	}))

	done := make(chan struct{})
	req := s.SubmitWrite([]byte("x"), func(block.Ref, error) {
		close(done)
	})
	<-started
	if req.TryCancel() {
		t.Fatal("cancel of a running request should fail")
	}
	close(gate)
	<-done
	_ = s.Close()
}
