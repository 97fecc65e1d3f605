package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCallbackOnReadable(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	var fired atomic.Int32
	reg, err := r.Register(rd, func() {
		var buf [16]byte
		unix.Read(rd, buf[:])
		fired.Add(1)
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer r.Deregister(reg)

	unix.Write(wr, []byte("x"))
	waitFor(t, func() bool { return fired.Load() >= 1 })
}

func TestDuplicateRegistration(t *testing.T) {
	r := newReactor(t)
	rd, _ := newPipe(t)

	reg, err := r.Register(rd, func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(rd, func() {}); err == nil {
		t.Fatal("second registration of same fd should fail")
	}
	r.Deregister(reg)

	// After deregistration the fd can be registered again.
	reg2, err := r.Register(rd, func() {})
	if err != nil {
		t.Fatalf("re-register after deregister: %v", err)
	}
	r.Deregister(reg2)
}

// After Deregister returns, the callback must never run again even if
// the descriptor is readable.
func TestDeregisterIsSynchronous(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	var fired atomic.Int32
	reg, err := r.Register(rd, func() {
		var buf [16]byte
		unix.Read(rd, buf[:])
		fired.Add(1)
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	unix.Write(wr, []byte("x"))
	waitFor(t, func() bool { return fired.Load() >= 1 })

	if err := r.Deregister(reg); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	before := fired.Load()

	unix.Write(wr, []byte("y"))
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != before {
		t.Fatalf("callback ran after Deregister (count %d -> %d)", before, fired.Load())
	}
}

// Disable from inside the callback must stop further delivery without
// deadlocking the dispatch goroutine.
func TestDisableFromCallback(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	var fired atomic.Int32
	ready := make(chan struct{})
	var reg *Registration
	reg, err := r.Register(rd, func() {
		<-ready
		fired.Add(1)
		// Leave the pipe unread so the fd stays readable; only the
		// Disable should stop redelivery.
		reg.Disable()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	close(ready)

	unix.Write(wr, []byte("x"))
	waitFor(t, func() bool { return fired.Load() >= 1 })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("callback fired %d times after Disable, want 1", got)
	}

	if err := r.Deregister(reg); err != nil {
		t.Fatalf("Deregister after Disable: %v", err)
	}
}

func TestCloseStopsDispatch(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rd, wr := newPipe(t)

	var fired atomic.Int32
	if _, err := r.Register(rd, func() {
		var buf [16]byte
		unix.Read(rd, buf[:])
		fired.Add(1)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	unix.Write(wr, []byte("x"))
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("callback ran after Close")
	}

	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
