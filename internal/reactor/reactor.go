// Package reactor multiplexes file-descriptor readiness onto callbacks
// from a single dispatch goroutine. Devices register a descriptor and a
// callback; the callback runs on the reactor goroutine and must never
// block.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Reactor is an epoll-backed readiness dispatcher.
type Reactor struct {
	epfd   int
	wakeFd int

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[int]*Registration
	current  *Registration
	closed   bool

	done chan struct{}
}

// Registration is a registered descriptor. It stays valid until
// Deregister returns.
type Registration struct {
	r        *Reactor
	fd       int
	callback func()
	disabled atomic.Bool
}

// New creates a reactor and starts its dispatch goroutine.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &Reactor{
		epfd:     epfd,
		wakeFd:   wakeFd,
		handlers: make(map[int]*Registration),
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register wake fd: %w", err)
	}

	go r.loop()
	return r, nil
}

// Register adds a descriptor for read-readiness dispatch. The callback
// runs on the reactor goroutine whenever the descriptor is readable.
func (r *Reactor) Register(fd int, callback func()) (*Registration, error) {
	if callback == nil {
		return nil, fmt.Errorf("reactor: nil callback")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("reactor: closed")
	}
	if _, exists := r.handlers[fd]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("reactor: fd %d already registered", fd)
	}
	reg := &Registration{r: r, fd: fd, callback: callback}
	r.handlers[fd] = reg
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return nil, fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	return reg, nil
}

// Disable stops callback delivery without waiting for an in-flight
// callback to finish. Unlike Deregister it is safe to call from inside
// the registration's own callback. Idempotent.
func (reg *Registration) Disable() {
	if reg == nil || reg.disabled.Swap(true) {
		return
	}
	_ = unix.EpollCtl(reg.r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
}

// Deregister removes a registration and waits for any in-flight
// callback to return, so the caller can tear down the resources the
// callback touches. Must not be called from the callback itself; use
// Disable there.
func (r *Reactor) Deregister(reg *Registration) error {
	if reg == nil || reg.r != r {
		return fmt.Errorf("reactor: registration does not belong to this reactor")
	}
	reg.Disable()

	r.mu.Lock()
	delete(r.handlers, reg.fd)
	for r.current == reg {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return nil
}

// Close shuts down the dispatch goroutine and the epoll instance.
// Registrations still present are disabled but their descriptors are
// not closed; their owners remain responsible for them.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.wake()
	<-r.done

	unix.Close(r.wakeFd)
	unix.Close(r.epfd)
	return nil
}

func (r *Reactor) wake() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(r.wakeFd, buf[:])
}

func (r *Reactor) loop() {
	defer close(r.done)
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFd {
				var buf [8]byte
				_, _ = unix.Read(r.wakeFd, buf[:])
				continue
			}
			r.dispatch(fd)
		}
	}
}

func (r *Reactor) dispatch(fd int) {
	r.mu.Lock()
	reg := r.handlers[fd]
	if reg == nil || reg.disabled.Load() {
		r.mu.Unlock()
		return
	}
	r.current = reg
	r.mu.Unlock()

	reg.callback()

	r.mu.Lock()
	r.current = nil
	r.cond.Broadcast()
	r.mu.Unlock()
}
