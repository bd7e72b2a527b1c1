package reactor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeHandle marks the eventfd used to interrupt EpollWait; it never
// collides with connection handles, which start at 1.
const wakeHandle = -1

// Handler builds the unit of work for a ready connection. The reactor
// knows nothing about rooms, users, or persistence: both handlers are
// injected once at startup, and the interest value passed in is the
// set that was captured (and zeroed) at dispatch so the task can
// restore it. A nil returned task leaves the connection frozen with
// interest None.
type Handler func(c *Conn, captured Interest) Task

// Config carries reactor construction parameters.
type Config struct {
	// Workers sizes the pool; non-positive selects DefaultWorkers.
	Workers int
	// Logger receives per-connection registration failures and
	// lifecycle events. nil discards them.
	Logger *slog.Logger
}

// Reactor runs the single-threaded readiness loop. Each iteration
// drains the registration queue, blocks on epoll, and for every ready
// connection captures its interest set, zeroes it, and submits exactly
// one unit of work to the pool. Zero-then-restore is the load-bearing
// invariant: while interest is None the connection cannot be selected
// again, so at most one worker ever touches its state.
type Reactor struct {
	epfd   int
	wakefd int
	pool   *Pool
	logger *slog.Logger

	mu         sync.Mutex
	conns      map[int32]*Conn
	nextHandle int32

	regMu    sync.Mutex
	regQueue []int

	onRead  Handler
	onWrite Handler

	running atomic.Bool
	done    chan struct{}
}

// New creates a reactor with its poller and worker pool. The caller
// installs handlers with OnReadable/OnWritable and then runs the loop.
func New(cfg Config) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeHandle}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &event); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: registering wake fd: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		pool:   NewPool(cfg.Workers),
		logger: logger,
		conns:  make(map[int32]*Conn),
		done:   make(chan struct{}),
	}
	r.running.Store(true)
	return r, nil
}

// OnReadable installs the read-side handler. Must be called before Run.
func (r *Reactor) OnReadable(h Handler) { r.onRead = h }

// OnWritable installs the write-side handler. Must be called before Run.
func (r *Reactor) OnWritable(h Handler) { r.onWrite = h }

// Register queues a newly accepted descriptor for registration and
// wakes the poller. Called from the accept path; the loop itself
// configures the socket non-blocking and installs read interest.
func (r *Reactor) Register(fd int) {
	r.regMu.Lock()
	r.regQueue = append(r.regQueue, fd)
	r.regMu.Unlock()
	r.Wake()
}

// Wake interrupts a blocked EpollWait so the loop observes interest
// changes and queued registrations made by other goroutines.
func (r *Reactor) Wake() {
	var one = [8]byte{7: 1}
	_, _ = unix.Write(r.wakefd, one[:])
}

// EnableWrite adds write interest to the connection with the given
// handle and wakes the poller. Implements the mailbox directory's
// notifier contract; deliveries to closed connections are dropped.
func (r *Reactor) EnableWrite(handle int32) {
	r.mu.Lock()
	c, ok := r.conns[handle]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := c.AddInterest(WriteInterest); err != nil {
		return
	}
	r.Wake()
}

// Lookup returns the connection registered under handle.
func (r *Reactor) Lookup(handle int32) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[handle]
	return c, ok
}

// ConnCount reports how many connections are registered.
func (r *Reactor) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Run executes the readiness loop until Shutdown. The returned error
// is fatal: a broken poller means the reactor cannot continue and the
// owning server logs and terminates. Per-connection failures never
// propagate here; they are contained in worker tasks.
func (r *Reactor) Run() error {
	defer close(r.done)

	events := make([]unix.EpollEvent, 64)
	for r.running.Load() {
		r.drainRegistrations()

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			r.dispatch(&events[i])
		}
	}
	return nil
}

// dispatch hands one ready connection to the pool.
func (r *Reactor) dispatch(event *unix.EpollEvent) {
	if event.Fd == wakeHandle {
		r.drainWake()
		return
	}

	r.mu.Lock()
	c, ok := r.conns[event.Fd]
	r.mu.Unlock()
	if !ok || c.Closed() {
		return
	}

	// Capture and zero the interest set in one step so the connection
	// cannot be selected again until the worker restores it, and so a
	// concurrent EnableWrite is either captured or lands after the
	// zeroing (where the worker's merging Restore preserves it).
	captured, err := c.captureInterest()
	if err != nil {
		return
	}
	if captured == None {
		// A worker is already active on this connection; epoll still
		// reports error conditions for a zero-interest registration.
		return
	}

	// Draining output unblocks backpressure first, so write readiness
	// wins when both are set.
	var handler Handler
	writable := event.Events&unix.EPOLLOUT != 0 && captured&WriteInterest != 0
	if writable {
		handler = r.onWrite
	} else {
		handler = r.onRead
	}
	if handler == nil {
		r.logger.Debug("no handler for ready connection, freezing", "handle", c.Handle())
		return
	}

	task := handler(c, captured)
	if task == nil {
		return
	}
	r.pool.Submit(task)
}

// drainRegistrations configures queued descriptors non-blocking and
// registers them for read readiness. A failure to register one
// connection drops that connection and never aborts the loop.
func (r *Reactor) drainRegistrations() {
	r.regMu.Lock()
	queue := r.regQueue
	r.regQueue = nil
	r.regMu.Unlock()

	for _, fd := range queue {
		if err := r.addConn(fd); err != nil {
			r.logger.Error("registering connection failed", "fd", fd, "error", err)
			unix.Close(fd)
		}
	}
}

func (r *Reactor) addConn(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}

	c := NewConn(fd)
	c.owner = r
	c.interest = ReadInterest

	r.mu.Lock()
	r.nextHandle++
	c.handle = r.nextHandle
	r.conns[c.handle] = c
	r.mu.Unlock()

	event := unix.EpollEvent{Events: interestEvents(ReadInterest), Fd: c.handle}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		r.mu.Lock()
		delete(r.conns, c.handle)
		r.mu.Unlock()
		return fmt.Errorf("epoll_ctl add: %w", err)
	}

	r.logger.Debug("connection registered", "fd", fd, "handle", c.handle)
	return nil
}

// updateInterest reprograms the poller's event mask for a connection.
// Called by Conn with its lock held.
func (r *Reactor) updateInterest(fd int, handle int32, i Interest) error {
	event := unix.EpollEvent{Events: interestEvents(i), Fd: handle}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// forget removes a closing connection from the arena and the poller.
func (r *Reactor) forget(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.handle)
	r.mu.Unlock()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	r.logger.Debug("connection forgotten", "fd", c.fd, "handle", c.handle)
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Shutdown stops the loop cooperatively, lets in-flight worker tasks
// finish (bounded by timeout), closes every connection, and releases
// the poller.
func (r *Reactor) Shutdown(timeout time.Duration) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.Wake()

	select {
	case <-r.done:
	case <-time.After(timeout):
	}

	poolErr := r.pool.Stop(timeout)

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	unix.Close(r.wakefd)
	unix.Close(r.epfd)

	if poolErr != nil {
		return fmt.Errorf("reactor: draining worker pool: %w", poolErr)
	}
	return nil
}

// interestEvents maps an interest set to an epoll event mask.
// EPOLLRDHUP keeps half-closed peers visible as read readiness.
func interestEvents(i Interest) uint32 {
	var events uint32
	if i&ReadInterest != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&WriteInterest != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}
