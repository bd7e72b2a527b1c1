// Package reactor implements the readiness-driven I/O engine: a
// single-goroutine epoll loop that accepts registered connections,
// watches their interest sets, and hands one unit of work at a time to
// a fixed worker pool.
package reactor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a connection is
// registered to be notified about.
type Interest uint8

// Interest bits. A connection dispatched to a worker has interest None
// until the worker restores it; that window is what guarantees at most
// one worker per connection.
const (
	None          Interest = 0
	ReadInterest  Interest = 1 << 0
	WriteInterest Interest = 1 << 1
)

var (
	// ErrWouldBlock reports a non-blocking operation that found the
	// socket not ready. Callers retry after waiting for readiness.
	ErrWouldBlock = errors.New("reactor: operation would block")

	// ErrConnClosed reports an operation on a connection that has
	// already been torn down.
	ErrConnClosed = errors.New("reactor: connection closed")
)

// Conn is one connection record in the reactor's arena. The reactor
// owns the lifecycle (registration and close); protocol handlers
// reference the record only while a dispatched unit of work runs. The
// attachment slot carries the connection's mailbox once the peer has
// identified itself.
type Conn struct {
	fd     int
	handle int32
	owner  *Reactor

	mu         sync.Mutex
	interest   Interest
	closed     bool
	attachment any
	userID     int

	lastActivity atomic.Int64 // unix nanos
}

// NewConn wraps an open, non-blocking descriptor in a connection
// record without registering it anywhere. Registration through
// Reactor.Register builds records itself; standalone records are used
// where protocol handlers run against a raw socket pair.
func NewConn(fd int) *Conn {
	c := &Conn{fd: fd, userID: -1}
	c.touch()
	return c
}

// Fd returns the underlying descriptor.
func (c *Conn) Fd() int { return c.fd }

// Handle returns the stable integer handle identifying this record in
// the reactor's arena. The mailbox directory stores handles, never
// connection pointers.
func (c *Conn) Handle() int32 { return c.handle }

// Interest returns the current interest set.
func (c *Conn) Interest() Interest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interest
}

// SetInterest replaces the interest set and updates the poller's view
// of it. On a closed connection it fails with ErrConnClosed.
func (c *Conn) SetInterest(i Interest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.interest = i
	if c.owner != nil {
		return c.owner.updateInterest(c.fd, c.handle, i)
	}
	return nil
}

// AddInterest merges bits into the interest set.
func (c *Conn) AddInterest(i Interest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.interest |= i
	if c.owner != nil {
		return c.owner.updateInterest(c.fd, c.handle, c.interest)
	}
	return nil
}

// captureInterest snapshots the interest set and replaces it with None
// in one critical section. The poller uses it at dispatch: reading the
// set and zeroing it as separate locked steps would let an EnableWrite
// land between them and be erased, leaving a queued message with no
// write interest until an unrelated event re-flips it.
func (c *Conn) captureInterest() (Interest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return None, ErrConnClosed
	}
	captured := c.interest
	if captured == None {
		return None, nil
	}
	c.interest = None
	if c.owner != nil {
		if err := c.owner.updateInterest(c.fd, c.handle, None); err != nil {
			return None, err
		}
	}
	return captured, nil
}

// Restore is the worker's final step for a dispatched unit of work: it
// merges the given bits back into the connection's interest and wakes
// the poller, which may be blocked and would otherwise not observe the
// change. Merging (rather than replacing) preserves write interest a
// delivery may have flipped on while the work ran. A connection that
// was closed while the work ran is dropped silently.
func (c *Conn) Restore(i Interest) {
	if err := c.AddInterest(i); err != nil {
		return
	}
	c.Wake()
}

// Wake nudges the owning reactor's poller, if any.
func (c *Conn) Wake() {
	if c.owner != nil {
		c.owner.Wake()
	}
}

// Close tears the connection down: removes it from the poller, closes
// the descriptor, and marks the record dead. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.owner != nil {
		c.owner.forget(c)
	}
	return unix.Close(c.fd)
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetAttachment stores the per-connection protocol state (the mailbox,
// once the peer is identified).
func (c *Conn) SetAttachment(v any) {
	c.mu.Lock()
	c.attachment = v
	c.mu.Unlock()
}

// Attachment returns whatever SetAttachment stored, or nil.
func (c *Conn) Attachment() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachment
}

// SetUser records the authenticated user id for this connection.
func (c *Conn) SetUser(id int) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// User returns the authenticated user id, or -1 before identification.
func (c *Conn) User() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// LastActivity returns the time of the last successful read or write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Read performs one non-blocking read. It returns ErrWouldBlock when
// the socket has no data, io.EOF when the peer closed the stream, and
// the raw error otherwise. It never loops.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("reactor: read fd %d: %w", c.fd, err)
		case n == 0:
			return 0, io.EOF
		default:
			c.touch()
			return n, nil
		}
	}
}

// Write performs one non-blocking write and returns how many bytes the
// kernel accepted. ErrWouldBlock means none were accepted; a short
// count with a nil error is possible and the caller retries the rest.
func (c *Conn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("reactor: write fd %d: %w", c.fd, err)
		default:
			c.touch()
			return n, nil
		}
	}
}

// Writev hands all buffers to the kernel in a single vectored write.
// Same contract as Write.
func (c *Conn) Writev(bufs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(c.fd, bufs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("reactor: writev fd %d: %w", c.fd, err)
		default:
			c.touch()
			return n, nil
		}
	}
}

// WaitReadable blocks the calling worker until the socket has data or
// the timeout elapses (ErrWouldBlock). Workers use it between
// non-blocking reads of a frame; the poller is not involved.
func (c *Conn) WaitReadable(timeout time.Duration) error {
	return c.wait(unix.POLLIN, timeout)
}

// WaitWritable blocks the calling worker until the socket can accept
// bytes or the timeout elapses (ErrWouldBlock).
func (c *Conn) WaitWritable(timeout time.Duration) error {
	return c.wait(unix.POLLOUT, timeout)
}

func (c *Conn) wait(events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: poll fd %d: %w", c.fd, err)
		}
		if n == 0 {
			return ErrWouldBlock
		}
		return nil
	}
}
