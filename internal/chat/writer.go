package chat

import (
	"io"
	"log/slog"
	"time"

	"github.com/courier-chat/courier/internal/mailbox"
	"github.com/courier-chat/courier/internal/reactor"
)

// WriterConfig carries the write-side handler's collaborators.
type WriterConfig struct {
	Directory *mailbox.Directory
	Logger    *slog.Logger
	Stats     Stats
	// OnError is invoked when a write fails and the connection is torn
	// down. nil means log-only.
	OnError func(handle int32, err error)
	// WriteBudget bounds how long one unit of work keeps retrying a
	// blocked frame before leaving the rest for the next readiness
	// cycle. Zero selects 500ms.
	WriteBudget time.Duration
}

// Writer drains a connection's mailbox when the socket reports write
// readiness. It encodes and writes queued messages until the queue is
// empty or the socket stops accepting bytes; whatever could not be
// flushed stays queued with write interest still set, so the next
// readiness cycle resumes exactly where this one stopped.
type Writer struct {
	directory   *mailbox.Directory
	logger      *slog.Logger
	stats       Stats
	onError     func(handle int32, err error)
	writeBudget time.Duration
}

// NewWriter builds the write-side handler.
func NewWriter(cfg WriterConfig) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	budget := cfg.WriteBudget
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}
	return &Writer{
		directory:   cfg.Directory,
		logger:      logger,
		stats:       stats,
		onError:     cfg.OnError,
		writeBudget: budget,
	}
}

// Handle is the reactor's write-side callback.
func (w *Writer) Handle(c *reactor.Conn, captured reactor.Interest) reactor.Task {
	return func() {
		box, _ := c.Attachment().(*mailbox.Mailbox)
		if box == nil {
			// Write interest without a mailbox means the peer was torn
			// down mid-flight; fall back to reading.
			c.Restore(reactor.ReadInterest)
			return
		}

		if err := w.drain(c, box); err != nil {
			w.fail(c, err)
			return
		}

		if box.Len() > 0 || len(box.Pending()) > 0 {
			c.Restore(reactor.ReadInterest | reactor.WriteInterest)
			return
		}

		// Drop write interest now that the queue is drained, then
		// re-check: a delivery may have raced the downgrade, and its
		// EnableWrite must not be lost.
		if err := c.SetInterest(reactor.ReadInterest); err != nil {
			return
		}
		if box.Len() > 0 {
			_ = c.AddInterest(reactor.WriteInterest)
		}
		c.Wake()
	}
}

// drain writes queued frames until the queue empties or the socket
// blocks. A frame the kernel only partially accepted is parked on the
// mailbox as pending bytes.
func (w *Writer) drain(c *reactor.Conn, box *mailbox.Mailbox) error {
	deadline := time.Now().Add(w.writeBudget)

	if pending := box.Pending(); len(pending) > 0 {
		n, err := w.flush(c, pending, deadline)
		if err != nil {
			return err
		}
		if n < len(pending) {
			box.SetPending(pending[n:])
			return nil
		}
		box.SetPending(nil)
		w.stats.FrameWritten()
	}

	for {
		m, ok := box.Dequeue()
		if !ok {
			return nil
		}

		header, body := m.Encode()
		total := len(header) + len(body)

		n, err := c.Writev([][]byte{header, body})
		if err == reactor.ErrWouldBlock {
			n = 0
		} else if err != nil {
			return err
		}

		if n < total {
			frame := append(header, body...)
			flushed, err := w.flush(c, frame[n:], deadline)
			if err != nil {
				return err
			}
			if n+flushed < total {
				box.SetPending(frame[n+flushed:])
				return nil
			}
		}
		w.stats.FrameWritten()
	}
}

// flush retries a blocked buffer until it is gone or the budget runs
// out; it never blocks unboundedly.
func (w *Writer) flush(c *reactor.Conn, p []byte, deadline time.Time) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.Write(p[written:])
		if err == reactor.ErrWouldBlock {
			if time.Now().After(deadline) {
				return written, nil
			}
			if err := c.WaitWritable(50 * time.Millisecond); err != nil && err != reactor.ErrWouldBlock {
				return written, err
			}
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// fail treats a write error as a disconnect: report, unhook the
// mailbox, close.
func (w *Writer) fail(c *reactor.Conn, err error) {
	w.logger.Warn("write failed, dropping connection", "handle", c.Handle(), "user", c.User(), "error", err)
	if w.onError != nil {
		w.onError(c.Handle(), err)
	}
	w.directory.RemoveByConnection(c.Handle())
	_ = c.Close()
}
