package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/courier-chat/courier/internal/mailbox"
	"github.com/courier-chat/courier/internal/reactor"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/wire"
)

// ReaderConfig carries the read-side handler's collaborators.
type ReaderConfig struct {
	Directory *mailbox.Directory
	Store     store.Store
	// Limiter throttles SEND per user; nil disables throttling.
	Limiter *SendLimiter
	Logger  *slog.Logger
	Stats   Stats
	// MaxBody bounds decoded frame bodies; non-positive selects the
	// wire default.
	MaxBody int
	// ReadTimeout bounds how long a worker waits for the rest of a
	// frame that readiness promised. Zero selects 10 seconds.
	ReadTimeout time.Duration
	// StoreTimeout bounds each directory/history call. Zero selects 5
	// seconds.
	StoreTimeout time.Duration
}

// Reader interprets one decoded frame per unit of work. It owns no
// sockets: the reactor hands it a dispatched connection, and every
// path through Handle either restores the connection's interest or
// tears the connection down.
type Reader struct {
	directory    *mailbox.Directory
	store        store.Store
	limiter      *SendLimiter
	logger       *slog.Logger
	stats        Stats
	maxBody      int
	readTimeout  time.Duration
	storeTimeout time.Duration
}

// NewReader builds the read-side handler.
func NewReader(cfg ReaderConfig) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = wire.DefaultMaxBody
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Reader{
		directory:    cfg.Directory,
		store:        cfg.Store,
		limiter:      cfg.Limiter,
		logger:       logger,
		stats:        stats,
		maxBody:      maxBody,
		readTimeout:  readTimeout,
		storeTimeout: storeTimeout,
	}
}

// Handle is the reactor's read-side callback.
func (r *Reader) Handle(c *reactor.Conn, captured reactor.Interest) reactor.Task {
	return func() {
		msg, err := wire.DecodeLimit(frameReader{c: c, deadline: time.Now().Add(r.readTimeout)}, r.maxBody)
		if err != nil {
			r.teardown(c, err)
			return
		}
		r.stats.FrameRead()

		switch msg.Type {
		case wire.Connect:
			r.connect(c, msg)
		case wire.Register:
			r.register(c, msg)
		case wire.Send:
			r.relay(c, msg)
		case wire.NewThread:
			r.createRoom(c, msg)
		case wire.Disconnect:
			r.disconnect(c, msg)
			return // connection is gone; nothing to restore
		default:
			// UNKNOWN (and stray FAILURE) frames change no state.
			r.logger.Debug("ignoring frame", "type", msg.Type.String(), "sender", msg.SenderID)
		}

		if !c.Closed() {
			c.Restore(captured | reactor.ReadInterest)
		}
	}
}

// connect validates credentials and, on success, registers a mailbox
// for this connection under the authenticated id and echoes CONNECT
// back through it. A rejected peer gets a FAILURE written directly (it
// has no mailbox yet) and the connection is closed: keeping
// unvalidated connections alive invites resource-exhaustion abuse.
func (r *Reader) connect(c *reactor.Conn, msg wire.Message) {
	ctx, cancel := r.storeCtx()
	defer cancel()

	id, err := r.store.LookupUser(ctx, msg.SenderID, msg.Password)
	if err != nil {
		if errors.Is(err, store.ErrRejected) {
			r.refuse(c, msg.SenderID, "unknown id or wrong password")
			return
		}
		r.stats.StoreError()
		r.teardown(c, err)
		return
	}

	if !r.identify(c, id) {
		return
	}
	r.directory.Deliver(id, wire.New(wire.Connect, id, msg.Password, msg.ThreadID, msg.ThreadName, ""))
	r.logger.Info("user connected", "user", id, "handle", c.Handle())
}

// register creates a new identity and replies with the assigned id in
// the senderID field.
func (r *Reader) register(c *reactor.Conn, msg wire.Message) {
	ctx, cancel := r.storeCtx()
	defer cancel()

	id, err := r.store.RegisterUser(ctx, msg.Password)
	if err != nil {
		r.stats.StoreError()
		r.teardown(c, err)
		return
	}

	if !r.identify(c, id) {
		return
	}
	r.directory.Deliver(id, wire.New(wire.Register, id, msg.Password, 0, "", ""))
	r.logger.Info("user registered", "user", id, "handle", c.Handle())
}

// identify attaches a fresh mailbox for id to the connection. A
// duplicate registration race is logged and refused.
func (r *Reader) identify(c *reactor.Conn, id int) bool {
	box := mailbox.NewMailbox(c.Handle())
	if err := r.directory.Create(id, box); err != nil {
		r.logger.Warn("rejecting duplicate registration", "user", id, "error", err)
		r.refuse(c, id, "already connected")
		return false
	}
	c.SetUser(id)
	c.SetAttachment(box)
	return true
}

// relay fans a SEND out to the room's participants and appends it to
// history. The sender must have identified itself first; persistence
// and fan-out are both attempted but are not a transaction, and a
// participant without a live mailbox is skipped.
func (r *Reader) relay(c *reactor.Conn, msg wire.Message) {
	if !r.directory.Exists(msg.SenderID) {
		// The sender has no mailbox, so this FAILURE is normally
		// dropped on the floor by Deliver; there is deliberately no
		// side channel back to an unidentified connection.
		r.failure(msg.SenderID, "you are not connected")
		return
	}
	if !r.limiter.Allow(msg.SenderID) {
		r.logger.Warn("send rate limit exceeded", "user", msg.SenderID)
		r.failure(msg.SenderID, "rate limit exceeded")
		return
	}

	ctx, cancel := r.storeCtx()
	defer cancel()

	participants, err := r.store.Participants(ctx, msg.ThreadID, msg.SenderID)
	if err != nil {
		r.stats.StoreError()
		r.teardown(c, err)
		return
	}

	if err := r.store.SaveMessage(ctx, msg.SenderID, msg.ThreadID, msg.Time(), msg.Contents); err != nil {
		if errors.Is(err, store.ErrRejected) {
			r.failure(msg.SenderID, "the message could not be delivered")
			return
		}
		r.stats.StoreError()
		r.teardown(c, err)
		return
	}

	delivered := r.directory.DeliverToAll(participants, msg)
	r.stats.FanOut(delivered, len(participants)-delivered)
	r.logger.Debug("message relayed",
		"user", msg.SenderID,
		"room", msg.ThreadID,
		"participants", len(participants),
		"delivered", delivered,
	)
}

// createRoom resolves or lazily creates the named room and replies
// with its id.
func (r *Reader) createRoom(c *reactor.Conn, msg wire.Message) {
	ctx, cancel := r.storeCtx()
	defer cancel()

	id, err := r.store.ResolveOrCreateRoom(ctx, msg.ThreadName, msg.SenderID)
	if err != nil {
		if errors.Is(err, store.ErrRejected) {
			r.failure(msg.SenderID, "failed to create the room")
			return
		}
		r.stats.StoreError()
		r.teardown(c, err)
		return
	}
	r.directory.Deliver(msg.SenderID, wire.New(wire.NewThread, msg.SenderID, "", id, msg.ThreadName, ""))
	r.logger.Info("room resolved", "user", msg.SenderID, "room", id, "name", msg.ThreadName)
}

// disconnect removes the sender's mailbox and closes the connection.
func (r *Reader) disconnect(c *reactor.Conn, msg wire.Message) {
	r.directory.Remove(msg.SenderID)
	_ = c.Close()
	r.logger.Info("user disconnected", "user", msg.SenderID, "handle", c.Handle())
}

// failure queues a FAILURE reply to the user's own mailbox. Dropped
// silently if the user has none.
func (r *Reader) failure(id int, reason string) {
	r.directory.Deliver(id, wire.New(wire.Failure, id, "", 0, "", reason))
}

// refuse writes a FAILURE directly to a connection that has no mailbox
// and closes it.
func (r *Reader) refuse(c *reactor.Conn, id int, reason string) {
	reply := wire.New(wire.Failure, id, "", 0, "", reason)
	if err := writeAll(c, reply.Marshal(), 2*time.Second); err != nil {
		r.logger.Debug("writing refusal failed", "handle", c.Handle(), "error", err)
	}
	r.teardown(c, fmt.Errorf("chat: refused: %s", reason))
}

// teardown contains a per-connection failure: the mailbox (if any) is
// unhooked and the connection closed. Nothing propagates to the
// reactor.
func (r *Reader) teardown(c *reactor.Conn, err error) {
	if !errors.Is(err, wire.ErrTruncatedFrame) {
		r.logger.Warn("dropping connection", "handle", c.Handle(), "error", err)
	} else {
		r.logger.Debug("peer closed mid-frame", "handle", c.Handle())
	}
	r.directory.RemoveByConnection(c.Handle())
	_ = c.Close()
}

func (r *Reader) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.storeTimeout)
}

// frameReader adapts a dispatched connection to io.Reader for the
// codec: readiness promised at least one byte, so short stalls between
// reads of a single frame are waited out, bounded by the deadline.
type frameReader struct {
	c        *reactor.Conn
	deadline time.Time
}

func (fr frameReader) Read(p []byte) (int, error) {
	for {
		n, err := fr.c.Read(p)
		if err != reactor.ErrWouldBlock {
			return n, err
		}
		if time.Now().After(fr.deadline) {
			return 0, fmt.Errorf("chat: frame read stalled past deadline")
		}
		if err := fr.c.WaitReadable(100 * time.Millisecond); err != nil && err != reactor.ErrWouldBlock {
			return 0, err
		}
	}
}

// writeAll flushes an entire buffer with a bounded retry loop; used
// only for direct writes outside the mailbox path.
func writeAll(c *reactor.Conn, p []byte, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	written := 0
	for written < len(p) {
		n, err := c.Write(p[written:])
		if err == reactor.ErrWouldBlock {
			if time.Now().After(deadline) {
				return fmt.Errorf("chat: direct write stalled past deadline")
			}
			if err := c.WaitWritable(100 * time.Millisecond); err != nil && err != reactor.ErrWouldBlock {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
