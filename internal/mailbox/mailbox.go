// Package mailbox provides the per-user outbound message queue and the
// directory that maps user ids to live mailboxes for fan-out.
package mailbox

import (
	"sync"

	"github.com/courier-chat/courier/internal/wire"
)

// Notifier flips a connection's interest set to include write
// readiness after a message lands in its mailbox. Implemented by the
// reactor; the directory only knows connection handles, never socket
// objects.
type Notifier interface {
	EnableWrite(handle int32)
}

// Mailbox is an ordered queue of messages waiting to be written to one
// identified connection. Enqueue order is delivery order. A mailbox
// belongs to exactly one connection, identified by its reactor handle.
type Mailbox struct {
	mu      sync.Mutex
	queue   []wire.Message
	pending []byte
	handle  int32
}

// NewMailbox creates an empty mailbox owned by the connection with the
// given reactor handle.
func NewMailbox(handle int32) *Mailbox {
	return &Mailbox{handle: handle}
}

// Handle returns the owning connection's reactor handle.
func (b *Mailbox) Handle() int32 {
	return b.handle
}

// Enqueue appends a message to the queue.
func (b *Mailbox) Enqueue(m wire.Message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
}

// Dequeue removes and returns the oldest queued message. The second
// return is false when the queue is empty.
func (b *Mailbox) Dequeue() (wire.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return wire.Message{}, false
	}
	m := b.queue[0]
	b.queue = b.queue[1:]
	return m, true
}

// Len reports how many messages are queued.
func (b *Mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending returns the unflushed tail of a partially written frame, or
// nil. Only the single worker draining this mailbox touches it.
func (b *Mailbox) Pending() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// SetPending stores the unflushed tail of a partially written frame so
// the next write-readiness cycle can resume it. Pass nil once flushed.
func (b *Mailbox) SetPending(p []byte) {
	b.mu.Lock()
	b.pending = p
	b.mu.Unlock()
}
