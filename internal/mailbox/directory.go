package mailbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/courier-chat/courier/internal/wire"
)

// ErrDuplicateMailbox reports an attempt to register a second mailbox
// under a user id that already has one. Guards against
// double-registration races; the second registration is rejected.
var ErrDuplicateMailbox = errors.New("mailbox: duplicate mailbox")

// Directory maps user ids to the mailboxes of their live connections.
// Every entry corresponds to a currently open connection; entries for
// closed connections are removed before the directory is consulted
// again. All operations are safe for concurrent use; one mutex guards
// the map, which is acceptable because the hot path (fan-out) is
// already bound by protocol work.
//
// The directory is an injected component: the server builds one and
// passes it to both protocol handlers. It is never a package global.
type Directory struct {
	mu     sync.Mutex
	boxes  map[int]*Mailbox
	notify Notifier
}

// NewDirectory creates an empty directory that flips write interest
// through the given notifier whenever a delivery lands.
func NewDirectory(notify Notifier) *Directory {
	return &Directory{
		boxes:  make(map[int]*Mailbox),
		notify: notify,
	}
}

// Create registers a mailbox under the given user id. It fails with
// ErrDuplicateMailbox if the id already has one.
func (d *Directory) Create(id int, box *Mailbox) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.boxes[id]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateMailbox, id)
	}
	d.boxes[id] = box
	return nil
}

// Remove deletes the mailbox registered under id. Idempotent; reports
// whether an entry existed.
func (d *Directory) Remove(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.boxes[id]; !ok {
		return false
	}
	delete(d.boxes, id)
	return true
}

// RemoveByConnection deletes whichever mailbox belongs to the
// connection with the given handle. Linear scan fallback for error
// paths where the user id is not known to the caller; disconnects are
// rare relative to message volume, so the scan is acceptable.
func (d *Directory) RemoveByConnection(handle int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, box := range d.boxes {
		if box.Handle() == handle {
			delete(d.boxes, id)
			return true
		}
	}
	return false
}

// Exists reports whether a mailbox is registered under id.
func (d *Directory) Exists(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.boxes[id]
	return ok
}

// Lookup returns the mailbox registered under id, if any.
func (d *Directory) Lookup(id int) (*Mailbox, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.boxes[id]
	return box, ok
}

// Deliver appends the message to the mailbox registered under id and
// flips the owning connection's interest set to include write
// readiness. Silently a no-op if the id is absent: a handler that must
// report absence checks Exists first and synthesizes a FAILURE to the
// sender's own mailbox.
func (d *Directory) Deliver(id int, m wire.Message) bool {
	d.mu.Lock()
	box, ok := d.boxes[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	box.Enqueue(m)
	d.notify.EnableWrite(box.Handle())
	return true
}

// DeliverToAll delivers the message to every listed id that has a
// mailbox. Absent ids are skipped, not errored. Returns how many
// deliveries landed.
func (d *Directory) DeliverToAll(ids []int, m wire.Message) int {
	delivered := 0
	for _, id := range ids {
		if d.Deliver(id, m) {
			delivered++
		}
	}
	return delivered
}

// Len reports how many mailboxes are registered.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.boxes)
}
