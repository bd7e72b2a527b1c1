// Package store defines the directory/history service the protocol
// handlers consult for users, rooms, and message history, and provides
// its SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected reports a lookup miss or bad credentials. Recoverable:
	// the handler answers with a FAILURE reply.
	ErrRejected = errors.New("store: rejected")

	// ErrUnavailable reports that the store itself is broken or
	// unreachable. The triggering connection is dropped; the reactor
	// keeps running.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the synchronous directory/history service. Calls may block
// briefly; they run on worker goroutines, never on the poller, and the
// pool size bounds the latency cost.
type Store interface {
	// LookupUser returns id when the id/password pair matches a
	// registered user, ErrRejected when it does not.
	LookupUser(ctx context.Context, id int, password string) (int, error)

	// RegisterUser creates a new user with the given password and
	// returns the assigned id.
	RegisterUser(ctx context.Context, password string) (int, error)

	// ResolveOrCreateRoom returns the id of the named room, creating
	// it on first use. Creation also records a greeting message from
	// creatorID so the creator joins the room's participant set.
	ResolveOrCreateRoom(ctx context.Context, name string, creatorID int) (int, error)

	// Participants returns the ids of everyone who has posted in the
	// room, excluding excludeID. An empty result is not an error.
	Participants(ctx context.Context, roomID, excludeID int) ([]int, error)

	// SaveMessage appends a message to the room's history.
	SaveMessage(ctx context.Context, senderID, roomID int, sentAt time.Time, contents string) error

	// Close releases the store's resources.
	Close() error
}
