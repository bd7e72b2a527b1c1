package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// greeting is the message recorded when a room is created, joining the
// creator to the room's participant set.
const greeting = "Hello"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	uid      INTEGER PRIMARY KEY AUTOINCREMENT,
	password TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	tid   INTEGER PRIMARY KEY AUTOINCREMENT,
	tname TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS messages (
	tid      INTEGER NOT NULL REFERENCES threads(tid),
	uid      INTEGER NOT NULL REFERENCES users(uid),
	contents TEXT NOT NULL,
	sent_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_by_thread ON messages(tid, uid);
`

// SQLiteStore implements Store on a local SQLite database. It uses a
// small connection pool with WAL journaling; each operation takes a
// connection for its duration, so concurrent SEND/REGISTER/NEW_THREAD
// requests serialize on pool capacity rather than one global lock.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// SQLiteConfig holds the parameters for opening the store.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" works for tests with
	// PoolSize 1.
	Path string

	// PoolSize is the number of pooled connections. Zero selects 4.
	PoolSize int

	// Logger receives open/close events. nil discards them.
	Logger *slog.Logger
}

// OpenSQLite opens (and if necessary creates) the database and applies
// the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		// Every in-memory connection is an independent database.
		poolSize = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)
	return &SQLiteStore{pool: pool, logger: logger}, nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing pool: %w", err)
	}
	s.logger.Info("store closed")
	return nil
}

// LookupUser validates an id/password pair against the users table.
func (s *SQLiteStore) LookupUser(ctx context.Context, id int, password string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, "SELECT uid FROM users WHERE uid = ? AND password = ?", &sqlitex.ExecOptions{
		Args: []any{id, password},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: looking up user %d: %v", ErrUnavailable, id, err)
	}
	if !found {
		return 0, fmt.Errorf("%w: unknown id or wrong password", ErrRejected)
	}
	return id, nil
}

// RegisterUser inserts a new user row and returns the generated id.
func (s *SQLiteStore) RegisterUser(ctx context.Context, password string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	var id int
	err = sqlitex.Execute(conn, "INSERT INTO users (password) VALUES (?) RETURNING uid", &sqlitex.ExecOptions{
		Args: []any{password},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: registering user: %v", ErrUnavailable, err)
	}
	return id, nil
}

// ResolveOrCreateRoom returns the named room's id, creating the room
// (and the creator's greeting message) on first use.
func (s *SQLiteStore) ResolveOrCreateRoom(ctx context.Context, name string, creatorID int) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	id, found, err := roomID(conn, name)
	if err != nil {
		return 0, fmt.Errorf("%w: resolving room %q: %v", ErrUnavailable, name, err)
	}
	if found {
		return id, nil
	}

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: creating room %q: %v", ErrUnavailable, name, err)
	}
	defer endTx(&err)

	// Another connection may have created the room between the lookup
	// and the transaction; the UNIQUE name keeps this race benign.
	id, found, err = roomID(conn, name)
	if err != nil {
		return 0, fmt.Errorf("%w: resolving room %q: %v", ErrUnavailable, name, err)
	}
	if found {
		return id, nil
	}

	err = sqlitex.Execute(conn, "INSERT INTO threads (tname) VALUES (?) RETURNING tid", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: creating room %q: %v", ErrUnavailable, name, err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO messages (tid, uid, contents, sent_at) VALUES (?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{id, creatorID, greeting, time.Now().UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: joining creator to room %q: %v", ErrUnavailable, name, err)
	}
	return id, nil
}

// Participants returns the distinct senders recorded in the room's
// history, excluding excludeID.
func (s *SQLiteStore) Participants(ctx context.Context, roomID, excludeID int) ([]int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	var ids []int
	err = sqlitex.Execute(conn, "SELECT DISTINCT uid FROM messages WHERE tid = ? AND uid != ?", &sqlitex.ExecOptions{
		Args: []any{roomID, excludeID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, int(stmt.ColumnInt64(0)))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing participants of room %d: %v", ErrUnavailable, roomID, err)
	}
	return ids, nil
}

// SaveMessage appends one message to the history. An unknown sender or
// room violates the foreign keys and is reported as ErrRejected.
func (s *SQLiteStore) SaveMessage(ctx context.Context, senderID, roomID int, sentAt time.Time, contents string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	exists := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM threads WHERE tid = ?", &sqlitex.ExecOptions{
		Args: []any{roomID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("%w: checking room %d: %v", ErrUnavailable, roomID, err)
	}
	if !exists {
		return fmt.Errorf("%w: no such room %d", ErrRejected, roomID)
	}

	err = sqlitex.Execute(conn, "INSERT INTO messages (tid, uid, contents, sent_at) VALUES (?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{roomID, senderID, contents, sentAt.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("%w: saving message to room %d: %v", ErrUnavailable, roomID, err)
	}
	return nil
}

// roomID looks up a room id by name.
func roomID(conn *sqlite.Conn, name string) (int, bool, error) {
	id, found := 0, false
	err := sqlitex.Execute(conn, "SELECT tid FROM threads WHERE tname = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = int(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	return id, found, err
}
