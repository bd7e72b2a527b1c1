package server

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// CrashLog appends fatal-event lines to a file, one per event, in the
// form "<timestamp> <message>". It exists so a poller death leaves a
// trace even when nobody is watching stderr. Failures to write are
// swallowed: the crash log must never take the process down with it.
type CrashLog struct {
	mu     sync.Mutex
	path   string
	layout string
}

// NewCrashLog builds a crash log writing to path with the given
// timestamp layout. An empty path disables logging (Append becomes a
// no-op).
func NewCrashLog(path, layout string) *CrashLog {
	if layout == "" {
		layout = time.DateTime
	}
	return &CrashLog{path: path, layout: layout}
}

// Append writes one timestamped line. It reports the write error for
// callers that want to log it, and nothing more.
func (c *CrashLog) Append(message string) error {
	if c == nil || c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("server: opening crash log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().Format(c.layout), message); err != nil {
		return fmt.Errorf("server: writing crash log: %w", err)
	}
	return nil
}
