// Package testhelpers provides a binary-protocol test client and a
// server harness shared by the integration tests.
package testhelpers

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/courier-chat/courier/internal/server"
	"github.com/courier-chat/courier/internal/wire"
)

// StartServer boots a full server on a loopback port with a throwaway
// database and registers its shutdown with the test.
func StartServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "courier.db")
	cfg.CrashLog.Path = filepath.Join(t.TempDir(), "crash.log")
	cfg.ShutdownTimeout = server.Duration(5 * time.Second)

	s, err := server.New(cfg, nil)
	if err != nil {
		t.Fatalf("building server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return s
}

// Client is a native protocol client for tests: it writes requests and
// reads replies with deadlines, failing the test on transport errors.
type Client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

// Dial connects a client to the server address.
func Dial(t *testing.T, addr string) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v", addr, err)
	}
	c := &Client{t: t, conn: conn, br: bufio.NewReader(conn)}
	t.Cleanup(c.Close)
	return c
}

// Close closes the underlying connection. Safe to call twice.
func (c *Client) Close() {
	c.conn.Close()
}

// write sends one frame, failing the test on error.
func (c *Client) write(m wire.Message) {
	c.t.Helper()
	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatalf("setting write deadline: %v", err)
	}
	if _, err := c.conn.Write(m.Marshal()); err != nil {
		c.t.Fatalf("writing %v frame: %v", m.Type, err)
	}
}

// Register sends REGISTER and returns the assigned id from the reply.
func (c *Client) Register(password string) int {
	c.t.Helper()
	c.write(wire.New(wire.Register, 0, password, 0, "", ""))
	reply := c.Expect(wire.Register)
	return reply.SenderID
}

// Connect sends CONNECT and waits for the echo.
func (c *Client) Connect(id int, password string) {
	c.t.Helper()
	c.write(wire.New(wire.Connect, id, password, 0, "", ""))
	c.Expect(wire.Connect)
}

// Send relays a room message; no reply is expected on success.
func (c *Client) Send(id, roomID int, text string) {
	c.t.Helper()
	c.write(wire.New(wire.Send, id, "", roomID, "", text))
}

// NewThread creates or resolves a room and returns its id.
func (c *Client) NewThread(id int, name string) int {
	c.t.Helper()
	c.write(wire.New(wire.NewThread, id, "", 0, name, ""))
	reply := c.Expect(wire.NewThread)
	return reply.ThreadID
}

// Disconnect announces departure; the server closes the connection.
func (c *Client) Disconnect(id int) {
	c.t.Helper()
	c.write(wire.New(wire.Disconnect, id, "", 0, "", ""))
}

// WriteFrame sends an arbitrary frame, for scenarios the higher-level
// helpers do not cover.
func (c *Client) WriteFrame(m wire.Message) {
	c.t.Helper()
	c.write(m)
}

// Next reads the next frame regardless of type.
func (c *Client) Next() wire.Message {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		c.t.Fatalf("setting read deadline: %v", err)
	}
	m, err := wire.Decode(c.br)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return m
}

// Expect reads the next frame and fails the test unless it has the
// given type.
func (c *Client) Expect(typ wire.Type) wire.Message {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		c.t.Fatalf("setting read deadline: %v", err)
	}
	m, err := wire.Decode(c.br)
	if err != nil {
		c.t.Fatalf("expecting %v frame: %v", typ, err)
	}
	if m.Type != typ {
		c.t.Fatalf("got %v frame %+v, want %v", m.Type, m, typ)
	}
	return m
}

// ExpectNone asserts no frame arrives within the window.
func (c *Client) ExpectNone(window time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		c.t.Fatalf("setting read deadline: %v", err)
	}
	if m, err := wire.Decode(c.br); err == nil {
		c.t.Fatalf("unexpected %v frame: %+v", m.Type, m)
	}
}

// ExpectClosed asserts the server closes the connection.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		c.t.Fatalf("setting read deadline: %v", err)
	}
	if _, err := wire.Decode(c.br); err != wire.ErrTruncatedFrame {
		c.t.Fatalf("expected server to close the connection, got %v", err)
	}
}
