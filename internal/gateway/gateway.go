// Package gateway bridges websocket clients onto the Courier wire
// protocol. Each accepted websocket gets its own TCP connection to the
// server; binary websocket messages are relayed as frames in both
// directions, so a browser client speaks exactly the protocol a native
// client does.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courier-chat/courier/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Config carries the bridge's endpoints and access control.
type Config struct {
	// Listen is the websocket listen address.
	Listen string
	// Target is the TCP address of the frame listener to bridge to.
	Target string
	// AllowedOrigins lists acceptable Origin headers; "*" allows all,
	// an empty list rejects all browser clients.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Gateway is the websocket-to-TCP bridge.
type Gateway struct {
	target   string
	origins  *originSet
	logger   *slog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
}

// New builds a gateway; Serve starts it.
func New(cfg Config) (*Gateway, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("gateway: no target address")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g := &Gateway{
		target:  cfg.Target,
		origins: newOriginSet(cfg.AllowedOrigins, logger),
		logger:  logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	g.srv = &http.Server{
		Addr:        cfg.Listen,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return g, nil
}

// Serve listens and blocks until Shutdown.
func (g *Gateway) Serve() error {
	g.logger.Info("gateway listening", "addr", g.srv.Addr, "target", g.target)
	return g.srv.ListenAndServe()
}

// Shutdown stops the HTTP listener; in-flight bridges end when either
// side of their relay closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.srv.Shutdown(ctx)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.origins.allows(r.Header.Get("Origin")) {
		return true
	}
	g.logger.Warn("blocked websocket from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// handleWS upgrades the request and runs both relay pumps until one
// side goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	tcp, err := net.DialTimeout("tcp", g.target, 5*time.Second)
	if err != nil {
		g.logger.Warn("bridging failed, server unreachable", "target", g.target, "error", err)
		ws.Close()
		return
	}

	b := &bridge{ws: ws, tcp: tcp, logger: g.logger.With("remote", r.RemoteAddr)}
	go b.writePump()
	b.readPump()
}

// bridge is one websocket client joined to one TCP connection.
type bridge struct {
	ws     *websocket.Conn
	tcp    net.Conn
	logger *slog.Logger
}

// readPump relays websocket messages to the TCP side. Each binary
// message must be one complete frame; anything else drops the bridge.
func (b *bridge) readPump() {
	defer func() {
		b.tcp.Close()
		b.ws.Close()
	}()

	b.ws.SetReadLimit(wire.HeaderSize + wire.DefaultMaxBody)
	b.ws.SetReadDeadline(time.Now().Add(pongWait))
	b.ws.SetPongHandler(func(string) error {
		return b.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := b.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage || len(payload) < wire.HeaderSize {
			b.logger.Warn("dropping bridge on malformed websocket message", "kind", kind, "len", len(payload))
			return
		}
		if _, err := b.tcp.Write(payload); err != nil {
			b.logger.Debug("tcp write failed", "error", err)
			return
		}
	}
}

// writePump relays frames from the TCP side back as binary websocket
// messages and keeps the websocket alive with pings.
func (b *bridge) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.tcp.Close()
		b.ws.Close()
	}()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReader(b.tcp)
		for {
			frame, err := wire.ReadFrame(r)
			if err != nil {
				readErr <- err
				close(frames)
				return
			}
			frames <- frame
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if err := <-readErr; err != wire.ErrTruncatedFrame {
					b.logger.Debug("tcp read ended", "error", err)
				}
				b.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			b.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				b.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			b.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
