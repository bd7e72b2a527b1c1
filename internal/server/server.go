package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/courier-chat/courier/internal/chat"
	"github.com/courier-chat/courier/internal/gateway"
	"github.com/courier-chat/courier/internal/mailbox"
	"github.com/courier-chat/courier/internal/reactor"
	"github.com/courier-chat/courier/internal/store"
)

// Server owns the listening socket, the reactor, and every component
// wired around them. Build one with New, start it with Start, and stop
// it with Shutdown; Fatal reports a poller death in between.
type Server struct {
	cfg    Config
	logger *slog.Logger
	crash  *CrashLog

	store     store.Store
	reactor   *reactor.Reactor
	directory *mailbox.Directory
	metrics   *Metrics

	listenFD int
	addr     string

	metricsSrv *http.Server
	gateway    *gateway.Gateway

	stopping atomic.Bool
	fatal    chan error
	wg       sync.WaitGroup
}

// New assembles a server from the configuration: store, reactor,
// directory, protocol handlers, metrics, crash log. Nothing is
// listening yet.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: opening store: %w", err)
	}

	r, err := reactor.New(reactor.Config{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("server: building reactor: %w", err)
	}

	directory := mailbox.NewDirectory(r)
	metrics := NewMetrics(r.ConnCount)

	reader := chat.NewReader(chat.ReaderConfig{
		Directory: directory,
		Store:     st,
		Limiter:   chat.NewSendLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Logger:    logger,
		Stats:     metrics,
		MaxBody:   cfg.MaxBody,
	})
	writer := chat.NewWriter(chat.WriterConfig{
		Directory: directory,
		Logger:    logger,
		Stats:     metrics,
	})
	r.OnReadable(reader.Handle)
	r.OnWritable(writer.Handle)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		crash:     NewCrashLog(cfg.CrashLog.Path, cfg.CrashLog.TimeLayout),
		store:     st,
		reactor:   r,
		directory: directory,
		metrics:   metrics,
		listenFD:  -1,
		fatal:     make(chan error, 1),
	}, nil
}

// Addr returns the bound listen address, valid after Start. Useful
// when the configured port is 0.
func (s *Server) Addr() string { return s.addr }

// Directory exposes the mailbox directory, mainly for tests.
func (s *Server) Directory() *mailbox.Directory { return s.directory }

// Fatal delivers at most one unrecoverable error: a poller death or an
// accept-loop collapse. Shutdown does not produce one.
func (s *Server) Fatal() <-chan error { return s.fatal }

// Start binds the listener and launches the poller, the accept loop,
// and the optional metrics and gateway endpoints. It returns once
// everything is running.
func (s *Server) Start() error {
	fd, err := listenTCP(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listenFD = fd
	s.addr, err = boundAddr(fd)
	if err != nil {
		unix.Close(fd)
		return err
	}

	s.wg.Add(2)
	go s.runReactor()
	go s.acceptLoop()

	if s.cfg.Metrics.Listen != "" {
		s.startMetrics()
	}
	if s.cfg.Gateway.Listen != "" {
		if err := s.startGateway(); err != nil {
			return err
		}
	}

	s.logger.Info("server started",
		"listen", s.addr,
		"gateway", s.cfg.Gateway.Listen,
		"metrics", s.cfg.Metrics.Listen,
	)
	return nil
}

// runReactor pins a goroutine to the poller loop. A non-nil return
// outside shutdown is the one error class that kills the server; it is
// recorded in the crash log before being reported.
func (s *Server) runReactor() {
	defer s.wg.Done()
	err := s.reactor.Run()
	if err == nil || s.stopping.Load() {
		return
	}
	s.logger.Error("poller failed", "error", err)
	if logErr := s.crash.Append(err.Error()); logErr != nil {
		s.logger.Warn("crash log write failed", "error", logErr)
	}
	s.reportFatal(err)
}

// acceptLoop feeds accepted descriptors to the reactor's registration
// queue. Per-connection accept errors are logged and survived; a dead
// listener ends the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nfd, _, err := unix.Accept4(s.listenFD, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if s.stopping.Load() {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE || err == unix.ECONNABORTED {
				s.logger.Warn("accept failed, continuing", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.logger.Error("accept loop terminated", "error", err)
			s.reportFatal(fmt.Errorf("server: accept: %w", err))
			return
		}
		s.reactor.Register(nfd)
	}
}

func (s *Server) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})
	s.metricsSrv = &http.Server{
		Addr:         s.cfg.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics endpoint failed", "error", err)
		}
	}()
}

func (s *Server) startGateway() error {
	gw, err := gateway.New(gateway.Config{
		Listen:         s.cfg.Gateway.Listen,
		Target:         s.addr,
		AllowedOrigins: s.cfg.Gateway.AllowedOrigins,
		Logger:         s.logger,
	})
	if err != nil {
		return fmt.Errorf("server: starting gateway: %w", err)
	}
	s.gateway = gw
	go func() {
		if err := gw.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("gateway failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Shutdown stops accepting, drains the reactor and worker pool within
// the configured timeout, and closes the store. Later calls are no-ops.
func (s *Server) Shutdown() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down")

	var firstErr error
	if s.listenFD >= 0 {
		// close(2) does not wake a thread parked in accept(2);
		// shutdown(2) does, making the accept fail so the loop observes
		// stopping. The descriptor is closed after the loop exits.
		if err := unix.Shutdown(s.listenFD, unix.SHUT_RDWR); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: shutting down listener: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Std())
	defer cancel()
	if s.gateway != nil {
		if err := s.gateway.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.reactor.Shutdown(s.cfg.ShutdownTimeout.Std()); err != nil {
		s.logger.Warn("reactor shutdown timed out", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	s.wg.Wait()

	if s.listenFD >= 0 {
		if err := unix.Close(s.listenFD); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: closing listener: %w", err)
		}
	}

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("server: closing store: %w", err)
	}
	s.logger.Info("shutdown complete")
	return firstErr
}

// listenTCP binds and listens a stream socket on addr, returning the
// raw descriptor. The reactor deals in descriptors, so the listener
// does too.
func listenTCP(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("server: resolving %q: %w", addr, err)
	}

	family := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip := tcpAddr.IP.To4(); ip != nil {
			copy(sa4.Addr[:], ip)
		}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return fd, nil
}

// boundAddr formats the socket's actual local address, resolving port
// 0 to whatever the kernel picked.
func boundAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("server: getsockname: %w", err)
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), fmt.Sprint(v.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), fmt.Sprint(v.Port)), nil
	default:
		return "", fmt.Errorf("server: unexpected sockaddr %T", sa)
	}
}
