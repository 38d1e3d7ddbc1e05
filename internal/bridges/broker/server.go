package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server defaults.
const (
	defaultIdleTimeout  = 3 * time.Minute
	defaultFrameTimeout = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultMaxFrameSize = 64 << 10
	acceptRetryDelay    = 100 * time.Millisecond
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Options configures a Server.
type Options struct {
	// Addr is the TCP listen address, e.g. "0.0.0.0:1884".
	Addr string

	// Handler receives every PUBLISH from an open connection.
	Handler Handler

	// OnConnect and OnDisconnect observe the connection lifecycle. Optional.
	OnConnect    func(clientID string, remote net.Addr)
	OnDisconnect func(clientID string, err error)

	IdleTimeout  time.Duration
	FrameTimeout time.Duration
	WriteTimeout time.Duration

	// MaxFrameSize caps the remaining length a client may declare. Device
	// frames are a few KiB; larger ones close the connection unread.
	MaxFrameSize int

	Logger Logger
}

func (o Options) logger() Logger {
	if o.Logger == nil {
		return nopLogger{}
	}
	return o.Logger
}

func (o *Options) applyDefaults() {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.FrameTimeout == 0 {
		o.FrameTimeout = defaultFrameTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
}

// Server is a minimal MQTT 3.1.1 broker. It accepts device connections,
// hands their publishes to the Handler and lets the caller publish back to a
// client by its CONNECT client id. There is no topic routing between clients.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	opts Options

	mu       sync.RWMutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closed   bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer creates a broker. Call ListenAndServe or Serve to start it.
func NewServer(opts Options) *Server {
	opts.applyDefaults()
	return &Server{
		opts:  opts,
		conns: make(map[*Conn]struct{}),
	}
}

// ListenAndServe listens on opts.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("broker listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is called.
// It returns nil on orderly shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close() //nolint:errcheck // already shutting down
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	log := s.opts.logger()
	log.Info("broker listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() }) //nolint:errcheck // shutdown path
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("broker accept failed", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		c := newConn(nc, s.opts)
		c.onOpen = s.connOpened
		if !s.track(c) {
			_ = nc.Close() //nolint:errcheck // shutting down
			return nil
		}

		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c *Conn) {
	defer s.wg.Done()
	defer s.untrack(c)

	err := c.serve()
	clientID := c.ClientID()

	log := s.opts.logger()
	switch {
	case err == nil:
		log.Info("broker client disconnected", "client_id", clientID)
	case errors.Is(err, ErrProtocolViolation):
		log.Warn("broker closed connection", "client_id", clientID, "remote", c.RemoteAddr().String(), "error", err)
	default:
		log.Debug("broker connection ended", "client_id", clientID, "error", err)
	}

	if clientID != "" && s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(clientID, err)
	}
}

func (s *Server) connOpened(c *Conn) {
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(c.ClientID(), c.RemoteAddr())
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Publish sends a PUBLISH to every open connection whose client id matches.
// A client that is not connected is not an error.
func (s *Server) Publish(clientID, topic string, payload []byte) error {
	var errs []error
	for _, c := range s.connsFor(clientID) {
		if err := c.Publish(topic, payload); err != nil {
			errs = append(errs, err)
			_ = c.Close() //nolint:errcheck // serve loop reports the failure
		}
	}
	return errors.Join(errs...)
}

// IsConnected reports whether an open connection exists for clientID.
func (s *Server) IsConnected(clientID string) bool {
	return len(s.connsFor(clientID)) > 0
}

// ClientIDs lists the client ids of all open connections.
func (s *Server) ClientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for c := range s.conns {
		if c.isOpen() {
			ids = append(ids, c.ClientID())
		}
	}
	return ids
}

func (s *Server) connsFor(clientID string) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conn
	for c := range s.conns {
		if c.isOpen() && c.ClientID() == clientID {
			out = append(out, c)
		}
	}
	return out
}

// Close stops the listener, closes all connections and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		for _, c := range conns {
			_ = c.Close() //nolint:errcheck // best effort
		}
		s.wg.Wait()
	})
	return err
}
