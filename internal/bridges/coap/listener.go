package coap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// Listener defaults.
const (
	DefaultGroup = "224.0.1.187"
	DefaultPort  = 5683

	defaultReadTimeout    = 15 * time.Second
	defaultRejoinInterval = 60 * time.Second
	maxDatagramSize       = 1024
	readErrorBackoff      = 500 * time.Millisecond
)

// Datagram results reported to Options.OnResult.
const (
	ResultOK        = "ok"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
)

// discoveryRequest asks every device in the group to answer with a hello (code 69).
var discoveryRequest = []byte{0x50, 0x01, 0x00, 0x0A, 0xB3, 'c', 'i', 't', 0x01, 'd', 0xFF}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Listener.
type Options struct {
	Group     string
	Port      int
	Interface string // empty lets the kernel choose

	ReadTimeout    time.Duration
	RejoinInterval time.Duration

	// Handler receives every relevant decoded message. Required.
	Handler func(Message)

	// OnResult observes each datagram outcome (ResultOK, ResultIgnored, ResultMalformed).
	OnResult func(result string)
}

// Listener receives CoIoT datagrams on the multicast group.
//
// Some switches stop forwarding multicast when IGMP reports go missing, so
// the membership is dropped and re-joined on RejoinInterval.
type Listener struct {
	opts Options

	mu    sync.Mutex
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	ifi   *net.Interface
	group *net.UDPAddr

	logger   Logger
	loggerMu sync.RWMutex
}

// NewListener validates options and returns a listener ready for Run.
func NewListener(opts Options) (*Listener, error) {
	if opts.Handler == nil {
		return nil, errors.New("coap: handler is required")
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.RejoinInterval <= 0 {
		opts.RejoinInterval = defaultRejoinInterval
	}

	ip := net.ParseIP(opts.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("coap: %q is not a multicast group", opts.Group)
	}

	return &Listener{
		opts:  opts,
		group: &net.UDPAddr{IP: ip, Port: opts.Port},
	}, nil
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	defer l.loggerMu.Unlock()
	l.logger = logger
}

func (l *Listener) logInfo(msg string, kv ...any) {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	if l.logger != nil {
		l.logger.Info(msg, kv...)
	}
}

func (l *Listener) logWarn(msg string, kv ...any) {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	if l.logger != nil {
		l.logger.Warn(msg, kv...)
	}
}

func (l *Listener) logDebug(msg string, kv ...any) {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	if l.logger != nil {
		l.logger.Debug(msg, kv...)
	}
}

// Run opens the socket, joins the group, sends one discovery request and
// reads datagrams until ctx is cancelled. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(l.opts.Port)))
	if err != nil {
		return fmt.Errorf("coap: listen: %w", err)
	}

	var ifi *net.Interface
	if l.opts.Interface != "" {
		ifi, err = net.InterfaceByName(l.opts.Interface)
		if err != nil {
			_ = conn.Close() //nolint:errcheck // startup failure
			return fmt.Errorf("coap: interface %s: %w", l.opts.Interface, err)
		}
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(ifi, l.group); err != nil {
		_ = conn.Close() //nolint:errcheck // startup failure
		return fmt.Errorf("coap: join %s: %w", l.group, err)
	}

	l.mu.Lock()
	l.conn, l.pconn, l.ifi = conn, pconn, ifi
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.conn, l.pconn = nil, nil
		l.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // shutdown path
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() }) //nolint:errcheck // unblocks ReadFrom
	defer stop()

	l.logInfo("coap listening", "group", l.group.String(), "interface", l.opts.Interface)

	if err := l.Discover(); err != nil {
		l.logWarn("coap discovery request failed", "error", err)
	}

	buf := make([]byte, maxDatagramSize)
	nextRejoin := time.Now().Add(l.opts.RejoinInterval)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Now().After(nextRejoin) {
			l.rejoin()
			nextRejoin = time.Now().Add(l.opts.RejoinInterval)
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout)) //nolint:errcheck // read reports failures
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logWarn("coap read failed", "error", err)
			time.Sleep(readErrorBackoff)
			continue
		}

		l.HandleDatagram(buf[:n], src)
	}
}

// HandleDatagram decodes one datagram and hands a relevant message to the
// handler. Panics in decoding or in the handler are recovered and logged.
func (l *Listener) HandleDatagram(datagram []byte, src net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			l.logWarn("coap datagram handler panic", "source", addrHost(src), "panic", r)
			l.report(ResultMalformed)
		}
	}()

	msg, err := Decode(datagram, addrHost(src))
	if err != nil {
		l.logDebug("coap dropped datagram", "source", addrHost(src), "error", err)
		l.report(ResultMalformed)
		return
	}
	if !msg.Relevant() {
		l.report(ResultIgnored)
		return
	}

	l.report(ResultOK)
	l.opts.Handler(msg)
}

func (l *Listener) report(result string) {
	if l.opts.OnResult != nil {
		l.opts.OnResult(result)
	}
}

// rejoin drops and re-adds group membership so the switch sees a fresh IGMP report.
func (l *Listener) rejoin() {
	l.mu.Lock()
	pconn, ifi := l.pconn, l.ifi
	l.mu.Unlock()
	if pconn == nil {
		return
	}

	if err := pconn.LeaveGroup(ifi, l.group); err != nil {
		l.logDebug("coap leave group failed", "error", err)
	}
	if err := pconn.JoinGroup(ifi, l.group); err != nil {
		l.logDebug("coap join group failed", "error", err)
	}
}

// Discover sends the CoIoT discovery request to the group.
func (l *Listener) Discover() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotListening
	}

	if _, err := conn.WriteTo(discoveryRequest, l.group); err != nil {
		return fmt.Errorf("coap: discovery request: %w", err)
	}
	l.logDebug("coap discovery request sent")
	return nil
}

func addrHost(a net.Addr) string {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(v.String())
		if err != nil {
			return v.String()
		}
		return host
	}
}
