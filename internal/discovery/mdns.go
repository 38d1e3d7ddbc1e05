package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

const (
	serviceType = "_http._tcp"
	domain      = "local."

	// rebrowseDelay is the pause before browsing again after the browser
	// stopped on its own.
	rebrowseDelay = 30 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// browseFunc matches zeroconf.Browse.
type browseFunc func(ctx context.Context, service, domain string,
	entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

// MDNSConfig configures the mDNS browser.
type MDNSConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string
}

// MDNS browses mDNS for device web servers.
type MDNS struct {
	cfg    MDNSConfig
	browse browseFunc
	delay  time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewMDNS creates an mDNS browser.
func NewMDNS(cfg MDNSConfig) *MDNS {
	return &MDNS{
		cfg: cfg,
		browse: func(ctx context.Context, service, domain string,
			entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
			return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
		},
		delay: rebrowseDelay,
	}
}

// SetLogger sets the logger for the browser.
func (m *MDNS) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	defer m.loggerMu.Unlock()
	m.logger = logger
}

func (m *MDNS) log(level string, msg string, kv ...any) {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	if m.logger == nil {
		return
	}
	switch level {
	case "debug":
		m.logger.Debug(msg, kv...)
	case "warn":
		m.logger.Warn(msg, kv...)
	default:
		m.logger.Info(msg, kv...)
	}
}

// Run browses until ctx is cancelled and hands each new or moved device
// address to emit. emit is called from a single goroutine.
func (m *MDNS) Run(ctx context.Context, emit func(Candidate)) error {
	seen := make(map[string]string) // instance -> last emitted address

	for {
		m.browseOnce(ctx, seen, emit)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.delay):
		}
	}
}

func (m *MDNS) browseOnce(ctx context.Context, seen map[string]string, emit func(Candidate)) {
	entriesCh := make(chan *zeroconf.ServiceEntry)
	removedCh := make(chan *zeroconf.ServiceEntry)

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.browse(browseCtx, serviceType, domain, entriesCh, removedCh, m.options()...)
	}()

	// The browser may close its channels when it stops; a nil channel is
	// never selected.
	entries, removed := entriesCh, removedCh

	m.log("info", "mdns browse started", "service", serviceType)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if c, ok := m.candidate(entry); ok && seen[entry.Instance] != c.Address {
				seen[entry.Instance] = c.Address
				emit(c)
			}
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if entry != nil {
				delete(seen, entry.Instance)
			}
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				m.log("warn", "mdns browse stopped", "error", err)
			}
			return
		case <-ctx.Done():
			cancel()
			drain(done, entriesCh, removedCh)
			return
		}
	}
}

// drain keeps receiving until the browser goroutine has returned, so a
// browser blocked on a send cannot leak.
func drain(done <-chan error, entries, removed <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-done:
			return
		case <-entries:
		case <-removed:
		}
	}
}

func (m *MDNS) candidate(entry *zeroconf.ServiceEntry) (Candidate, bool) {
	if entry == nil {
		return Candidate{}, false
	}
	prefix, id, ok := MatchInstance(entry.Instance)
	if !ok || len(entry.AddrIPv4) == 0 {
		return Candidate{}, false
	}

	addr := entry.AddrIPv4[0].String()
	m.log("debug", "mdns candidate", "instance", entry.Instance, "address", addr)
	return Candidate{Address: addr, Source: SourceMDNS, Prefix: prefix, ID: id}, true
}

func (m *MDNS) options() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if m.cfg.Interface != "" {
		iface, err := net.InterfaceByName(m.cfg.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			m.log("warn", "mdns interface not found", "interface", m.cfg.Interface, "error", err)
		}
	}
	return opts
}
