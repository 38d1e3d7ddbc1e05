package broker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MQTT control packet types (upper nibble of the fixed header).
const (
	packetConnect    byte = 1
	packetConnack    byte = 2
	packetPublish    byte = 3
	packetPuback     byte = 4
	packetSubscribe  byte = 8
	packetSuback     byte = 9
	packetUnsub      byte = 10
	packetUnsuback   byte = 11
	packetPingreq    byte = 12
	packetPingresp   byte = 13
	packetDisconnect byte = 14
)

// Connect frame layout.
const (
	// connectIDOffset is where the client id length sits in the CONNECT
	// variable header: name length(2) + "MQTT"(4) + level(1) + flags(1) + keepalive(2).
	connectIDOffset = 10
	protocolName    = "MQTT"
)

// Announce is published to every client right after CONNACK so the device
// reports its full state immediately.
const (
	AnnounceTopic   = "shellies/command"
	AnnouncePayload = "announce"
)

var (
	connackFrame  = []byte{packetConnack << 4, 0x02, 0x00, 0x00}
	pingrespFrame = []byte{packetPingresp << 4, 0x00}
)

type connState int

const (
	stateAwaitingConnect connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingConnect:
		return "awaiting_connect"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Message is one PUBLISH received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	Remote   net.Addr
}

// Handler receives inbound publishes. It runs on the connection's goroutine.
type Handler func(Message)

// Conn is the per-connection state machine: AwaitingConnect, Open, Closed.
//
// Thread Safety: reads happen only on the serving goroutine; writes are
// serialised by writeMu so server-side publishes can come from any goroutine.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	handler      Handler
	logger       Logger
	idleTimeout  time.Duration
	frameTimeout time.Duration
	writeTimeout time.Duration
	maxFrame     int
	onOpen       func(*Conn)

	mu       sync.RWMutex
	state    connState
	clientID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(nc net.Conn, opts Options) *Conn {
	return &Conn{
		conn:         nc,
		reader:       bufio.NewReader(nc),
		handler:      opts.Handler,
		logger:       opts.logger(),
		idleTimeout:  opts.IdleTimeout,
		frameTimeout: opts.FrameTimeout,
		writeTimeout: opts.WriteTimeout,
		maxFrame:     opts.MaxFrameSize,
		state:        stateAwaitingConnect,
	}
}

// ClientID returns the routing key taken from CONNECT, empty before the handshake.
func (c *Conn) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) isOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateOpen
}

// serve runs the read loop until the peer goes away or a frame breaks the
// protocol. The returned error describes why the connection ended; nil means
// an orderly DISCONNECT.
func (c *Conn) serve() (err error) {
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrProtocolViolation, r)
		}
	}()

	for {
		kind, flags, body, err := c.readFrame()
		if err != nil {
			return err
		}

		if !c.isOpen() {
			if kind != packetConnect {
				return fmt.Errorf("%w: first frame type %d is not CONNECT", ErrProtocolViolation, kind)
			}
			if err := c.handleConnect(body); err != nil {
				return err
			}
			continue
		}

		done, err := c.dispatch(kind, flags, body)
		if err != nil || done {
			return err
		}
	}
}

// readFrame reads one fixed header and the full remaining-length body.
func (c *Conn) readFrame() (kind, flags byte, body []byte, err error) {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)) //nolint:errcheck // read error reports a dead conn
	}

	header, err := c.reader.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}

	if c.frameTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.frameTimeout)) //nolint:errcheck // read error reports a dead conn
	}

	length, _, err := DecodeLength(c.reader)
	if err != nil {
		if errors.Is(err, ErrMalformedLength) {
			return 0, 0, nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		return 0, 0, nil, err
	}

	if c.maxFrame > 0 && length > c.maxFrame {
		return 0, 0, nil, fmt.Errorf("%w: remaining length %d exceeds %d", ErrProtocolViolation, length, c.maxFrame)
	}

	body = make([]byte, length)
	n, err := io.ReadFull(c.reader, body)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: remaining length %d, read %d: %w", ErrProtocolViolation, length, n, err)
	}

	return header >> 4, header & 0x0F, body, nil
}

// handleConnect validates the CONNECT variable header and opens the session.
func (c *Conn) handleConnect(body []byte) error {
	if len(body) < connectIDOffset+2 {
		return fmt.Errorf("%w: CONNECT too short (%d bytes)", ErrProtocolViolation, len(body))
	}
	if body[0] != 0 || body[1] != byte(len(protocolName)) || string(body[2:6]) != protocolName {
		return fmt.Errorf("%w: bad protocol name", ErrProtocolViolation)
	}

	idLen := int(binary.BigEndian.Uint16(body[connectIDOffset : connectIDOffset+2]))
	end := connectIDOffset + 2 + idLen
	if idLen == 0 || end > len(body) {
		return fmt.Errorf("%w: bad client id length %d", ErrProtocolViolation, idLen)
	}
	clientID := string(body[connectIDOffset+2 : end])

	if err := c.write(connackFrame); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = clientID
	c.state = stateOpen
	c.mu.Unlock()

	if c.onOpen != nil {
		c.onOpen(c)
	}

	c.logger.Info("broker client connected", "client_id", clientID, "remote", c.conn.RemoteAddr().String())

	frame, err := publishFrame(AnnounceTopic, []byte(AnnouncePayload))
	if err != nil {
		return err
	}
	return c.write(frame)
}

// dispatch handles one frame in the Open state. done reports an orderly close.
func (c *Conn) dispatch(kind, flags byte, body []byte) (done bool, err error) {
	switch kind {
	case packetPublish:
		return false, c.handlePublish(flags, body)

	case packetSubscribe:
		if len(body) < 2 {
			return false, fmt.Errorf("%w: SUBSCRIBE without packet id", ErrProtocolViolation)
		}
		return false, c.write([]byte{packetSuback<<4 | 0x00, 0x03, body[0], body[1], 0x00})

	case packetUnsub:
		if len(body) < 2 {
			return false, fmt.Errorf("%w: UNSUBSCRIBE without packet id", ErrProtocolViolation)
		}
		return false, c.write([]byte{packetUnsuback << 4, 0x02, body[0], body[1]})

	case packetPingreq:
		return false, c.write(pingrespFrame)

	case packetDisconnect:
		return true, nil

	default:
		c.logger.Debug("broker ignoring frame", "client_id", c.ClientID(), "type", kind)
		return false, nil
	}
}

func (c *Conn) handlePublish(flags byte, body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("%w: PUBLISH without topic length", ErrProtocolViolation)
	}
	topicLen := int(binary.BigEndian.Uint16(body[:2]))
	pos := 2 + topicLen
	if pos > len(body) {
		return fmt.Errorf("%w: topic length %d exceeds frame", ErrProtocolViolation, topicLen)
	}
	topic := string(body[2:pos])

	qos := (flags >> 1) & 0x03
	if qos > 0 {
		if pos+2 > len(body) {
			return fmt.Errorf("%w: missing packet id", ErrProtocolViolation)
		}
		pid := body[pos : pos+2]
		pos += 2
		if qos == 1 {
			if err := c.write([]byte{packetPuback << 4, 0x02, pid[0], pid[1]}); err != nil {
				return err
			}
		}
	}

	payload := make([]byte, len(body)-pos)
	copy(payload, body[pos:])

	if c.handler != nil {
		c.handler(Message{
			ClientID: c.ClientID(),
			Topic:    topic,
			Payload:  payload,
			Remote:   c.conn.RemoteAddr(),
		})
	}
	return nil
}

// Publish writes a QoS 0 PUBLISH to this client.
func (c *Conn) Publish(topic string, payload []byte) error {
	frame, err := publishFrame(topic, payload)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:errcheck // write error reports a dead conn
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("broker write: %w", err)
	}
	return nil
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// publishFrame builds a QoS 0 PUBLISH frame.
func publishFrame(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("%w: topic too long", ErrProtocolViolation)
	}
	remaining := 2 + len(topic) + len(payload)
	length, err := EncodeLength(remaining)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 1+len(length)+remaining)
	frame = append(frame, packetPublish<<4)
	frame = append(frame, length...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(topic))) //nolint:gosec // bounded above
	frame = append(frame, topic...)
	frame = append(frame, payload...)
	return frame, nil
}
