package broker

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// connectFrame builds a CONNECT frame with the given protocol name and client id.
func connectFrame(protocol, clientID string) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(protocol)))
	body = append(body, protocol...)
	body = append(body, 0x04, 0x02, 0x00, 0x3C) // level, flags, keepalive 60
	body = binary.BigEndian.AppendUint16(body, uint16(len(clientID)))
	body = append(body, clientID...)
	return frame(packetConnect<<4, body)
}

func frame(header byte, body []byte) []byte {
	length, err := EncodeLength(len(body))
	if err != nil {
		panic(err)
	}
	out := append([]byte{header}, length...)
	return append(out, body...)
}

func publishBody(topic string, pid []byte, payload string) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(topic)))
	body = append(body, topic...)
	body = append(body, pid...)
	return append(body, payload...)
}

type pipeConn struct {
	client net.Conn
	conn   *Conn
	msgs   chan Message
	done   chan error
}

func startPipe(t *testing.T, opts Options) *pipeConn {
	t.Helper()

	server, client := net.Pipe()
	msgs := make(chan Message, 8)
	if opts.Handler == nil {
		opts.Handler = func(m Message) { msgs <- m }
	}
	opts.applyDefaults()

	p := &pipeConn{
		client: client,
		conn:   newConn(server, opts),
		msgs:   msgs,
		done:   make(chan error, 1),
	}
	go func() { p.done <- p.conn.serve() }()

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return p
}

func (p *pipeConn) write(t *testing.T, b []byte) {
	t.Helper()
	require.NoError(t, p.client.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := p.client.Write(b)
	require.NoError(t, err)
}

func (p *pipeConn) read(t *testing.T, n int) []byte {
	t.Helper()
	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, n)
	_, err := io.ReadFull(p.client, buf)
	require.NoError(t, err)
	return buf
}

func (p *pipeConn) handshake(t *testing.T, clientID string) {
	t.Helper()
	p.write(t, connectFrame("MQTT", clientID))
	assert.Equal(t, connackFrame, p.read(t, len(connackFrame)))

	announce, err := publishFrame(AnnounceTopic, []byte(AnnouncePayload))
	require.NoError(t, err)
	assert.Equal(t, announce, p.read(t, len(announce)))
}

func (p *pipeConn) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("connection did not close")
		return nil
	}
}

func TestConn_Handshake(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-AABBCC")

	assert.Equal(t, "shelly1-AABBCC", p.conn.ClientID())
	assert.True(t, p.conn.isOpen())
}

func TestConn_AnnounceBytes(t *testing.T) {
	got, err := publishFrame("shellies/command", []byte("announce"))
	require.NoError(t, err)

	want := []byte{0x30, 0x1A, 0x00, 0x10}
	want = append(want, "shellies/command"...)
	want = append(want, "announce"...)
	assert.Equal(t, want, got)
}

func TestConn_BadProtocolName(t *testing.T) {
	p := startPipe(t, Options{})
	p.write(t, connectFrame("MQIsdp", "shelly1-AABBCC"))

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
	assert.Empty(t, p.conn.ClientID())
}

func TestConn_FirstFrameMustBeConnect(t *testing.T) {
	p := startPipe(t, Options{})
	p.write(t, []byte{packetPingreq << 4, 0x00})

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
}

func TestConn_EmptyClientIDRejected(t *testing.T) {
	p := startPipe(t, Options{})
	p.write(t, connectFrame("MQTT", ""))

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
}

func TestConn_Pingreq(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shellyplug-s-1")

	p.write(t, []byte{0xC0, 0x00})
	assert.Equal(t, []byte{0xD0, 0x00}, p.read(t, 2))
}

func TestConn_SubscribeEchoesPacketID(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	body := []byte{0x00, 0x07}
	body = binary.BigEndian.AppendUint16(body, uint16(len("shellies/shelly1-1/relay/0/command")))
	body = append(body, "shellies/shelly1-1/relay/0/command"...)
	body = append(body, 0x00)
	p.write(t, frame(packetSubscribe<<4|0x02, body))

	assert.Equal(t, []byte{0x90, 0x03, 0x00, 0x07, 0x00}, p.read(t, 5))
}

func TestConn_UnsubscribeAcked(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	body := []byte{0x01, 0x2C}
	body = binary.BigEndian.AppendUint16(body, uint16(len("shellies/#")))
	body = append(body, "shellies/#"...)
	p.write(t, frame(packetUnsub<<4|0x02, body))

	assert.Equal(t, []byte{0xB0, 0x02, 0x01, 0x2C}, p.read(t, 4))
}

func TestConn_PublishQoS0(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	p.write(t, frame(packetPublish<<4, publishBody("shellies/shelly1-1/relay/0", nil, "on")))

	select {
	case m := <-p.msgs:
		assert.Equal(t, "shelly1-1", m.ClientID)
		assert.Equal(t, "shellies/shelly1-1/relay/0", m.Topic)
		assert.Equal(t, []byte("on"), m.Payload)
	case <-time.After(testTimeout):
		t.Fatal("publish not delivered")
	}
}

func TestConn_PublishQoS1SkipsPacketID(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	p.write(t, frame(packetPublish<<4|0x02, publishBody("shellies/shelly1-1/relay/0/power", []byte{0x01, 0x02}, "12.5")))
	assert.Equal(t, []byte{0x40, 0x02, 0x01, 0x02}, p.read(t, 4))

	select {
	case m := <-p.msgs:
		assert.Equal(t, "shellies/shelly1-1/relay/0/power", m.Topic)
		assert.Equal(t, []byte("12.5"), m.Payload)
	case <-time.After(testTimeout):
		t.Fatal("publish not delivered")
	}
}

func TestConn_TruncatedPublishCloses(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	// Declares 20 bytes, sends 5, then goes away.
	p.write(t, []byte{0x30, 0x14, 0x00, 0x03, 'a', 'b', 'c'})
	_ = p.client.Close()

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
	assert.Empty(t, p.msgs)
}

func TestConn_StalledFrameCloses(t *testing.T) {
	p := startPipe(t, Options{FrameTimeout: 50 * time.Millisecond})
	p.handshake(t, "shelly1-1")

	p.write(t, []byte{0x30, 0x0A, 0x00, 0x01})

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
	assert.Empty(t, p.msgs)
}

func TestConn_OversizedFrameRejected(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	// The protocol maximum, declared in five bytes with no body behind it.
	p.write(t, []byte{0x30, 0xFF, 0xFF, 0xFF, 0x7F})

	err := p.wait(t)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Empty(t, p.msgs)
}

func TestConn_MaxFrameSize(t *testing.T) {
	// CONNECT for "shelly1-1" is 21 bytes.
	p := startPipe(t, Options{MaxFrameSize: 24})
	p.handshake(t, "shelly1-1")

	atLimit := "0123456789012345678" // 2+3+19 = 24
	p.write(t, frame(packetPublish<<4, publishBody("a/b", nil, atLimit)))
	select {
	case m := <-p.msgs:
		assert.Equal(t, atLimit, string(m.Payload))
	case <-time.After(testTimeout):
		t.Fatal("publish at the limit not delivered")
	}

	p.write(t, frame(packetPublish<<4, publishBody("a/b", nil, atLimit+"9")))
	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
}

func TestConn_TopicLengthBeyondFrame(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	p.write(t, []byte{0x30, 0x03, 0x00, 0x10, 'a'})

	assert.ErrorIs(t, p.wait(t), ErrProtocolViolation)
}

func TestConn_UnknownFrameIgnored(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	p.write(t, []byte{0x62, 0x02, 0x00, 0x01}) // PUBREL
	p.write(t, []byte{0xC0, 0x00})
	assert.Equal(t, []byte{0xD0, 0x00}, p.read(t, 2))
}

func TestConn_Disconnect(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	p.write(t, []byte{0xE0, 0x00})

	assert.NoError(t, p.wait(t))
	assert.False(t, p.conn.isOpen())
}

func TestConn_ServerPublish(t *testing.T) {
	p := startPipe(t, Options{})
	p.handshake(t, "shelly1-1")

	want, err := publishFrame("shellies/shelly1-1/relay/0/command", []byte("off"))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- p.conn.Publish("shellies/shelly1-1/relay/0/command", []byte("off")) }()

	assert.Equal(t, want, p.read(t, len(want)))
	require.NoError(t, <-errc)
}
