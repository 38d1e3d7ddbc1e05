package coap

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *resultRecorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, s)
}

func (r *resultRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

func TestNewListener_Validation(t *testing.T) {
	_, err := NewListener(Options{})
	assert.Error(t, err)

	_, err = NewListener(Options{Group: "192.168.1.1", Handler: func(Message) {}})
	assert.Error(t, err)

	l, err := NewListener(Options{Handler: func(Message) {}})
	require.NoError(t, err)
	assert.Equal(t, DefaultGroup, l.group.IP.String())
	assert.Equal(t, DefaultPort, l.group.Port)
}

func TestListener_DiscoverBeforeRun(t *testing.T) {
	l, err := NewListener(Options{Handler: func(Message) {}})
	require.NoError(t, err)
	assert.ErrorIs(t, l.Discover(), ErrNotListening)
}

func TestListener_HandleDatagram(t *testing.T) {
	var got []Message
	rec := &resultRecorder{}
	l, err := NewListener(Options{
		Handler:  func(m Message) { got = append(got, m) },
		OnResult: rec.add,
	})
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 5683}
	valid := encodeMessage(CodeStatus, nil, []testOption{idOption("SHSW-1#AA#2")}, []byte(`{"G":[[0,1101,0]]}`))

	l.HandleDatagram(valid, src)
	l.HandleDatagram([]byte{1, 2, 3}, src)
	l.HandleDatagram(discoveryRequest, src)

	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.5", got[0].Address)
	assert.Equal(t, []string{ResultOK, ResultMalformed, ResultIgnored}, rec.all())
}

func TestListener_HandlerPanicRecovered(t *testing.T) {
	rec := &resultRecorder{}
	l, err := NewListener(Options{
		Handler:  func(Message) { panic("boom") },
		OnResult: rec.add,
	})
	require.NoError(t, err)

	valid := encodeMessage(CodeStatus, nil, []testOption{idOption("SHSW-1#AA#2")}, nil)
	assert.NotPanics(t, func() {
		l.HandleDatagram(valid, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5)})
	})
	assert.Equal(t, []string{ResultOK, ResultMalformed}, rec.all())
}
