package coap

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReuseAddr_SharedPort(t *testing.T) {
	lc := net.ListenConfig{Control: reuseAddr}

	first, err := lc.ListenPacket(context.Background(), "udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	second, err := lc.ListenPacket(context.Background(), "udp4", first.LocalAddr().String())
	require.NoError(t, err, "second listener on the same port")
	defer second.Close()
}
