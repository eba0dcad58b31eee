package alpaca_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestDiscovery(t *testing.T) {
	port := freeUDPPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := alpaca.NewDiscoveryResponder("127.0.0.1", port, 11111, testLogger())
	done := make(chan error, 1)
	go func() { done <- responder.Run(ctx) }()

	discoverCtx, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	bridges, err := alpaca.Discover(discoverCtx, "127.0.0.1:"+strconv.Itoa(port), testLogger())
	require.NoError(t, err)
	require.Len(t, bridges, 1)
	assert.Equal(t, "http://127.0.0.1:11111", bridges[0].URL())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("responder did not stop")
	}
}
