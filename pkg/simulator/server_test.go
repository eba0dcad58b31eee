package simulator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
)

func newTestBridge(t *testing.T) (*Observatory, *alpaca.Client) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	sim := NewObservatory(logger)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := alpaca.NewClient(srv.URL, logger, alpaca.WithClientID(7))
	require.NoError(t, err)
	return sim, client
}

func connect(t *testing.T, c *alpaca.Client, dt alpaca.DeviceType) {
	t.Helper()
	require.NoError(t, c.Put(context.Background(), dt, 0, "connected", url.Values{"Connected": {"true"}}))
}

func TestRequiresConnection(t *testing.T) {
	_, client := newTestBridge(t)
	ctx := context.Background()

	_, err := client.GetBool(ctx, alpaca.Dome, 0, "atpark")
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorNotConnected))

	name, err := client.GetString(ctx, alpaca.Dome, 0, "name")
	require.NoError(t, err)
	assert.Equal(t, "Dome Simulator", name)

	connect(t, client, alpaca.Dome)
	parked, err := client.GetBool(ctx, alpaca.Dome, 0, "atpark")
	require.NoError(t, err)
	assert.True(t, parked)
}

func TestRecordsCalls(t *testing.T) {
	sim, client := newTestBridge(t)
	ctx := context.Background()
	connect(t, client, alpaca.Dome)

	_, _ = client.GetBool(ctx, alpaca.Dome, 0, "slewing")
	_, _ = client.GetBool(ctx, alpaca.Dome, 0, "slewing")

	calls := sim.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPut, calls[0].Method)
	assert.Equal(t, uint32(7), calls[1].ClientID)
	assert.Less(t, calls[1].ClientTransactionID, calls[2].ClientTransactionID)

	assert.Equal(t, 2, sim.CallCount(http.MethodGet, alpaca.Dome, 0, "slewing"))
	assert.Equal(t, 1, sim.CallCount("", alpaca.Dome, 0, "connected"))
	assert.Equal(t, 3, sim.DeviceCalls(alpaca.Dome, 0))
	assert.Equal(t, 0, sim.DeviceCalls(alpaca.Telescope, 0))

	sim.ResetCalls()
	assert.Empty(t, sim.Calls())
}

func TestFailAndRecover(t *testing.T) {
	sim, client := newTestBridge(t)
	ctx := context.Background()
	connect(t, client, alpaca.Focuser)

	sim.Focuser.Fail("position", alpaca.ErrorValueNotSet)
	_, err := client.GetInt(ctx, alpaca.Focuser, 0, "position")
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorValueNotSet))

	sim.Focuser.Recover("position")
	_, err = client.GetInt(ctx, alpaca.Focuser, 0, "position")
	assert.NoError(t, err)
}

func TestDomeRefusesWhileSlaved(t *testing.T) {
	_, client := newTestBridge(t)
	ctx := context.Background()
	connect(t, client, alpaca.Dome)

	require.NoError(t, client.Put(ctx, alpaca.Dome, 0, "slaved", url.Values{"Slaved": {"true"}}))
	slaved, err := client.GetBool(ctx, alpaca.Dome, 0, "slaved")
	require.NoError(t, err)
	assert.True(t, slaved)

	err = client.Put(ctx, alpaca.Dome, 0, "findhome", nil)
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorInvalidWhileSlaved))
}

func TestUnknownDevice(t *testing.T) {
	_, client := newTestBridge(t)
	_, err := client.GetBool(context.Background(), alpaca.Dome, 3, "connected")
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorInvalidValue))
	assert.NotErrorIs(t, err, alpaca.ErrDeviceUnavailable)
	assert.ErrorContains(t, err, "device dome/3 not found")
}

func TestManagement(t *testing.T) {
	_, client := newTestBridge(t)
	devices, err := client.ConfiguredDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 6)
	_, ok := alpaca.FindDevice(devices, alpaca.ObservingConditions)
	assert.True(t, ok)
}
