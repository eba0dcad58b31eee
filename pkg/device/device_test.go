package device_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
	"observatory/pkg/device"
	"observatory/pkg/simulator"
)

type gateFunc func() error

func (f gateFunc) CheckActuation() error { return f() }

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newDome(t *testing.T) (*simulator.Observatory, *device.Base) {
	t.Helper()
	sim := simulator.NewObservatory(testLogger())
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := alpaca.NewClient(srv.URL, testLogger())
	require.NoError(t, err)
	b := device.NewBase(client, alpaca.Dome, device.Config{PollInterval: 5 * time.Millisecond}, testLogger())
	return sim, b
}

func TestConnectIsIdempotent(t *testing.T) {
	sim, b := newDome(t)
	ctx := context.Background()

	assert.False(t, b.IsConnected())
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Connect(ctx))
		assert.True(t, b.IsConnected())
	}
	assert.Equal(t, true, sim.Dome.Get("connected"))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Disconnect(ctx))
		assert.False(t, b.IsConnected())
	}
	assert.Equal(t, false, sim.Dome.Get("connected"))
	assert.Equal(t, 2, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "connected"))
}

func TestConnectFailure(t *testing.T) {
	sim, b := newDome(t)
	sim.Dome.Fail("connected", alpaca.ErrorUnspecified)

	err := b.Connect(context.Background())
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorUnspecified))
	assert.False(t, b.IsConnected())
}

func TestCommandWhileDisconnected(t *testing.T) {
	sim, b := newDome(t)

	err := b.Command(context.Background(), "park", nil)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, err, device.ErrIllegalState)

	err = b.Stop(context.Background(), "abortslew")
	assert.ErrorIs(t, err, device.ErrIllegalState)

	assert.Zero(t, sim.DeviceCalls(alpaca.Dome, 0))
}

func TestGate(t *testing.T) {
	sim, b := newDome(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	sim.ResetCalls()

	closed := fmt.Errorf("%w: observatory is OFF", device.ErrIllegalState)
	var refuse atomic.Bool
	refuse.Store(true)
	b.SetGate(gateFunc(func() error {
		if refuse.Load() {
			return closed
		}
		return nil
	}))

	err := b.Command(ctx, "park", nil)
	assert.ErrorIs(t, err, device.ErrIllegalState)
	assert.Zero(t, sim.DeviceCalls(alpaca.Dome, 0))

	// Aborts still reach the device.
	require.NoError(t, b.Stop(ctx, "abortslew"))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))

	refuse.Store(false)
	require.NoError(t, b.Command(ctx, "park", nil))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "park"))
}

func TestCacheFetchesOnce(t *testing.T) {
	var c device.Cache[int]
	var fetches atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(fetches.Add(1)), nil
	}

	v, err := c.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = c.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), fetches.Load())

	c.Reset()
	v, err = c.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCacheKeepsFailuresOut(t *testing.T) {
	var c device.Cache[string]
	_, err := c.Get(context.Background(), func(context.Context) (string, error) {
		return "", errors.New("offline")
	})
	assert.Error(t, err)

	v, err := c.Get(context.Background(), func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestOnConnectRunsOnFreshConnection(t *testing.T) {
	_, b := newDome(t)
	ctx := context.Background()

	var calls int
	b.OnConnect(func() { calls++ })

	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.Equal(t, 1, calls)

	require.NoError(t, b.Disconnect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.Equal(t, 2, calls)
}

func TestActionAwait(t *testing.T) {
	sim, b := newDome(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	sim.Dome.SetMotionPolls(3)

	a, err := b.Start(ctx, "slewtoazimuth", url.Values{"Azimuth": {"45"}}, func(ctx context.Context) (bool, error) {
		slewing, err := device.Read[bool](ctx, b, "slewing")
		return !slewing, err
	})
	require.NoError(t, err)
	assert.Equal(t, "slewtoazimuth", a.Operation())

	require.NoError(t, a.Await(ctx, time.Second))
	assert.Equal(t, 45.0, sim.Dome.Get("azimuth"))
}

func TestActionTimeout(t *testing.T) {
	_, b := newDome(t)

	a := b.Track("openshutter", func(context.Context) (bool, error) {
		return false, nil
	})
	err := a.Await(context.Background(), 30*time.Millisecond)

	var terr *device.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "dome/0", terr.Device)
	assert.Equal(t, "openshutter", terr.Operation)
	assert.Equal(t, 30*time.Millisecond, terr.After)
}

func TestActionPollError(t *testing.T) {
	_, b := newDome(t)
	boom := errors.New("boom")

	a := b.Track("park", func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, a.Await(context.Background(), time.Second), boom)
	assert.NoError(t, b.Completed("park").Await(context.Background(), time.Second))
}

func TestProbe(t *testing.T) {
	sim, b := newDome(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	v, ok, err := device.Probe(ctx, b, "canpark", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	sim.Dome.Remove("canslave")
	v, ok, err = device.Probe(ctx, b, "canslave", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, v)
}

func TestProbeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()
	client, err := alpaca.NewClient(srv.URL, testLogger())
	require.NoError(t, err)
	b := device.NewBase(client, alpaca.Focuser, device.Config{}, testLogger())

	_, _, err = device.Probe(context.Background(), b, "absolute", false)
	assert.ErrorIs(t, err, alpaca.ErrDeviceUnavailable)
}

func TestGather(t *testing.T) {
	sim, b := newDome(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	sim.Dome.Fail("altitude", alpaca.ErrorUnspecified)

	azimuth, altitude := math.NaN(), math.NaN()
	var slewing bool
	err := device.Gather(ctx,
		device.Field(b, "azimuth", &azimuth),
		device.Field(b, "altitude", &altitude),
		device.Field(b, "slewing", &slewing),
	)
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorUnspecified))
	assert.Equal(t, 90.0, azimuth)
	assert.True(t, math.IsNaN(altitude))
	assert.False(t, slewing)
}

func TestInvalidArgument(t *testing.T) {
	err := device.InvalidArgument("binning %d below 1", 0)
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
	assert.EqualError(t, err, "invalid argument: binning 0 below 1")

	err = device.Unsupported("dome/0", "park")
	assert.ErrorIs(t, err, device.ErrUnsupported)
}
