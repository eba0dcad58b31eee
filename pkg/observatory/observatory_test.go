package observatory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
	"observatory/pkg/camera"
	"observatory/pkg/device"
	"observatory/pkg/dome"
	"observatory/pkg/filterwheel"
	"observatory/pkg/focuser"
	"observatory/pkg/simulator"
	"observatory/pkg/telescope"
	"observatory/pkg/weather"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishEvent(ctx context.Context, e Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockPublisher) states() []State {
	var out []State
	for _, call := range m.Calls {
		out = append(out, call.Arguments.Get(1).(Event).State)
	}
	return out
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) SaveState(s Snapshot) error {
	return m.Called(s).Error(0)
}

func (m *mockRecorder) LoadState() (Snapshot, bool, error) {
	args := m.Called()
	return args.Get(0).(Snapshot), args.Bool(1), args.Error(2)
}

// The ramp interval is a power of two fraction of a minute so that ramp
// steps are exact: 5 °C cooling and 3 °C warming per tick.
var testCooler = camera.CoolerConfig{
	MaxCooldownRate:     5 * 1024,
	MinCooldownRate:     0.5 * 1024,
	MaxWarmupRate:       3 * 1024,
	SaturationThreshold: 90,
	DefaultAmbient:      25,
	RampInterval:        time.Minute / 1024,
}

func newTestObservatory(t *testing.T, publisher EventPublisher, recorder StateRecorder) (*simulator.Observatory, *Observatory) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	sim := simulator.NewObservatory(logger)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := alpaca.NewClient(srv.URL, logger)
	require.NoError(t, err)
	config := device.Config{PollInterval: 5 * time.Millisecond}
	devices := Devices{
		Telescope:   telescope.New(client, config, logger),
		Dome:        dome.New(client, config, logger),
		Camera:      camera.New(client, config, testCooler, logger),
		FilterWheel: filterwheel.New(client, config, filterwheel.Filters{}, logger),
		Focuser:     focuser.New(client, config, -1, logger),
		Weather:     weather.New(client, config, logger),
	}
	t.Cleanup(devices.Camera.CancelRamp)

	o, err := New(devices, Config{CoolerTarget: -10, ActionTimeout: 5 * time.Second, WarmupTimeout: 5 * time.Second}, publisher, recorder, logger)
	require.NoError(t, err)
	return sim, o
}

func connected(t *testing.T, publisher EventPublisher) (*simulator.Observatory, *Observatory) {
	t.Helper()
	sim, o := newTestObservatory(t, publisher, nil)
	require.NoError(t, o.ConnectAll(context.Background()))
	sim.ResetCalls()
	return sim, o
}

func TestNewRequiresEveryDevice(t *testing.T) {
	_, err := New(Devices{}, DefaultConfig, nil, nil, log.New())
	assert.Error(t, err)
}

func TestConnectAll(t *testing.T) {
	_, o := newTestObservatory(t, nil, nil)
	ctx := context.Background()
	assert.Equal(t, Off, o.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, o.ConnectAll(ctx))
		assert.Equal(t, Idle, o.State())
		for _, s := range o.Devices().services() {
			assert.True(t, s.IsConnected(), s.Name())
		}
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, o.DisconnectAll(ctx))
		assert.Equal(t, Off, o.State())
		for _, s := range o.Devices().services() {
			assert.False(t, s.IsConnected(), s.Name())
		}
	}
}

func TestConnectAllFails(t *testing.T) {
	sim, o := newTestObservatory(t, nil, nil)
	sim.Dome.Fail("connected", alpaca.ErrorUnspecified)

	err := o.ConnectAll(context.Background())
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorUnspecified))
	assert.Equal(t, Off, o.State())
}

func TestDisconnectAllExceptWeather(t *testing.T) {
	_, o := connected(t, nil)

	require.NoError(t, o.DisconnectAllExceptWeather(context.Background()))
	assert.Equal(t, Off, o.State())
	assert.True(t, o.Devices().Weather.IsConnected())
	assert.False(t, o.Devices().Telescope.IsConnected())
	assert.False(t, o.Devices().Camera.IsConnected())
}

func TestActuationRefusedWhileOff(t *testing.T) {
	sim, o := newTestObservatory(t, nil, nil)
	ctx := context.Background()
	d := o.Devices()
	require.NoError(t, d.Telescope.Connect(ctx))
	require.NoError(t, d.Dome.Connect(ctx))
	sim.ResetCalls()

	_, err := d.Telescope.Park(ctx)
	assert.ErrorIs(t, err, device.ErrIllegalState)
	_, err = d.Dome.OpenShutter(ctx)
	assert.ErrorIs(t, err, device.ErrIllegalState)
	assert.ErrorIs(t, o.Start(ctx), device.ErrIllegalState)
	assert.ErrorIs(t, o.Stop(ctx), device.ErrIllegalState)

	assert.Empty(t, sim.Calls())
}

func TestStart(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))

	assert.Equal(t, false, sim.Telescope.Get("atpark"))
	assert.Equal(t, true, sim.Telescope.Get("athome"))
	assert.Equal(t, false, sim.Telescope.Get("tracking"))
	assert.Equal(t, true, sim.Dome.Get("athome"))
	assert.Equal(t, true, sim.Dome.Get("slaved"))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "findhome"))
	assert.Equal(t, true, sim.Camera.Get("cooleron"))

	require.NoError(t, o.Devices().Camera.RampDone().Await(ctx, 5*time.Second))
	assert.Equal(t, -10.0, sim.Camera.Get("ccdtemperature"))
}

func TestStartFailureEndsDeviceSequence(t *testing.T) {
	sim, o := connected(t, nil)
	sim.Telescope.Fail("unpark", alpaca.ErrorUnspecified)

	err := o.Start(context.Background())
	assert.True(t, alpaca.IsCode(err, alpaca.ErrorUnspecified))
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Telescope, 0, "findhome"))
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Telescope, 0, "tracking"))
}

func TestStop(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()
	d := o.Devices()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, d.Telescope.SetTracking(ctx, true))
	a, err := d.Dome.OpenShutter(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, time.Second))

	require.NoError(t, o.Stop(ctx))

	tst := d.Telescope.Status(ctx)
	assert.False(t, tst.Tracking)
	assert.True(t, tst.Parked)

	dst := d.Dome.Status(ctx)
	assert.False(t, dst.Slaved)
	assert.Equal(t, dome.ShutterClosed, dst.ShutterStatus)
	assert.True(t, dst.Parked)

	assert.Equal(t, false, sim.Camera.Get("cooleron"))
	assert.Equal(t, 20.0, sim.Camera.Get("setccdtemperature"))
	assert.Equal(t, camera.CoolerOff, d.Camera.CoolerStatus(ctx))
}

func TestStopCancelsWarmupOnTimeout(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()
	d := o.Devices()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, d.Camera.RampDone().Await(ctx, 5*time.Second))
	o.config.WarmupTimeout = 20 * time.Millisecond

	err := o.Stop(ctx)
	var timeout *device.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "warmup", timeout.Operation)

	setpoint := sim.Camera.Get("setccdtemperature")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, setpoint, sim.Camera.Get("setccdtemperature"))
	assert.NoError(t, d.Camera.RampDone().Await(ctx, time.Millisecond))
	assert.Equal(t, true, sim.Camera.Get("cooleron"))
}

func TestStopWithoutPark(t *testing.T) {
	sim, o := connected(t, nil)
	sim.Telescope.Set("canpark", false)
	sim.Dome.Set("canpark", false)

	require.NoError(t, o.Stop(context.Background()))
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Telescope, 0, "park"))
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "park"))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))
}

func TestControl(t *testing.T) {
	_, o := connected(t, nil)
	ctx := context.Background()
	u1 := Operator{ID: "u1", Name: "Ada"}
	u2 := Operator{ID: "u2", Name: "Grace"}

	require.NoError(t, o.TakeControl(ctx, u1, false))
	assert.ErrorIs(t, o.TakeControl(ctx, u1, false), device.ErrIllegalState)
	assert.ErrorIs(t, o.TakeControl(ctx, u2, false), device.ErrIllegalState)
	assert.Equal(t, Manual, o.State())
	op, ok := o.CurrentOperator()
	require.True(t, ok)
	assert.Equal(t, u1, op)

	assert.ErrorIs(t, o.ReleaseControl(ctx, u2), ErrUnauthorized)
	require.NoError(t, o.ReleaseControl(ctx, u1))
	assert.Equal(t, Idle, o.State())
	_, ok = o.CurrentOperator()
	assert.False(t, ok)
	assert.ErrorIs(t, o.ReleaseControl(ctx, u1), ErrUnauthorized)

	require.NoError(t, o.TakeControl(ctx, u1, false))
	require.NoError(t, o.TakeControl(ctx, u2, true))
	op, _ = o.CurrentOperator()
	assert.Equal(t, u2, op)
}

func TestTakeControlRefusedWhenOff(t *testing.T) {
	_, o := newTestObservatory(t, nil, nil)
	assert.ErrorIs(t, o.TakeControl(context.Background(), Operator{ID: "u1"}, true), device.ErrIllegalState)
	assert.Equal(t, Off, o.State())
}

func TestJobs(t *testing.T) {
	_, o := connected(t, nil)
	ctx := context.Background()
	job := NewJob("M31")

	assert.ErrorIs(t, o.AbortJob(ctx), device.ErrIllegalState)
	require.NoError(t, o.StartJob(ctx, job))
	assert.Equal(t, Auto, o.State())
	current, ok := o.CurrentJob()
	require.True(t, ok)
	assert.Equal(t, job, current)

	assert.ErrorIs(t, o.StartJob(ctx, NewJob("M33")), device.ErrIllegalState)
	assert.ErrorIs(t, o.TakeControl(ctx, Operator{ID: "u1"}, false), device.ErrIllegalState)
	assert.ErrorIs(t, o.CompleteJob(ctx, NewJob("M31").ID), device.ErrIllegalState)

	require.NoError(t, o.CompleteJob(ctx, job.ID))
	assert.Equal(t, Idle, o.State())
	_, ok = o.CurrentJob()
	assert.False(t, ok)

	require.NoError(t, o.StartJob(ctx, job))
	require.NoError(t, o.AbortJob(ctx))
	assert.Equal(t, Idle, o.State())
}

func TestHalt(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()
	d := o.Devices()

	a, err := d.Telescope.Unpark(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, time.Second))
	require.NoError(t, o.TakeControl(ctx, Operator{ID: "u1"}, false))

	sim.SetMotionPolls(1000)
	_, err = d.Telescope.SlewToCoords(ctx, 5.5, 20)
	require.NoError(t, err)
	sim.ResetCalls()

	o.Halt(ctx)
	assert.Equal(t, Error, o.State())
	_, ok := o.CurrentOperator()
	assert.False(t, ok)
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Telescope, 0, "abortslew"))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))

	sim.ResetCalls()
	_, err = d.Dome.OpenShutter(ctx)
	assert.ErrorIs(t, err, device.ErrIllegalState)
	assert.ErrorIs(t, d.Focuser.SetTempComp(ctx, true), device.ErrIllegalState)
	assert.ErrorIs(t, o.TakeControl(ctx, Operator{ID: "u1"}, true), device.ErrIllegalState)
	assert.ErrorIs(t, o.StartJob(ctx, NewJob("M31")), device.ErrIllegalState)
	assert.Empty(t, sim.Calls())

	require.NoError(t, o.DisconnectAll(ctx))
	assert.Equal(t, Error, o.State())
	require.NoError(t, o.ConnectAll(ctx))
	assert.Equal(t, Error, o.State())

	require.NoError(t, o.Reset(ctx))
	assert.Equal(t, Idle, o.State())
	assert.ErrorIs(t, o.Reset(ctx), device.ErrIllegalState)
}

func TestHaltWhileDisconnected(t *testing.T) {
	sim, o := newTestObservatory(t, nil, nil)
	ctx := context.Background()

	o.Halt(ctx)
	assert.Equal(t, Error, o.State())
	assert.Empty(t, sim.Calls())

	require.NoError(t, o.Reset(ctx))
	assert.Equal(t, Off, o.State())
}

func TestEventsPublished(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishEvent", mock.Anything, mock.Anything).Return(nil)
	_, o := connected(t, pub)
	ctx := context.Background()
	op := Operator{ID: "u1"}

	require.NoError(t, o.TakeControl(ctx, op, false))
	assert.Error(t, o.TakeControl(ctx, op, false))
	require.NoError(t, o.ReleaseControl(ctx, op))
	o.Halt(ctx)

	assert.Equal(t, []State{Idle, Manual, Idle, Error}, pub.states())
	last := pub.Calls[len(pub.Calls)-1].Arguments.Get(1).(Event)
	assert.Equal(t, Idle, last.Previous)
	assert.Equal(t, "halt", last.Reason)
	pub.AssertNumberOfCalls(t, "PublishEvent", 4)
}

func TestRestoreHalted(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("LoadState").Return(Snapshot{State: Error}, true, nil)
	rec.On("SaveState", mock.Anything).Return(nil)
	_, o := newTestObservatory(t, nil, rec)
	ctx := context.Background()

	assert.Equal(t, Error, o.State())
	require.NoError(t, o.ConnectAll(ctx))
	assert.Equal(t, Error, o.State())
	rec.AssertNotCalled(t, "SaveState", mock.Anything)

	require.NoError(t, o.Reset(ctx))
	rec.AssertCalled(t, "SaveState", Snapshot{State: Idle})
}

func TestRestoreIgnoresOtherStates(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("LoadState").Return(Snapshot{State: Manual, Operator: &Operator{ID: "u1"}}, true, nil)
	_, o := newTestObservatory(t, nil, rec)
	assert.Equal(t, Off, o.State())
}

func TestStatus(t *testing.T) {
	_, o := connected(t, nil)
	ctx := context.Background()
	require.NoError(t, o.TakeControl(ctx, Operator{ID: "u1"}, false))

	st := o.Status(ctx)
	assert.Equal(t, Manual, st.State)
	require.NotNil(t, st.Operator)
	assert.Equal(t, "u1", st.Operator.ID)
	assert.True(t, st.Safe)
	assert.True(t, st.Telescope.Connected)
	assert.True(t, st.Dome.Connected)
	assert.True(t, st.Camera.Connected)
	assert.True(t, st.FilterWheel.Connected)
	assert.True(t, st.Focuser.Connected)
	assert.True(t, st.Weather.Connected)

	safe, err := o.IsSafe(ctx)
	require.NoError(t, err)
	assert.True(t, safe)
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Off, Idle, Manual, Auto, Error} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("PAUSED")))
}

func TestSecure(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()
	d := o.Devices()
	u1 := Operator{ID: "u1"}

	require.NoError(t, o.Secure(ctx))
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))

	require.NoError(t, o.TakeControl(ctx, u1, false))
	sim.Weather.Set("humidity", 99.0)
	require.NoError(t, o.Secure(ctx))

	assert.Equal(t, Idle, o.State())
	_, ok := o.CurrentOperator()
	assert.False(t, ok)
	assert.True(t, d.Telescope.Status(ctx).Parked)
	dst := d.Dome.Status(ctx)
	assert.True(t, dst.Parked)
	assert.Equal(t, dome.ShutterClosed, dst.ShutterStatus)
	assert.Equal(t, false, sim.Camera.Get("cooleron"))

	// Already secured: a job is aborted but nothing is stopped again.
	sim.ResetCalls()
	require.NoError(t, o.StartJob(ctx, NewJob("M31")))
	require.NoError(t, o.Secure(ctx))
	assert.Equal(t, Idle, o.State())
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))

	// Safe again, then unsafe: the observatory is stopped once more.
	sim.Weather.Set("humidity", 55.0)
	require.NoError(t, o.Secure(ctx))
	sim.Weather.Fail("humidity", alpaca.ErrorUnspecified)
	require.NoError(t, o.Secure(ctx))
	assert.Equal(t, 1, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))
}

func TestSecureOverride(t *testing.T) {
	sim, o := connected(t, nil)
	ctx := context.Background()
	u1 := Operator{ID: "u1"}

	o.SetSafeOverride(true)
	require.NoError(t, o.TakeControl(ctx, u1, false))
	sim.Weather.Set("humidity", 99.0)
	sim.ResetCalls()

	require.NoError(t, o.Secure(ctx))
	assert.Equal(t, Manual, o.State())
	assert.Zero(t, sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew"))

	st := o.Status(ctx)
	assert.True(t, st.Override)
	assert.False(t, st.Safe)

	o.SetSafeOverride(false)
	require.NoError(t, o.Secure(ctx))
	assert.Equal(t, Idle, o.State())
}

func TestSecureLeavesOffAlone(t *testing.T) {
	sim, o := newTestObservatory(t, nil, nil)
	sim.Weather.Set("humidity", 99.0)

	require.NoError(t, o.Secure(context.Background()))
	assert.Equal(t, Off, o.State())
	assert.Empty(t, sim.Calls())
}

func TestSupervise(t *testing.T) {
	sim, o := connected(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.TakeControl(ctx, Operator{ID: "u1"}, false))

	done := make(chan struct{})
	go func() {
		o.Supervise(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Manual, o.State())

	sim.Weather.Set("humidity", 99.0)
	assert.Eventually(t, func() bool {
		return o.State() == Idle && sim.CallCount(http.MethodPut, alpaca.Dome, 0, "abortslew") == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
