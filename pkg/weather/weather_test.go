package weather

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
	"observatory/pkg/device"
	"observatory/pkg/simulator"
)

func newTestStation(t *testing.T) (*simulator.Observatory, *Station) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	sim := simulator.NewObservatory(logger)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := alpaca.NewClient(srv.URL, logger)
	require.NoError(t, err)
	s := New(client, device.Config{}, logger)
	require.NoError(t, s.Connect(context.Background()))
	sim.ResetCalls()
	return sim, s
}

func TestWindDirection(t *testing.T) {
	tests := []struct {
		deg  float64
		want string
	}{
		{0, "N"},
		{44, "NE"},
		{45, "NE"},
		{90, "E"},
		{180, "S"},
		{225, "SW"},
		{292.5, "NW"},
		{338.6, "N"},
		{360, "N"},
		{-45, "NW"},
		{725, "N"},
		{math.NaN(), "None"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, WindDirection(tc.deg), "%v°", tc.deg)
	}
}

func TestBuckets(t *testing.T) {
	tests := []struct {
		name string
		fn   func(float64) string
		in   []float64
		want []string
	}{
		{"cloud", CloudCover, []float64{0, 19.9, 20, 69.9, 70}, []string{"Clear", "Clear", "Cloudy", "Cloudy", "Overcast"}},
		{"humidity", Humidity, []float64{10, 30, 70}, []string{"Dry", "Normal", "Humid"}},
		{"pressure", Pressure, []float64{950, 1013, 1030}, []string{"Low", "Normal", "High"}},
		{"rain", RainRate, []float64{0, 0.01, 2.5}, []string{"Dry", "Wet", "Rain"}},
		{"sky brightness", SkyBrightness, []float64{0.5, 1.5, 20}, []string{"Dark", "Grey", "Bright"}},
		{"sky quality", SkyQuality, []float64{21.3, 21, 19.5, 19}, []string{"Good", "Normal", "Normal", "Bad"}},
		{"sky quality from temperature", SkyQualityFromTemperature, []float64{-12, -5, 0}, []string{"Good", "Normal", "Bad"}},
		{"temperature", Temperature, []float64{-3, 10, 25}, []string{"Cold", "Normal", "Hot"}},
		{"sky temperature", SkyTemperature, []float64{-12, -2, 5}, []string{"Cold", "Normal", "Hot"}},
		{"wind", WindSpeed, []float64{0.8, 1.5, 3}, []string{"Calm", "Windy", "Very windy"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for i, v := range tc.in {
				assert.Equal(t, tc.want[i], tc.fn(v), "%v", v)
			}
			assert.Equal(t, Unknown, tc.fn(math.NaN()))
		})
	}
}

func TestCapabilities(t *testing.T) {
	sim, s := newTestStation(t)
	ctx := context.Background()

	caps, err := s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, Specific, caps.CloudCover)
	assert.Equal(t, Specific, caps.SkyQuality)

	_, err = s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.CallCount(http.MethodGet, alpaca.ObservingConditions, 0, "cloudcover"))
}

func TestSkyQualityFromSkyTemperature(t *testing.T) {
	sim, s := newTestStation(t)
	sim.Weather.Remove("skyquality")
	sim.Weather.Remove("cloudcover")
	ctx := context.Background()

	caps, err := s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, General, caps.SkyQuality)
	assert.Equal(t, None, caps.CloudCover)

	st := s.Status(ctx)
	assert.Equal(t, "Good", st.SkyQuality)
	assert.Equal(t, Unknown, st.CloudCover)
	assert.Equal(t, 1, sim.CallCount(http.MethodGet, alpaca.ObservingConditions, 0, "skyquality"))

	sim.Weather.Remove("skytemperature")
	require.NoError(t, s.Disconnect(ctx))
	require.NoError(t, s.Connect(ctx))
	caps, err = s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, None, caps.SkyQuality)
	assert.Equal(t, Unknown, s.Status(ctx).SkyQuality)
}

func TestStatus(t *testing.T) {
	sim, s := newTestStation(t)
	ctx := context.Background()

	st := s.Status(ctx)
	assert.Equal(t, Status{
		Connected:      true,
		Safe:           true,
		CloudCover:     "Clear",
		Humidity:       "Normal",
		Pressure:       "Normal",
		Temperature:    "Cold",
		RainRate:       "Dry",
		WindSpeed:      "Calm",
		WindGust:       "Calm",
		WindDirection:  "SW",
		SkyBrightness:  "Dark",
		SkyTemperature: "Cold",
		SkyQuality:     "Good",
	}, st)

	sim.Weather.Set("windspeed", 0.0)
	assert.Equal(t, "None", s.Status(ctx).WindDirection)

	sim.Weather.Fail("humidity", alpaca.ErrorUnspecified)
	st = s.Status(ctx)
	assert.Equal(t, Unknown, st.Humidity)
	assert.Equal(t, "Clear", st.CloudCover)
}

func TestIsSafe(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *simulator.Device)
		safe  bool
	}{
		{"clear night", func(d *simulator.Device) {}, true},
		{"rain", func(d *simulator.Device) { d.Set("rainrate", 0.5) }, false},
		{"gale", func(d *simulator.Device) { d.Set("windspeed", 8.0) }, false},
		{"gusts", func(d *simulator.Device) { d.Set("windgust", 4.0) }, false},
		{"overcast", func(d *simulator.Device) { d.Set("cloudcover", 90.0) }, false},
		{"no rain sensor", func(d *simulator.Device) { d.Remove("rainrate") }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sim, s := newTestStation(t)
			tc.setup(sim.Weather)
			safe, err := s.IsSafe(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.safe, safe)
		})
	}
}

func TestUnreadableSensorIsUnsafe(t *testing.T) {
	sim, s := newTestStation(t)
	ctx := context.Background()
	_, err := s.Capabilities(ctx)
	require.NoError(t, err)

	sim.Weather.Fail("rainrate", alpaca.ErrorUnspecified)
	safe, err := s.IsSafe(ctx)
	require.NoError(t, err)
	assert.False(t, safe)
	assert.False(t, s.Status(ctx).Safe)
}

func TestDisconnected(t *testing.T) {
	sim, s := newTestStation(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Disconnect(ctx))
		assert.False(t, s.IsConnected())
	}
	sim.ResetCalls()

	st := s.Status(ctx)
	assert.False(t, st.Connected)
	assert.False(t, st.Safe)
	assert.Equal(t, Unknown, st.CloudCover)

	_, err := s.IsSafe(ctx)
	assert.ErrorIs(t, err, device.ErrIllegalState)
	assert.Zero(t, sim.DeviceCalls(alpaca.ObservingConditions, 0))
}
