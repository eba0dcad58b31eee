// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/ObservingConditions%20Specific%20Methods

package weather

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/device"
)

// Support tells how a station measures a quantity.
type Support int

const (
	// None means the station cannot report the quantity.
	None Support = iota
	// General means the quantity is estimated from another sensor.
	General
	// Specific means the station has a dedicated sensor.
	Specific
)

func (s Support) String() string {
	switch s {
	case General:
		return "General"
	case Specific:
		return "Specific"
	default:
		return "None"
	}
}

func (s Support) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Capabilities struct {
	CloudCover     Support `json:"cloudCover"`
	Humidity       Support `json:"humidity"`
	Pressure       Support `json:"pressure"`
	Temperature    Support `json:"temperature"`
	RainRate       Support `json:"rainRate"`
	WindSpeed      Support `json:"windSpeed"`
	WindGust       Support `json:"windGust"`
	WindDirection  Support `json:"windDirection"`
	SkyBrightness  Support `json:"skyBrightness"`
	SkyTemperature Support `json:"skyTemperature"`
	SkyQuality     Support `json:"skyQuality"`
}

// Readings are the raw values of the station. Quantities that are not
// supported or could not be read are NaN.
type Readings struct {
	CloudCover     float64 `json:"cloudCover"`
	Humidity       float64 `json:"humidity"`
	Pressure       float64 `json:"pressure"`
	Temperature    float64 `json:"temperature"`
	RainRate       float64 `json:"rainRate"`
	WindSpeed      float64 `json:"windSpeed"`
	WindGust       float64 `json:"windGust"`
	WindDirection  float64 `json:"windDirection"`
	SkyBrightness  float64 `json:"skyBrightness"`
	SkyTemperature float64 `json:"skyTemperature"`
	SkyQuality     float64 `json:"skyQuality"`
}

func emptyReadings() Readings {
	nan := math.NaN()
	return Readings{nan, nan, nan, nan, nan, nan, nan, nan, nan, nan, nan}
}

// Status describes the conditions in words.
type Status struct {
	Connected      bool   `json:"connected"`
	Safe           bool   `json:"safe"`
	CloudCover     string `json:"cloudCover"`
	Humidity       string `json:"humidity"`
	Pressure       string `json:"pressure"`
	Temperature    string `json:"temperature"`
	RainRate       string `json:"rainRate"`
	WindSpeed      string `json:"windSpeed"`
	WindGust       string `json:"windGust"`
	WindDirection  string `json:"windDirection"`
	SkyBrightness  string `json:"skyBrightness"`
	SkyTemperature string `json:"skyTemperature"`
	SkyQuality     string `json:"skyQuality"`
}

type Station struct {
	*device.Base
	caps device.Cache[Capabilities]
}

func New(t device.Transport, config device.Config, logger log.FieldLogger) *Station {
	s := &Station{Base: device.NewBase(t, alpaca.ObservingConditions, config, logger)}
	s.OnConnect(s.caps.Reset)
	return s
}

// Capabilities probes each sensor once per connection.
func (s *Station) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := s.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return s.caps.Get(ctx, s.fetchCapabilities)
}

func (s *Station) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	var (
		c             Capabilities
		hasSkyQuality bool
	)
	err := device.Gather(ctx,
		s.probe("cloudcover", &c.CloudCover),
		s.probe("humidity", &c.Humidity),
		s.probe("pressure", &c.Pressure),
		s.probe("temperature", &c.Temperature),
		s.probe("rainrate", &c.RainRate),
		s.probe("windspeed", &c.WindSpeed),
		s.probe("windgust", &c.WindGust),
		s.probe("winddirection", &c.WindDirection),
		s.probe("skybrightness", &c.SkyBrightness),
		s.probe("skytemperature", &c.SkyTemperature),
		func(ctx context.Context) error {
			_, ok, err := device.Probe(ctx, s.Base, "skyquality", 0.0)
			hasSkyQuality = ok
			return err
		},
	)
	if err != nil {
		return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", s.Name(), err)
	}

	switch {
	case hasSkyQuality:
		c.SkyQuality = Specific
	case c.SkyTemperature == Specific:
		c.SkyQuality = General
	}
	return c, nil
}

func (s *Station) probe(action string, dst *Support) func(context.Context) error {
	return func(ctx context.Context) error {
		_, ok, err := device.Probe(ctx, s.Base, action, 0.0)
		if ok {
			*dst = Specific
		}
		return err
	}
}

// Readings reads every supported sensor concurrently. It returns the first
// read error along with whatever could be read.
func (s *Station) Readings(ctx context.Context) (Readings, error) {
	r := emptyReadings()
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return r, err
	}

	var reads []func(context.Context) error
	add := func(support Support, action string, dst *float64) {
		if support == Specific {
			reads = append(reads, device.Field(s.Base, action, dst))
		}
	}
	add(caps.CloudCover, "cloudcover", &r.CloudCover)
	add(caps.Humidity, "humidity", &r.Humidity)
	add(caps.Pressure, "pressure", &r.Pressure)
	add(caps.Temperature, "temperature", &r.Temperature)
	add(caps.RainRate, "rainrate", &r.RainRate)
	add(caps.WindSpeed, "windspeed", &r.WindSpeed)
	add(caps.WindGust, "windgust", &r.WindGust)
	add(caps.WindDirection, "winddirection", &r.WindDirection)
	add(caps.SkyBrightness, "skybrightness", &r.SkyBrightness)
	add(caps.SkyTemperature, "skytemperature", &r.SkyTemperature)
	add(caps.SkyQuality, "skyquality", &r.SkyQuality)

	return r, device.Gather(ctx, reads...)
}

// Status reads the station and describes each quantity. Unsupported and
// unreadable quantities are "Unknown".
func (s *Station) Status(ctx context.Context) Status {
	if !s.IsConnected() {
		return describe(Capabilities{}, emptyReadings())
	}

	caps, err := s.Capabilities(ctx)
	if err != nil {
		s.Logger().Warnf("Status without capabilities: %v", err)
	}
	r, err := s.Readings(ctx)
	if err != nil {
		s.Logger().Warnf("Degraded status: %v", err)
	}

	st := describe(caps, r)
	st.Connected = true
	st.Safe = safe(caps, r)
	return st
}

func describe(caps Capabilities, r Readings) Status {
	st := Status{
		CloudCover:     CloudCover(r.CloudCover),
		Humidity:       Humidity(r.Humidity),
		Pressure:       Pressure(r.Pressure),
		Temperature:    Temperature(r.Temperature),
		RainRate:       RainRate(r.RainRate),
		WindSpeed:      WindSpeed(r.WindSpeed),
		WindGust:       WindSpeed(r.WindGust),
		WindDirection:  WindDirection(r.WindDirection),
		SkyBrightness:  SkyBrightness(r.SkyBrightness),
		SkyTemperature: SkyTemperature(r.SkyTemperature),
		SkyQuality:     Unknown,
	}
	// Stations report a zero direction while the air is still.
	if r.WindSpeed == 0 {
		st.WindDirection = "None"
	}
	switch caps.SkyQuality {
	case Specific:
		st.SkyQuality = SkyQuality(r.SkyQuality)
	case General:
		st.SkyQuality = SkyQualityFromTemperature(r.SkyTemperature)
	}
	return st
}

// safe reports whether the conditions allow the observatory to be open. Rain,
// strong wind and overcast sky are unsafe; so is a supported sensor that
// could not be read.
func safe(caps Capabilities, r Readings) bool {
	checks := []struct {
		support Support
		value   float64
		unsafe  func(float64) bool
	}{
		{caps.RainRate, r.RainRate, func(v float64) bool { return RainRate(v) != "Dry" }},
		{caps.WindSpeed, r.WindSpeed, func(v float64) bool { return WindSpeed(v) == "Very windy" }},
		{caps.WindGust, r.WindGust, func(v float64) bool { return WindSpeed(v) == "Very windy" }},
		{caps.CloudCover, r.CloudCover, func(v float64) bool { return CloudCover(v) == "Overcast" }},
		{caps.Humidity, r.Humidity, func(v float64) bool { return v >= 95 }},
	}
	for _, c := range checks {
		if c.support == None {
			continue
		}
		if math.IsNaN(c.value) || c.unsafe(c.value) {
			return false
		}
	}
	return true
}

// IsSafe reads the station and reports whether observing is safe.
func (s *Station) IsSafe(ctx context.Context) (bool, error) {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return false, err
	}
	r, err := s.Readings(ctx)
	if err != nil {
		s.Logger().Warnf("Unsafe, cannot read conditions: %v", err)
		return false, nil
	}
	return safe(caps, r), nil
}
