// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/Telescope%20Specific%20Methods

package telescope

import (
	"context"
	"fmt"
	"math"
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/device"
)

type Capabilities struct {
	Name         string `json:"name"`
	CanFindHome  bool   `json:"canFindHome"`
	CanPark      bool   `json:"canPark"`
	CanUnpark    bool   `json:"canUnpark"`
	CanSlew      bool   `json:"canSlew"`
	CanSlewSync  bool   `json:"canSlewSync"`
	CanSlewAltAz bool   `json:"canSlewAltAz"`
	CanTrack     bool   `json:"canTrack"`
}

// Status is a snapshot of the mount. Values that could not be read are NaN
// or false.
type Status struct {
	Connected      bool    `json:"connected"`
	Altitude       float64 `json:"altitude"`
	Azimuth        float64 `json:"azimuth"`
	RightAscension float64 `json:"rightAscension"`
	Declination    float64 `json:"declination"`
	SiderealTime   float64 `json:"siderealTime"`
	AtHome         bool    `json:"atHome"`
	Parked         bool    `json:"parked"`
	Slewing        bool    `json:"slewing"`
	Tracking       bool    `json:"tracking"`
}

// Direction of a relative slew.
type Direction string

const (
	North Direction = "N"
	East  Direction = "E"
	South Direction = "S"
	West  Direction = "W"
)

type Telescope struct {
	*device.Base
	caps device.Cache[Capabilities]
}

func New(t device.Transport, config device.Config, logger log.FieldLogger) *Telescope {
	s := &Telescope{Base: device.NewBase(t, alpaca.Telescope, config, logger)}
	s.OnConnect(s.caps.Reset)
	return s
}

// Capabilities returns the optional features of the mount, fetched once per
// connection.
func (s *Telescope) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := s.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return s.caps.Get(ctx, s.fetchCapabilities)
}

func (s *Telescope) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	var c Capabilities
	err := device.Gather(ctx,
		device.ProbeField(s.Base, "name", &c.Name),
		device.ProbeField(s.Base, "canfindhome", &c.CanFindHome),
		device.ProbeField(s.Base, "canpark", &c.CanPark),
		device.ProbeField(s.Base, "canunpark", &c.CanUnpark),
		device.ProbeField(s.Base, "canslewasync", &c.CanSlew),
		device.ProbeField(s.Base, "canslew", &c.CanSlewSync),
		device.ProbeField(s.Base, "canslewaltazasync", &c.CanSlewAltAz),
		device.ProbeField(s.Base, "cansettracking", &c.CanTrack),
	)
	if err != nil {
		return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", s.Name(), err)
	}
	return c, nil
}

// Status reads every field of the mount concurrently.
func (s *Telescope) Status(ctx context.Context) Status {
	st := Status{
		Altitude:       math.NaN(),
		Azimuth:        math.NaN(),
		RightAscension: math.NaN(),
		Declination:    math.NaN(),
		SiderealTime:   math.NaN(),
	}
	if !s.IsConnected() {
		return st
	}
	st.Connected = true

	caps, err := s.Capabilities(ctx)
	if err != nil {
		s.Logger().Warnf("Status without capabilities: %v", err)
	}

	reads := []func(context.Context) error{
		device.Field(s.Base, "altitude", &st.Altitude),
		device.Field(s.Base, "azimuth", &st.Azimuth),
		device.Field(s.Base, "rightascension", &st.RightAscension),
		device.Field(s.Base, "declination", &st.Declination),
		device.Field(s.Base, "siderealtime", &st.SiderealTime),
		device.Field(s.Base, "slewing", &st.Slewing),
	}
	if caps.CanFindHome {
		reads = append(reads, device.Field(s.Base, "athome", &st.AtHome))
	}
	if caps.CanPark {
		reads = append(reads, device.Field(s.Base, "atpark", &st.Parked))
	}
	if caps.CanTrack {
		reads = append(reads, device.Field(s.Base, "tracking", &st.Tracking))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		s.Logger().Warnf("Degraded status: %v", err)
	}
	return st
}

func (s *Telescope) IsParked(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, s.Base, "atpark")
}

func (s *Telescope) IsAtHome(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, s.Base, "athome")
}

func (s *Telescope) IsSlewing(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, s.Base, "slewing")
}

func (s *Telescope) IsTracking(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, s.Base, "tracking")
}

// require fetches the capabilities and fails with ErrUnsupported when has
// reports the feature missing. Nothing is sent to the device in that case.
func (s *Telescope) require(ctx context.Context, op string, has func(Capabilities) bool) error {
	if err := s.CheckActuation(); err != nil {
		return err
	}
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !has(caps) {
		return device.Unsupported(s.Name(), op)
	}
	return nil
}

func (s *Telescope) slewDone(ctx context.Context) (bool, error) {
	slewing, err := s.IsSlewing(ctx)
	return !slewing, err
}

// Park moves the mount to its park position. It completes once the mount
// reports parked.
func (s *Telescope) Park(ctx context.Context) (*device.Action, error) {
	if err := s.require(ctx, "park", func(c Capabilities) bool { return c.CanPark }); err != nil {
		return nil, err
	}
	if parked, err := s.IsParked(ctx); err == nil && parked {
		return s.Completed("park"), nil
	}
	return s.Start(ctx, "park", nil, func(ctx context.Context) (bool, error) {
		if done, err := s.slewDone(ctx); err != nil || !done {
			return false, err
		}
		return s.IsParked(ctx)
	})
}

func (s *Telescope) Unpark(ctx context.Context) (*device.Action, error) {
	if err := s.require(ctx, "unpark", func(c Capabilities) bool { return c.CanUnpark }); err != nil {
		return nil, err
	}
	if parked, err := s.IsParked(ctx); err == nil && !parked {
		return s.Completed("unpark"), nil
	}
	return s.Start(ctx, "unpark", nil, func(ctx context.Context) (bool, error) {
		parked, err := s.IsParked(ctx)
		return !parked, err
	})
}

func (s *Telescope) FindHome(ctx context.Context) (*device.Action, error) {
	if err := s.require(ctx, "findhome", func(c Capabilities) bool { return c.CanFindHome }); err != nil {
		return nil, err
	}
	return s.Start(ctx, "findhome", nil, func(ctx context.Context) (bool, error) {
		if done, err := s.slewDone(ctx); err != nil || !done {
			return false, err
		}
		return s.IsAtHome(ctx)
	})
}

// SlewToCoords slews to equatorial coordinates: ra in hours, dec in degrees.
func (s *Telescope) SlewToCoords(ctx context.Context, ra, dec float64) (*device.Action, error) {
	if ra < 0 || ra >= 24 {
		return nil, device.InvalidArgument("right ascension %f outside [0, 24)", ra)
	}
	if dec < -90 || dec > 90 {
		return nil, device.InvalidArgument("declination %f outside [-90, 90]", dec)
	}
	if err := s.require(ctx, "slewtocoordinatesasync", func(c Capabilities) bool { return c.CanSlew }); err != nil {
		return nil, err
	}
	params := url.Values{
		"RightAscension": {device.Float(ra)},
		"Declination":    {device.Float(dec)},
	}
	return s.Start(ctx, "slewtocoordinatesasync", params, s.slewDone)
}

// SlewToAltAz slews to horizontal coordinates in degrees. Tracking must be
// off.
func (s *Telescope) SlewToAltAz(ctx context.Context, alt, az float64) (*device.Action, error) {
	if alt < -90 || alt > 90 {
		return nil, device.InvalidArgument("altitude %f outside [-90, 90]", alt)
	}
	if err := s.require(ctx, "slewtoaltazasync", func(c Capabilities) bool { return c.CanSlewAltAz }); err != nil {
		return nil, err
	}
	params := url.Values{
		"Altitude": {device.Float(alt)},
		"Azimuth":  {device.Float(normalizeAngle(az))},
	}
	return s.Start(ctx, "slewtoaltazasync", params, s.slewDone)
}

// SlewRelative moves the mount by degrees in one direction from its current
// horizontal position.
func (s *Telescope) SlewRelative(ctx context.Context, dir Direction, degrees float64) (*device.Action, error) {
	if err := s.CheckActuation(); err != nil {
		return nil, err
	}
	var alt, az float64
	err := device.Gather(ctx,
		device.Field(s.Base, "altitude", &alt),
		device.Field(s.Base, "azimuth", &az),
	)
	if err != nil {
		return nil, err
	}

	switch dir {
	case North:
		alt += degrees
	case South:
		alt -= degrees
	case East:
		az += degrees
	case West:
		az -= degrees
	default:
		return nil, device.InvalidArgument("unknown direction %q", dir)
	}
	return s.SlewToAltAz(ctx, math.Max(-90, math.Min(90, alt)), az)
}

// AbortSlew stops a slew in progress. It is sent only while the mount is
// slewing and is allowed while the observatory is halted.
func (s *Telescope) AbortSlew(ctx context.Context) error {
	if err := s.CheckConnected(); err != nil {
		return err
	}
	slewing, err := s.IsSlewing(ctx)
	if err != nil {
		return err
	}
	if !slewing {
		return nil
	}
	return s.Stop(ctx, "abortslew")
}

// SetTracking enables or disables sidereal tracking.
func (s *Telescope) SetTracking(ctx context.Context, enabled bool) error {
	if err := s.require(ctx, "tracking", func(c Capabilities) bool { return c.CanTrack }); err != nil {
		return err
	}
	return s.Command(ctx, "tracking", url.Values{"Tracking": {device.Bool(enabled)}})
}

func normalizeAngle(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}
