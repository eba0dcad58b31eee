// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/Dome%20Specific%20Methods

package dome

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
	CanFindHome    bool `json:"CanFindHome"`
	CanPark        bool `json:"CanPark"`
	CanSetAltitude bool `json:"CanSetAltitude"`
	CanSetAzimuth  bool `json:"CanSetAzimuth"`
	CanSetPark     bool `json:"CanSetPark"`
	CanSetShutter  bool `json:"CanSetShutter"`
	CanSlave       bool `json:"CanSlave"`
	CanSyncAzimuth bool `json:"CanSyncAzimuth"`
}

type ShutterStatus int

const (
	ShutterUnknown ShutterStatus = iota - 1
	ShutterOpen
	ShutterClosed
	ShutterOpening
	ShutterClosing
	ShutterError
)

var shutterNames = map[ShutterStatus]string{
	ShutterOpen:    "Open",
	ShutterClosed:  "Closed",
	ShutterOpening: "Opening",
	ShutterClosing: "Closing",
	ShutterError:   "Error",
}

func (s ShutterStatus) String() string {
	if name, ok := shutterNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s ShutterStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Moving reports whether the shutter is between positions.
func (s ShutterStatus) Moving() bool {
	return s == ShutterOpening || s == ShutterClosing
}

// Status is a snapshot of the dome. Shutter is the opening in percent, -1
// when unknown.
type Status struct {
	Connected     bool          `json:"connected"`
	Azimuth       float64       `json:"azimuth"`
	Altitude      float64       `json:"altitude"`
	Shutter       int           `json:"shutter"`
	ShutterStatus ShutterStatus `json:"shutterStatus"`
	AtHome        bool          `json:"atHome"`
	Parked        bool          `json:"parked"`
	Slewing       bool          `json:"slewing"`
	Slaved        bool          `json:"slaved"`
}

type Dome struct {
	*device.Base
	caps device.Cache[Capabilities]
}

func New(t device.Transport, config device.Config, logger log.FieldLogger) *Dome {
	d := &Dome{Base: device.NewBase(t, alpaca.Dome, config, logger)}
	d.OnConnect(d.caps.Reset)
	return d
}

// ShutterFraction converts a shutter altitude to the open fraction.
func ShutterFraction(altitude float64) float64 {
	return altitude / 90.0
}

// ShutterAltitude converts an open fraction to a shutter altitude in [0, 90].
func ShutterAltitude(fraction float64) float64 {
	return math.Max(0, math.Min(90, fraction*90.0))
}

func normalizeAngle(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}

func (d *Dome) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := d.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return d.caps.Get(ctx, func(ctx context.Context) (Capabilities, error) {
		var c Capabilities
		err := device.Gather(ctx,
			device.ProbeField(d.Base, "canfindhome", &c.CanFindHome),
			device.ProbeField(d.Base, "canpark", &c.CanPark),
			device.ProbeField(d.Base, "cansetaltitude", &c.CanSetAltitude),
			device.ProbeField(d.Base, "cansetazimuth", &c.CanSetAzimuth),
			device.ProbeField(d.Base, "cansetpark", &c.CanSetPark),
			device.ProbeField(d.Base, "cansetshutter", &c.CanSetShutter),
			device.ProbeField(d.Base, "canslave", &c.CanSlave),
			device.ProbeField(d.Base, "cansyncazimuth", &c.CanSyncAzimuth),
		)
		if err != nil {
			return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", d.Name(), err)
		}
		return c, nil
	})
}

func (d *Dome) Status(ctx context.Context) Status {
	st := Status{
		Azimuth:       math.NaN(),
		Altitude:      math.NaN(),
		Shutter:       -1,
		ShutterStatus: ShutterUnknown,
	}
	if !d.IsConnected() {
		return st
	}
	st.Connected = true

	caps, err := d.Capabilities(ctx)
	if err != nil {
		d.Logger().Warnf("Status without capabilities: %v", err)
	}

	reads := []func(context.Context) error{
		device.Field(d.Base, "azimuth", &st.Azimuth),
		device.Field(d.Base, "slewing", &st.Slewing),
	}
	if caps.CanSetShutter {
		reads = append(reads, device.Field(d.Base, "shutterstatus", &st.ShutterStatus))
	}
	if caps.CanSetAltitude {
		reads = append(reads, device.Field(d.Base, "altitude", &st.Altitude))
	}
	if caps.CanFindHome {
		reads = append(reads, device.Field(d.Base, "athome", &st.AtHome))
	}
	if caps.CanPark {
		reads = append(reads, device.Field(d.Base, "atpark", &st.Parked))
	}
	if caps.CanSlave {
		reads = append(reads, device.Field(d.Base, "slaved", &st.Slaved))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		d.Logger().Warnf("Degraded status: %v", err)
	}

	switch {
	case !math.IsNaN(st.Altitude):
		st.Shutter = int(math.Round(ShutterFraction(st.Altitude) * 100))
	case st.ShutterStatus == ShutterOpen:
		st.Shutter = 100
	case st.ShutterStatus == ShutterClosed:
		st.Shutter = 0
	}
	return st
}

func (d *Dome) ShutterStatus(ctx context.Context) (ShutterStatus, error) {
	return device.Read[ShutterStatus](ctx, d.Base, "shutterstatus")
}

func (d *Dome) IsParked(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, d.Base, "atpark")
}

func (d *Dome) IsAtHome(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, d.Base, "athome")
}

func (d *Dome) IsSlewing(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, d.Base, "slewing")
}

func (d *Dome) IsSlaved(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, d.Base, "slaved")
}

func (d *Dome) Azimuth(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, d.Base, "azimuth")
}

func (d *Dome) require(ctx context.Context, op string, has func(Capabilities) bool) error {
	if err := d.CheckActuation(); err != nil {
		return err
	}
	caps, err := d.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !has(caps) {
		return device.Unsupported(d.Name(), op)
	}
	return nil
}

func (d *Dome) slewDone(ctx context.Context) (bool, error) {
	slewing, err := d.IsSlewing(ctx)
	return !slewing, err
}

// shutterReached returns a DoneFunc waiting for the shutter to stop moving.
// A shutter that stops anywhere but want is an error.
func (d *Dome) shutterReached(want ShutterStatus) device.DoneFunc {
	return func(ctx context.Context) (bool, error) {
		status, err := d.ShutterStatus(ctx)
		if err != nil || status.Moving() {
			return false, err
		}
		if want != ShutterUnknown && status != want {
			return false, fmt.Errorf("%s: shutter stopped in state %s", d.Name(), status)
		}
		return true, nil
	}
}

func (d *Dome) setShutter(ctx context.Context, action string, want ShutterStatus) (*device.Action, error) {
	if err := d.require(ctx, action, func(c Capabilities) bool { return c.CanSetShutter }); err != nil {
		return nil, err
	}
	if status, err := d.ShutterStatus(ctx); err == nil && status == want {
		return d.Completed(action), nil
	}
	return d.Start(ctx, action, nil, d.shutterReached(want))
}

func (d *Dome) OpenShutter(ctx context.Context) (*device.Action, error) {
	return d.setShutter(ctx, "openshutter", ShutterOpen)
}

func (d *Dome) CloseShutter(ctx context.Context) (*device.Action, error) {
	return d.setShutter(ctx, "closeshutter", ShutterClosed)
}

// SlewToAltitude moves the shutter to an altitude, clamped to [0, 90].
func (d *Dome) SlewToAltitude(ctx context.Context, altitude float64) (*device.Action, error) {
	if err := d.require(ctx, "slewtoaltitude", func(c Capabilities) bool { return c.CanSetAltitude }); err != nil {
		return nil, err
	}
	altitude = math.Max(0, math.Min(90, altitude))
	params := url.Values{"Altitude": {device.Float(altitude)}}
	return d.Start(ctx, "slewtoaltitude", params, d.shutterReached(ShutterUnknown))
}

// SetShutter opens the shutter to a fraction between 0 (closed) and 1.
func (d *Dome) SetShutter(ctx context.Context, fraction float64) (*device.Action, error) {
	return d.SlewToAltitude(ctx, ShutterAltitude(fraction))
}

// SetShutterRelative opens or closes the shutter by a fraction of its
// travel.
func (d *Dome) SetShutterRelative(ctx context.Context, delta float64) (*device.Action, error) {
	if err := d.CheckActuation(); err != nil {
		return nil, err
	}
	altitude, err := device.Read[float64](ctx, d.Base, "altitude")
	if err != nil {
		return nil, err
	}
	return d.SetShutter(ctx, ShutterFraction(altitude)+delta)
}

// SlewToAzimuth rotates the dome. The azimuth is normalized to [0, 360).
func (d *Dome) SlewToAzimuth(ctx context.Context, azimuth float64) (*device.Action, error) {
	if err := d.require(ctx, "slewtoazimuth", func(c Capabilities) bool { return c.CanSetAzimuth }); err != nil {
		return nil, err
	}
	params := url.Values{"Azimuth": {device.Float(normalizeAngle(azimuth))}}
	return d.Start(ctx, "slewtoazimuth", params, d.slewDone)
}

// SlewRelative rotates the dome by degrees, clockwise when positive.
func (d *Dome) SlewRelative(ctx context.Context, degrees float64) (*device.Action, error) {
	if err := d.CheckActuation(); err != nil {
		return nil, err
	}
	azimuth, err := d.Azimuth(ctx)
	if err != nil {
		return nil, err
	}
	return d.SlewToAzimuth(ctx, azimuth+degrees)
}

func (d *Dome) SyncToAzimuth(ctx context.Context, azimuth float64) error {
	if err := d.require(ctx, "synctoazimuth", func(c Capabilities) bool { return c.CanSyncAzimuth }); err != nil {
		return err
	}
	return d.Command(ctx, "synctoazimuth", url.Values{"Azimuth": {device.Float(normalizeAngle(azimuth))}})
}

// SetSlaved makes the dome follow the telescope, or stops it doing so.
func (d *Dome) SetSlaved(ctx context.Context, slaved bool) error {
	if err := d.require(ctx, "slaved", func(c Capabilities) bool { return c.CanSlave }); err != nil {
		return err
	}
	return d.Command(ctx, "slaved", url.Values{"Slaved": {device.Bool(slaved)}})
}

// Halt stops every dome and shutter motion. It is sent unconditionally and
// is allowed while the observatory is halted.
func (d *Dome) Halt(ctx context.Context) error {
	return d.Stop(ctx, "abortslew")
}

func (d *Dome) Park(ctx context.Context) (*device.Action, error) {
	if err := d.require(ctx, "park", func(c Capabilities) bool { return c.CanPark }); err != nil {
		return nil, err
	}
	if parked, err := d.IsParked(ctx); err == nil && parked {
		return d.Completed("park"), nil
	}
	return d.Start(ctx, "park", nil, func(ctx context.Context) (bool, error) {
		if done, err := d.slewDone(ctx); err != nil || !done {
			return false, err
		}
		return d.IsParked(ctx)
	})
}

// Unpark leaves the park position by finding home. Domes without a home
// switch have nothing to do.
func (d *Dome) Unpark(ctx context.Context) (*device.Action, error) {
	if err := d.CheckActuation(); err != nil {
		return nil, err
	}
	caps, err := d.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	if !caps.CanFindHome {
		return d.Completed("unpark"), nil
	}
	return d.FindHome(ctx)
}

func (d *Dome) FindHome(ctx context.Context) (*device.Action, error) {
	if err := d.require(ctx, "findhome", func(c Capabilities) bool { return c.CanFindHome }); err != nil {
		return nil, err
	}
	return d.Start(ctx, "findhome", nil, func(ctx context.Context) (bool, error) {
		if done, err := d.slewDone(ctx); err != nil || !done {
			return false, err
		}
		return d.IsAtHome(ctx)
	})
}

// SetPark stores the current azimuth as the park position.
func (d *Dome) SetPark(ctx context.Context) error {
	if err := d.require(ctx, "setpark", func(c Capabilities) bool { return c.CanSetPark }); err != nil {
		return err
	}
	return d.Command(ctx, "setpark", nil)
}
