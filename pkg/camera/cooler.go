package camera

import (
	"context"
	"errors"
	"math"
	"net/url"
	"time"

	"observatory/pkg/device"
)

// StableTolerance is how close to its setpoint the sensor must be to count
// as stable, in °C.
const StableTolerance = 1.1

// stable reports whether current is within StableTolerance of target. The
// bound is strict in decimal terms: readings 1.1 apart are not stable.
func stable(current, target float64) bool {
	return math.Abs(current-target) < StableTolerance-1e-9
}

type CoolerStatus int

const (
	CoolerOff CoolerStatus = iota
	CoolerCoolingDown
	CoolerWarmingUp
	CoolerActive
	CoolerStable
	CoolerSaturated
	CoolerError
)

var coolerNames = map[CoolerStatus]string{
	CoolerOff:         "Off",
	CoolerCoolingDown: "Cooling down",
	CoolerWarmingUp:   "Warming up",
	CoolerActive:      "Active",
	CoolerStable:      "Stable",
	CoolerSaturated:   "Saturated",
	CoolerError:       "Error",
}

func (s CoolerStatus) String() string {
	if name, ok := coolerNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s CoolerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// coolerReading holds the raw values the cooler status is derived from.
// Power is NaN when the camera does not report it.
type coolerReading struct {
	On      bool
	Power   float64
	Current float64
	Target  float64
}

// deriveCoolerStatus maps a reading to a status. ramping is the direction of
// a ramp in progress, CoolerActive when there is none.
func deriveCoolerStatus(r coolerReading, threshold float64, ramping CoolerStatus) CoolerStatus {
	switch {
	case !r.On:
		return CoolerOff
	case !math.IsNaN(r.Power) && r.Power > threshold:
		return CoolerSaturated
	case stable(r.Current, r.Target):
		return CoolerStable
	default:
		return ramping
	}
}

// CoolerStatus derives the cooler state from the cooler switch, power and
// temperatures. Any failed read yields CoolerError.
func (c *Camera) CoolerStatus(ctx context.Context) CoolerStatus {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return CoolerError
	}
	if !caps.CanSetCoolerTemp {
		return CoolerOff
	}

	r := coolerReading{Power: math.NaN()}
	reads := []func(context.Context) error{
		device.Field(c.Base, "cooleron", &r.On),
		device.Field(c.Base, "ccdtemperature", &r.Current),
		device.Field(c.Base, "setccdtemperature", &r.Target),
	}
	if caps.CanGetCoolerPower {
		reads = append(reads, device.Field(c.Base, "coolerpower", &r.Power))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		c.Logger().Debugf("Cannot derive cooler status: %v", err)
		return CoolerError
	}
	return deriveCoolerStatus(r, c.config.SaturationThreshold, c.rampDirection())
}

// SetCooler switches the cooler on or off.
func (c *Camera) SetCooler(ctx context.Context, on bool) error {
	if _, err := c.require(ctx, "cooleron", func(caps Capabilities) bool { return caps.CanSetCoolerTemp }); err != nil {
		return err
	}
	return c.Command(ctx, "cooleron", url.Values{"CoolerOn": {device.Bool(on)}})
}

// SetTargetTemp sets the cooler setpoint directly, without ramping.
func (c *Camera) SetTargetTemp(ctx context.Context, target float64) error {
	if _, err := c.require(ctx, "setccdtemperature", func(caps Capabilities) bool { return caps.CanSetCoolerTemp }); err != nil {
		return err
	}
	return c.Command(ctx, "setccdtemperature", url.Values{"SetCCDTemperature": {device.Float(target)}})
}

// ramp is a temperature ramp running in the background.
type ramp struct {
	direction CoolerStatus
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (c *Camera) rampDirection() CoolerStatus {
	c.rampMu.Lock()
	defer c.rampMu.Unlock()
	if c.ramp == nil {
		return CoolerActive
	}
	select {
	case <-c.ramp.done:
		return CoolerActive
	default:
		return c.ramp.direction
	}
}

// Cooldown ramps the sensor down to target at no more than the configured
// cooldown rate. The ramp stops early when the cooler saturates without
// making progress.
func (c *Camera) Cooldown(ctx context.Context, target float64) (*device.Action, error) {
	if _, err := c.require(ctx, "cooldown", func(caps Capabilities) bool { return caps.CanSetCoolerTemp }); err != nil {
		return nil, err
	}
	if on, err := c.IsCoolerOn(ctx); err != nil {
		return nil, err
	} else if !on {
		if err := c.SetCooler(ctx, true); err != nil {
			return nil, err
		}
	}
	return c.startRamp("cooldown", CoolerCoolingDown, target, c.config.MaxCooldownRate), nil
}

// Warmup ramps the sensor up to target at no more than the configured
// warmup rate.
func (c *Camera) Warmup(ctx context.Context, target float64) (*device.Action, error) {
	if _, err := c.require(ctx, "warmup", func(caps Capabilities) bool { return caps.CanSetCoolerTemp }); err != nil {
		return nil, err
	}
	return c.startRamp("warmup", CoolerWarmingUp, target, c.config.MaxWarmupRate), nil
}

// WarmupToAmbient warms the sensor up to the heat sink temperature, or to the
// configured default ambient when the camera does not report it.
func (c *Camera) WarmupToAmbient(ctx context.Context) (*device.Action, error) {
	if err := c.CheckActuation(); err != nil {
		return nil, err
	}
	ambient, err := c.AmbientTemperature(ctx)
	if err != nil {
		c.Logger().Debugf("No heat sink temperature, warming up to %.1f°C: %v", c.config.DefaultAmbient, err)
		ambient = c.config.DefaultAmbient
	}
	return c.Warmup(ctx, ambient)
}

// CancelRamp stops the ramp in progress, if any, and waits for it to exit.
func (c *Camera) CancelRamp() {
	c.rampMu.Lock()
	defer c.rampMu.Unlock()
	c.stopRampLocked()
}

func (c *Camera) stopRampLocked() {
	if c.ramp == nil {
		return
	}
	c.ramp.cancel()
	<-c.ramp.done
	c.ramp = nil
}

// startRamp cancels the ramp in progress and starts a new one. The ramp runs
// detached from the caller's context; the returned Action completes when it
// ends.
func (c *Camera) startRamp(operation string, direction CoolerStatus, target, rate float64) *device.Action {
	c.rampMu.Lock()
	defer c.rampMu.Unlock()
	c.stopRampLocked()

	ctx, cancel := context.WithCancel(context.Background())
	r := &ramp{
		direction: direction,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.ramp = r

	c.Logger().Infof("Starting %s to %.1f°C at %.1f°C/min", operation, target, rate)
	go func() {
		defer close(r.done)
		defer cancel()
		r.err = c.runRamp(ctx, direction == CoolerCoolingDown, target, rate)
		if r.err != nil && ctx.Err() != nil {
			r.err = ctx.Err()
		}
		switch {
		case errors.Is(r.err, context.Canceled):
			c.Logger().Infof("%s to %.1f°C cancelled", operation, target)
		case r.err != nil:
			c.Logger().Errorf("%s to %.1f°C failed: %v", operation, target, r.err)
		default:
			c.Logger().Infof("%s to %.1f°C finished", operation, target)
		}
	}()

	return c.Track(operation, func(ctx context.Context) (bool, error) {
		select {
		case <-r.done:
			return true, r.err
		default:
			return false, nil
		}
	})
}

// runRamp moves the setpoint toward target one step per interval. A step is
// rate × interval away from the current reading, never past the target.
func (c *Camera) runRamp(ctx context.Context, cooling bool, target, rate float64) error {
	interval := c.config.RampInterval
	step := rate * interval.Minutes()
	minProgress := c.config.MinCooldownRate * interval.Minutes()

	current, err := c.Temperature(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !stable(current, target) {
		var next float64
		if cooling {
			next = math.Max(target, current-step)
		} else {
			next = math.Min(target, current+step)
		}
		params := url.Values{"SetCCDTemperature": {device.Float(next)}}
		if err := c.Command(ctx, "setccdtemperature", params); err != nil {
			return err
		}
		c.Logger().Debugf("Setpoint %.2f°C (sensor %.2f°C, target %.2f°C)", next, current, target)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		previous := current
		if current, err = c.Temperature(ctx); err != nil {
			return err
		}

		if cooling && previous-current < minProgress {
			power, err := c.CoolerPower(ctx)
			if err == nil && power > c.config.SaturationThreshold {
				c.Logger().Warnf("Cooler saturated at %.1f%% power, stopping cooldown at %.2f°C", power, current)
				return nil
			}
		}
	}
	return nil
}

// RampDone returns an Action tracking the ramp in progress, or a completed
// Action when there is none.
func (c *Camera) RampDone() *device.Action {
	c.rampMu.Lock()
	r := c.ramp
	c.rampMu.Unlock()
	if r == nil {
		return c.Completed("ramp")
	}
	return c.Track("ramp", func(context.Context) (bool, error) {
		select {
		case <-r.done:
			return true, r.err
		default:
			return false, nil
		}
	})
}
