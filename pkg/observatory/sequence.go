package observatory

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"observatory/pkg/camera"
	"observatory/pkg/device"
	"observatory/pkg/dome"
	"observatory/pkg/telescope"
)

func (o *Observatory) allConnected() bool {
	for _, s := range o.devices.services() {
		if !s.IsConnected() {
			return false
		}
	}
	return true
}

func each(ctx context.Context, services []service, fn func(context.Context, service) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range services {
		g.Go(func() error {
			return fn(ctx, s)
		})
	}
	return g.Wait()
}

// ConnectAll connects every device concurrently. Once all are connected an
// Off observatory becomes Idle; a halted one stays halted.
func (o *Observatory) ConnectAll(ctx context.Context) error {
	err := each(ctx, o.devices.services(), func(ctx context.Context, s service) error {
		return s.Connect(ctx)
	})
	if err != nil {
		return err
	}
	return o.transition(ctx, "connected", func(cur Snapshot) (Snapshot, error) {
		if cur.State != Off {
			return cur, nil
		}
		return Snapshot{State: Idle}, nil
	})
}

// DisconnectAll disconnects every device concurrently and turns the
// observatory Off. A halted observatory stays halted.
func (o *Observatory) DisconnectAll(ctx context.Context) error {
	return o.disconnect(ctx, o.devices.services())
}

// DisconnectAllExceptWeather disconnects everything but the weather station,
// which keeps reporting conditions.
func (o *Observatory) DisconnectAllExceptWeather(ctx context.Context) error {
	d := o.devices
	return o.disconnect(ctx, []service{d.Telescope, d.Dome, d.Camera, d.FilterWheel, d.Focuser})
}

func (o *Observatory) disconnect(ctx context.Context, services []service) error {
	o.devices.Camera.CancelRamp()
	err := each(ctx, services, func(ctx context.Context, s service) error {
		return s.Disconnect(ctx)
	})
	if err != nil {
		return err
	}
	return o.transition(ctx, "disconnected", func(cur Snapshot) (Snapshot, error) {
		if cur.State == Error {
			return cur, nil
		}
		return Snapshot{State: Off}, nil
	})
}

type capabilities struct {
	telescope telescope.Capabilities
	dome      dome.Capabilities
	camera    camera.Capabilities
}

func (o *Observatory) capabilities(ctx context.Context) (capabilities, error) {
	var c capabilities
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		c.telescope, err = o.devices.Telescope.Capabilities(ctx)
		return err
	})
	g.Go(func() (err error) {
		c.dome, err = o.devices.Dome.Capabilities(ctx)
		return err
	})
	g.Go(func() (err error) {
		c.camera, err = o.devices.Camera.Capabilities(ctx)
		return err
	})
	return c, g.Wait()
}

// await starts an action and waits for it to finish.
func (o *Observatory) await(ctx context.Context, start func(context.Context) (*device.Action, error)) error {
	a, err := start(ctx)
	if err != nil {
		return err
	}
	return a.Await(ctx, o.config.ActionTimeout)
}

// Start readies the observatory for the night. The telescope, dome and
// camera are prepared concurrently; the steps for one device run in order
// and a failed step ends that device's sequence. Only the steps a device
// supports are done.
func (o *Observatory) Start(ctx context.Context) error {
	if err := o.CheckActuation(); err != nil {
		return err
	}
	caps, err := o.capabilities(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("Starting observatory")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.startTelescope(ctx, caps.telescope)
	})
	g.Go(func() error {
		return o.startDome(ctx, caps.dome)
	})
	g.Go(func() error {
		return o.startCamera(ctx, caps.camera)
	})
	if err := g.Wait(); err != nil {
		o.logger.Errorf("Start failed: %v", err)
		return fmt.Errorf("cannot start observatory: %w", err)
	}
	o.logger.Info("Observatory started")
	return nil
}

func (o *Observatory) startTelescope(ctx context.Context, caps telescope.Capabilities) error {
	t := o.devices.Telescope
	if caps.CanUnpark {
		if err := o.await(ctx, t.Unpark); err != nil {
			return err
		}
	}
	if caps.CanTrack {
		if err := t.SetTracking(ctx, false); err != nil {
			return err
		}
	}
	if caps.CanFindHome {
		return o.await(ctx, t.FindHome)
	}
	return nil
}

// startDome unslaves the dome, unparks it by finding home and slaves it
// again. Homing while slaved is refused by drivers.
func (o *Observatory) startDome(ctx context.Context, caps dome.Capabilities) error {
	d := o.devices.Dome
	if caps.CanSlave {
		if err := d.SetSlaved(ctx, false); err != nil {
			return err
		}
	}
	if err := o.await(ctx, d.Unpark); err != nil {
		return err
	}
	if caps.CanSlave {
		return d.SetSlaved(ctx, true)
	}
	return nil
}

// startCamera switches the cooler on and leaves the cooldown running.
func (o *Observatory) startCamera(ctx context.Context, caps camera.Capabilities) error {
	if !caps.CanSetCoolerTemp {
		return nil
	}
	c := o.devices.Camera
	if err := c.SetCooler(ctx, true); err != nil {
		return err
	}
	_, err := c.Cooldown(ctx, o.config.CoolerTarget)
	return err
}

// Stop secures the observatory: the telescope stops and parks, the dome
// stops, closes and parks, and the camera warms up before its cooler is
// switched off. Devices are handled concurrently, the steps of one device
// in order.
func (o *Observatory) Stop(ctx context.Context) error {
	if err := o.CheckActuation(); err != nil {
		return err
	}
	caps, err := o.capabilities(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("Stopping observatory")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.stopTelescope(ctx, caps.telescope)
	})
	g.Go(func() error {
		return o.stopDome(ctx, caps.dome)
	})
	g.Go(func() error {
		return o.stopCamera(ctx, caps.camera)
	})
	if err := g.Wait(); err != nil {
		o.logger.Errorf("Stop failed: %v", err)
		return fmt.Errorf("cannot stop observatory: %w", err)
	}
	o.logger.Info("Observatory stopped")
	return nil
}

func (o *Observatory) stopTelescope(ctx context.Context, caps telescope.Capabilities) error {
	t := o.devices.Telescope
	if caps.CanTrack {
		if err := t.SetTracking(ctx, false); err != nil {
			return err
		}
	}
	if err := t.AbortSlew(ctx); err != nil {
		return err
	}
	if caps.CanPark {
		return o.await(ctx, t.Park)
	}
	return nil
}

func (o *Observatory) stopDome(ctx context.Context, caps dome.Capabilities) error {
	d := o.devices.Dome
	if caps.CanSlave {
		if err := d.SetSlaved(ctx, false); err != nil {
			return err
		}
	}
	if err := d.Halt(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if caps.CanSetShutter {
		g.Go(func() error {
			return o.await(ctx, d.CloseShutter)
		})
	}
	if caps.CanPark {
		g.Go(func() error {
			return o.await(ctx, d.Park)
		})
	}
	return g.Wait()
}

func (o *Observatory) stopCamera(ctx context.Context, caps camera.Capabilities) error {
	if !caps.CanSetCoolerTemp {
		return nil
	}
	c := o.devices.Camera
	a, err := c.WarmupToAmbient(ctx)
	if err != nil {
		return err
	}
	if err := a.Await(ctx, o.config.WarmupTimeout); err != nil {
		c.CancelRamp()
		return err
	}
	return c.SetCooler(ctx, false)
}
