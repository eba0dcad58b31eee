package observatory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"observatory/pkg/camera"
	"observatory/pkg/device"
	"observatory/pkg/dome"
	"observatory/pkg/filterwheel"
	"observatory/pkg/focuser"
	"observatory/pkg/telescope"
	"observatory/pkg/weather"
)

// ErrUnauthorized is returned when control is released by someone who does
// not hold it.
var ErrUnauthorized = errors.New("unauthorized")

// EventPublisher is told about every state transition.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e Event) error
}

// StateRecorder persists the latest snapshot so that a halted observatory
// stays halted across restarts.
type StateRecorder interface {
	SaveState(s Snapshot) error
	// LoadState returns false when nothing was saved yet.
	LoadState() (Snapshot, bool, error)
}

type Config struct {
	// CoolerTarget is the sensor temperature Start cools the camera to.
	CoolerTarget float64 `yaml:"cooler_target"`
	// ActionTimeout bounds each awaited park, home or shutter motion. Zero
	// uses the device response timeout.
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// WarmupTimeout bounds the camera warmup done by Stop.
	WarmupTimeout time.Duration `yaml:"warmup_timeout"`
	// SafetyInterval is how often Supervise checks the weather.
	SafetyInterval time.Duration `yaml:"safety_interval"`
	// IgnoreWeather starts the observatory with the safety override on.
	IgnoreWeather bool `yaml:"ignore_weather"`
}

var DefaultConfig = Config{
	CoolerTarget:   -10,
	WarmupTimeout:  30 * time.Minute,
	SafetyInterval: 30 * time.Second,
}

// Devices are the six services the observatory coordinates.
type Devices struct {
	Telescope   *telescope.Telescope
	Dome        *dome.Dome
	Camera      *camera.Camera
	FilterWheel *filterwheel.FilterWheel
	Focuser     *focuser.Focuser
	Weather     *weather.Station
}

// service is what the observatory needs from every device to connect it.
type service interface {
	Name() string
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetGate(g device.Gate)
}

func (d Devices) services() []service {
	return []service{d.Telescope, d.Dome, d.Camera, d.FilterWheel, d.Focuser, d.Weather}
}

func (d Devices) validate() error {
	switch {
	case d.Telescope == nil:
		return errors.New("no telescope")
	case d.Dome == nil:
		return errors.New("no dome")
	case d.Camera == nil:
		return errors.New("no camera")
	case d.FilterWheel == nil:
		return errors.New("no filter wheel")
	case d.Focuser == nil:
		return errors.New("no focuser")
	case d.Weather == nil:
		return errors.New("no weather station")
	}
	return nil
}

// Observatory sequences the devices and owns the control state machine.
type Observatory struct {
	devices   Devices
	config    Config
	logger    log.FieldLogger
	publisher EventPublisher
	recorder  StateRecorder

	state        atomic.Pointer[Snapshot]
	safeOverride atomic.Bool
	// secured is set once Stop ran for the current spell of bad weather.
	secured atomic.Bool
}

var _ device.Gate = (*Observatory)(nil)

// New creates an observatory in the Off state and installs it as the
// actuation gate of every device. A halted state saved by recorder is
// restored. publisher and recorder may be nil.
func New(devices Devices, config Config, publisher EventPublisher, recorder StateRecorder, logger log.FieldLogger) (*Observatory, error) {
	if err := devices.validate(); err != nil {
		return nil, fmt.Errorf("invalid observatory: %w", err)
	}
	o := &Observatory{
		devices:   devices,
		config:    config,
		logger:    logger.WithField("component", "observatory"),
		publisher: publisher,
		recorder:  recorder,
	}

	initial := &Snapshot{State: Off}
	if recorder != nil {
		saved, ok, err := recorder.LoadState()
		if err != nil {
			return nil, fmt.Errorf("cannot restore observatory state: %w", err)
		}
		if ok && saved.State == Error {
			o.logger.Warn("Observatory was halted, it stays in ERROR until reset")
			initial = &Snapshot{State: Error}
		}
	}
	o.state.Store(initial)
	o.safeOverride.Store(config.IgnoreWeather)

	for _, s := range devices.services() {
		s.SetGate(o)
	}
	return o, nil
}

func (o *Observatory) Devices() Devices {
	return o.devices
}

func (o *Observatory) Snapshot() Snapshot {
	return *o.state.Load()
}

func (o *Observatory) State() State {
	return o.state.Load().State
}

// CurrentOperator returns the operator in control, if any.
func (o *Observatory) CurrentOperator() (Operator, bool) {
	s := o.state.Load()
	if s.State != Manual || s.Operator == nil {
		return Operator{}, false
	}
	return *s.Operator, true
}

// CurrentJob returns the running job, if any.
func (o *Observatory) CurrentJob() (Job, bool) {
	s := o.state.Load()
	if s.State != Auto || s.Job == nil {
		return Job{}, false
	}
	return *s.Job, true
}

// CheckActuation refuses every device actuation while the observatory is
// Off or halted.
func (o *Observatory) CheckActuation() error {
	switch state := o.State(); state {
	case Off, Error:
		return fmt.Errorf("%w: observatory is %s", device.ErrIllegalState, state)
	}
	return nil
}

// transition atomically replaces the snapshot with next applied to the
// current one. next refuses the transition by returning an error, in which
// case nothing changes.
func (o *Observatory) transition(ctx context.Context, reason string, next func(cur Snapshot) (Snapshot, error)) error {
	for {
		cur := o.state.Load()
		n, err := next(*cur)
		if err != nil {
			return err
		}
		if o.state.CompareAndSwap(cur, &n) {
			o.changed(ctx, *cur, n, reason)
			return nil
		}
	}
}

func (o *Observatory) changed(ctx context.Context, prev, cur Snapshot, reason string) {
	if prev.State == cur.State && prev.Operator == cur.Operator && prev.Job == cur.Job {
		return
	}
	o.logger.WithField("reason", reason).Infof("Observatory %s -> %s", prev.State, cur.State)

	if o.recorder != nil {
		if err := o.recorder.SaveState(cur); err != nil {
			o.logger.Errorf("Cannot save observatory state: %v", err)
		}
	}
	if o.publisher != nil {
		e := Event{Time: time.Now().UTC(), Previous: prev.State, Reason: reason, Snapshot: cur}
		if err := o.publisher.PublishEvent(ctx, e); err != nil {
			o.logger.Warnf("Cannot publish state change: %v", err)
		}
	}
}

func illegal(cur Snapshot, op string) error {
	return fmt.Errorf("%w: cannot %s while observatory is %s", device.ErrIllegalState, op, cur.State)
}

// TakeControl gives op manual control. It succeeds when the observatory is
// Idle. With force, any operator or job is displaced; a halted or
// disconnected observatory still refuses.
func (o *Observatory) TakeControl(ctx context.Context, op Operator, force bool) error {
	return o.transition(ctx, "take control: "+op.String(), func(cur Snapshot) (Snapshot, error) {
		switch cur.State {
		case Idle:
		case Manual:
			if !force {
				return cur, fmt.Errorf("%w: observatory is controlled by %s", device.ErrIllegalState, cur.Operator)
			}
		case Auto:
			if !force {
				return cur, fmt.Errorf("%w: job %s is running", device.ErrIllegalState, cur.Job.Name)
			}
		default:
			return cur, illegal(cur, "take control")
		}
		return Snapshot{State: Manual, Operator: &op}, nil
	})
}

// ReleaseControl gives up the control op holds.
func (o *Observatory) ReleaseControl(ctx context.Context, op Operator) error {
	return o.transition(ctx, "release control: "+op.String(), func(cur Snapshot) (Snapshot, error) {
		if cur.State != Manual || cur.Operator == nil || cur.Operator.ID != op.ID {
			return cur, fmt.Errorf("%w: %s does not control the observatory", ErrUnauthorized, op)
		}
		return Snapshot{State: Idle}, nil
	})
}

// StartJob marks job as running. The observatory must be Idle.
func (o *Observatory) StartJob(ctx context.Context, job Job) error {
	return o.transition(ctx, "start job: "+job.Name, func(cur Snapshot) (Snapshot, error) {
		if cur.State != Idle {
			return cur, illegal(cur, "start a job")
		}
		return Snapshot{State: Auto, Job: &job}, nil
	})
}

// CompleteJob marks the running job as finished.
func (o *Observatory) CompleteJob(ctx context.Context, id uuid.UUID) error {
	return o.transition(ctx, "complete job", func(cur Snapshot) (Snapshot, error) {
		if cur.State != Auto {
			return cur, illegal(cur, "complete a job")
		}
		if cur.Job.ID != id {
			return cur, fmt.Errorf("%w: job %s is not running", device.ErrIllegalState, id)
		}
		return Snapshot{State: Idle}, nil
	})
}

// AbortJob abandons the running job and aborts the exposure in progress.
func (o *Observatory) AbortJob(ctx context.Context) error {
	err := o.transition(ctx, "abort job", func(cur Snapshot) (Snapshot, error) {
		if cur.State != Auto {
			return cur, illegal(cur, "abort a job")
		}
		return Snapshot{State: Idle}, nil
	})
	if err != nil {
		return err
	}
	if err := o.devices.Camera.AbortExposure(ctx); err != nil && !errors.Is(err, device.ErrUnsupported) {
		o.logger.Warnf("Cannot abort exposure: %v", err)
	}
	return nil
}

// Halt puts the observatory in Error and stops every motion it can. It
// never fails: device errors are logged.
func (o *Observatory) Halt(ctx context.Context) {
	_ = o.transition(ctx, "halt", func(Snapshot) (Snapshot, error) {
		return Snapshot{State: Error}, nil
	})

	d := o.devices
	stops := map[string]func(context.Context) error{
		d.Telescope.Name(): d.Telescope.AbortSlew,
		d.Dome.Name():      d.Dome.Halt,
		d.Focuser.Name():   d.Focuser.Halt,
		d.Camera.Name(): func(ctx context.Context) error {
			d.Camera.CancelRamp()
			if err := d.Camera.AbortExposure(ctx); !errors.Is(err, device.ErrUnsupported) {
				return err
			}
			return nil
		},
	}
	connected := map[string]bool{
		d.Telescope.Name(): d.Telescope.IsConnected(),
		d.Dome.Name():      d.Dome.IsConnected(),
		d.Focuser.Name():   d.Focuser.IsConnected(),
		d.Camera.Name():    d.Camera.IsConnected(),
	}

	var g errgroup.Group
	for name, stop := range stops {
		if !connected[name] {
			continue
		}
		g.Go(func() error {
			if err := stop(ctx); err != nil {
				o.logger.Errorf("Cannot stop %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reset leaves the Error state once the hardware has been checked. The
// observatory becomes Idle, or Off when a device is not connected.
func (o *Observatory) Reset(ctx context.Context) error {
	next := Idle
	if !o.allConnected() {
		next = Off
	}
	return o.transition(ctx, "reset", func(cur Snapshot) (Snapshot, error) {
		if cur.State != Error {
			return cur, illegal(cur, "reset")
		}
		return Snapshot{State: next}, nil
	})
}
