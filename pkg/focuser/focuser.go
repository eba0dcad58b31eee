// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/Focuser%20Specific%20Methods

package focuser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/device"
)

// DefaultPositionTolerance is how many steps from the target a move may stop.
const DefaultPositionTolerance = 10

type Capabilities struct {
	Absolute     bool    `json:"absolute"`
	CanTempComp  bool    `json:"canTempComp"`
	MaxIncrement int     `json:"maxIncrement"`
	MaxStep      int     `json:"maxStep"`
	StepSize     float64 `json:"stepSize"`
}

type Status struct {
	Connected   bool    `json:"connected"`
	Position    int     `json:"position"`
	Temperature float64 `json:"temperature"`
	TempComp    bool    `json:"tempComp"`
	Moving      bool    `json:"moving"`
}

type Focuser struct {
	*device.Base
	tolerance int
	caps      device.Cache[Capabilities]

	mu     sync.Mutex
	motion *motion
}

// motion is a stepped move running in the background.
type motion struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func New(t device.Transport, config device.Config, tolerance int, logger log.FieldLogger) *Focuser {
	if tolerance < 0 {
		tolerance = DefaultPositionTolerance
	}
	f := &Focuser{
		Base:      device.NewBase(t, alpaca.Focuser, config, logger),
		tolerance: tolerance,
	}
	f.OnConnect(f.caps.Reset)
	return f
}

func (f *Focuser) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := f.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return f.caps.Get(ctx, f.fetchCapabilities)
}

func (f *Focuser) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	c := Capabilities{
		MaxIncrement: -1,
		MaxStep:      -1,
		StepSize:     -1,
	}
	err := device.Gather(ctx,
		device.ProbeField(f.Base, "absolute", &c.Absolute),
		device.ProbeField(f.Base, "tempcompavailable", &c.CanTempComp),
		device.Field(f.Base, "maxincrement", &c.MaxIncrement),
		device.Field(f.Base, "maxstep", &c.MaxStep),
		device.ProbeField(f.Base, "stepsize", &c.StepSize),
	)
	if err != nil {
		return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", f.Name(), err)
	}
	return c, nil
}

func (f *Focuser) Position(ctx context.Context) (int, error) {
	return device.Read[int](ctx, f.Base, "position")
}

func (f *Focuser) Temperature(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, f.Base, "temperature")
}

func (f *Focuser) IsMoving(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, f.Base, "ismoving")
}

func (f *Focuser) IsTempComp(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, f.Base, "tempcomp")
}

func (f *Focuser) Status(ctx context.Context) Status {
	st := Status{
		Position:    -1,
		Temperature: math.NaN(),
	}
	if !f.IsConnected() {
		return st
	}
	st.Connected = true

	caps, err := f.Capabilities(ctx)
	if err != nil {
		f.Logger().Warnf("Status without capabilities: %v", err)
	}

	reads := []func(context.Context) error{
		device.Field(f.Base, "position", &st.Position),
		device.ProbeField(f.Base, "temperature", &st.Temperature),
		device.Field(f.Base, "ismoving", &st.Moving),
	}
	if caps.CanTempComp {
		reads = append(reads, device.Field(f.Base, "tempcomp", &st.TempComp))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		f.Logger().Warnf("Degraded status: %v", err)
	}
	return st
}

// Move drives the focuser to position, clamped to its travel. Moves longer
// than the maximum increment are split into steps, each waited for before the
// next is sent. The first step is sent before Move returns.
func (f *Focuser) Move(ctx context.Context, position int) (*device.Action, error) {
	if err := f.CheckActuation(); err != nil {
		return nil, err
	}
	caps, err := f.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	target := max(0, position)
	if caps.MaxStep >= 0 {
		target = min(target, caps.MaxStep)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopMotionLocked()

	finished, err := f.step(ctx, caps, target)
	if err != nil {
		return nil, err
	}
	if finished {
		return f.Completed("move"), nil
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &motion{cancel: cancel, done: make(chan struct{})}
	f.motion = m
	go func() {
		defer close(m.done)
		defer cancel()
		m.err = f.runMove(mctx, caps, target)
		if m.err != nil && mctx.Err() != nil {
			m.err = mctx.Err()
		}
		if m.err != nil && !errors.Is(m.err, context.Canceled) {
			f.Logger().Errorf("Move to %d failed: %v", target, m.err)
		}
	}()

	return f.Track("move", func(context.Context) (bool, error) {
		select {
		case <-m.done:
			return true, m.err
		default:
			return false, nil
		}
	}), nil
}

// MoveRelative moves by steps from the current position.
func (f *Focuser) MoveRelative(ctx context.Context, steps int) (*device.Action, error) {
	if err := f.CheckActuation(); err != nil {
		return nil, err
	}
	pos, err := f.Position(ctx)
	if err != nil {
		return nil, err
	}
	return f.Move(ctx, pos+steps)
}

// step sends one move of at most the maximum increment toward target. It
// reports true when the focuser is already within tolerance.
func (f *Focuser) step(ctx context.Context, caps Capabilities, target int) (bool, error) {
	current, err := f.Position(ctx)
	if err != nil {
		return false, err
	}
	delta := target - current
	if abs(delta) <= f.tolerance {
		return true, nil
	}

	amount := delta
	if caps.MaxIncrement > 0 && abs(delta) > caps.MaxIncrement {
		amount = caps.MaxIncrement
		if delta < 0 {
			amount = -amount
		}
	}
	// Relative focusers take the step itself.
	next := amount
	if caps.Absolute {
		next = current + amount
	}
	f.Logger().Debugf("Focuser step to %d (at %d, target %d)", current+amount, current, target)
	return false, f.Command(ctx, "move", url.Values{"Position": {device.Int(next)}})
}

// runMove waits for the step in flight and sends the following ones until
// the focuser is within tolerance.
func (f *Focuser) runMove(ctx context.Context, caps Capabilities, target int) error {
	settled := f.Track("move", func(ctx context.Context) (bool, error) {
		moving, err := f.IsMoving(ctx)
		return !moving, err
	})
	for {
		if err := settled.Await(ctx, 0); err != nil {
			return err
		}
		finished, err := f.step(ctx, caps, target)
		if err != nil || finished {
			return err
		}
	}
}

func (f *Focuser) stopMotionLocked() {
	if f.motion == nil {
		return
	}
	f.motion.cancel()
	<-f.motion.done
	f.motion = nil
}

// Halt stops the focuser and abandons the move in progress.
func (f *Focuser) Halt(ctx context.Context) error {
	if err := f.CheckConnected(); err != nil {
		return err
	}
	f.mu.Lock()
	f.stopMotionLocked()
	f.mu.Unlock()
	return f.Stop(ctx, "halt")
}

// SetTempComp switches temperature compensation.
func (f *Focuser) SetTempComp(ctx context.Context, on bool) error {
	if err := f.CheckActuation(); err != nil {
		return err
	}
	caps, err := f.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.CanTempComp {
		return device.Unsupported(f.Name(), "tempcomp")
	}
	return f.Command(ctx, "tempcomp", url.Values{"TempComp": {device.Bool(on)}})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
