package device

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// DoneFunc polls the device and reports whether an action has finished.
type DoneFunc func(ctx context.Context) (bool, error)

// Action is a long running device operation. The command has already been
// sent when the Action exists; callers either drop it (fire) or Await it.
type Action struct {
	device    string
	operation string
	interval  time.Duration
	timeout   time.Duration
	done      DoneFunc
}

// Start sends an actuation command and returns the Action that tracks it.
func (b *Base) Start(ctx context.Context, action string, params url.Values, done DoneFunc) (*Action, error) {
	if err := b.Command(ctx, action, params); err != nil {
		return nil, err
	}
	return b.Track(action, done), nil
}

// Track returns an Action for an operation whose commands were sent by the
// caller.
func (b *Base) Track(operation string, done DoneFunc) *Action {
	return &Action{
		device:    b.Name(),
		operation: operation,
		interval:  b.config.PollInterval,
		timeout:   b.config.Timeouts.Response,
		done:      done,
	}
}

// Completed returns an Action that has nothing to wait for.
func (b *Base) Completed(operation string) *Action {
	return b.Track(operation, nil)
}

func (a *Action) Operation() string {
	return a.operation
}

// Await polls the device every interval until the action is done. A zero
// timeout uses the device's response timeout. When the timeout elapses a
// *TimeoutError naming the device and operation is returned.
func (a *Action) Await(ctx context.Context, timeout time.Duration) error {
	if a == nil || a.done == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = a.timeout
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, &TimeoutError{
		Device:    a.device,
		Operation: a.operation,
		After:     timeout,
	})
	defer cancel()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
			finished, err := a.done(ctx)
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
		}
	}
}

// Gather runs reads concurrently and waits for all of them. Every read runs
// to completion even when another fails; the first failure is returned so
// callers can log a degraded result.
func Gather(ctx context.Context, reads ...func(ctx context.Context) error) error {
	var g errgroup.Group
	for _, read := range reads {
		g.Go(func() error {
			return read(ctx)
		})
	}
	return g.Wait()
}

// Field returns a Gather read that stores the property in dst. dst keeps its
// sentinel when the read fails.
func Field[T any](b *Base, action string, dst *T) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		v, err := Read[T](ctx, b, action)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// ProbeField is Field for optional properties: a property the driver does
// not implement leaves dst untouched and is not an error.
func ProbeField[T any](b *Base, action string, dst *T) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		v, ok, err := Probe(ctx, b, action, *dst)
		if ok {
			*dst = v
		}
		return err
	}
}
