package observatory

import (
	"context"
	"time"
)

// SetSafeOverride makes the supervisor ignore the weather. Manual checks
// through IsSafe still report the real conditions.
func (o *Observatory) SetSafeOverride(on bool) {
	if o.safeOverride.Swap(on) != on {
		if on {
			o.logger.Warn("Safety override on, weather is ignored")
		} else {
			o.logger.Info("Safety override off")
		}
	}
}

func (o *Observatory) SafeOverride() bool {
	return o.safeOverride.Load()
}

// Supervise checks the weather every interval until ctx is done, securing
// the observatory whenever it is not safe to observe.
func (o *Observatory) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.Secure(ctx); err != nil && ctx.Err() == nil {
			o.logger.Errorf("Cannot secure observatory: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Secure checks the weather once. When it is unsafe, a running job is
// aborted, manual control is revoked and the observatory is stopped. Stop is
// only repeated once conditions were safe again in between. A weather station
// that cannot be read counts as unsafe. Off and halted observatories are
// left alone.
func (o *Observatory) Secure(ctx context.Context) error {
	switch o.State() {
	case Off, Error:
		return nil
	}
	if o.SafeOverride() {
		o.secured.Store(false)
		return nil
	}

	safe, err := o.IsSafe(ctx)
	if err != nil {
		o.logger.Warnf("Cannot check the weather, assuming unsafe: %v", err)
		safe = false
	}
	if safe {
		o.secured.Store(false)
		return nil
	}

	switch o.State() {
	case Auto:
		o.logger.Info("Not safe to observe, aborting the job and parking")
		if err := o.AbortJob(ctx); err != nil {
			return err
		}
	case Manual:
		o.logger.Info("Not safe to observe, ending the session and parking")
		if err := o.revokeControl(ctx); err != nil {
			return err
		}
	}

	if o.secured.Load() {
		return nil
	}
	if err := o.Stop(ctx); err != nil {
		return err
	}
	o.secured.Store(true)
	return nil
}

// revokeControl takes control back from whichever operator holds it.
func (o *Observatory) revokeControl(ctx context.Context) error {
	return o.transition(ctx, "unsafe weather", func(cur Snapshot) (Snapshot, error) {
		if cur.State != Manual {
			return cur, nil
		}
		return Snapshot{State: Idle}, nil
	})
}
