package observatory

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"observatory/pkg/camera"
	"observatory/pkg/dome"
	"observatory/pkg/filterwheel"
	"observatory/pkg/focuser"
	"observatory/pkg/telescope"
	"observatory/pkg/weather"
)

// Status is a composite snapshot of the observatory and its devices.
type Status struct {
	Time        time.Time          `json:"time"`
	State       State              `json:"state"`
	Operator    *Operator          `json:"operator,omitempty"`
	Job         *Job               `json:"job,omitempty"`
	Safe        bool               `json:"safe"`
	Override    bool               `json:"safeOverride"`
	Telescope   telescope.Status   `json:"telescope"`
	Dome        dome.Status        `json:"dome"`
	Camera      camera.Status      `json:"camera"`
	FilterWheel filterwheel.Status `json:"filterWheel"`
	Focuser     focuser.Status     `json:"focuser"`
	Weather     weather.Status     `json:"weather"`
}

// Status reads the six devices concurrently. Device statuses never fail;
// fields that could not be read keep their sentinels.
func (o *Observatory) Status(ctx context.Context) Status {
	snap := o.Snapshot()
	st := Status{
		Time:     time.Now().UTC(),
		State:    snap.State,
		Operator: snap.Operator,
		Job:      snap.Job,
	}

	d := o.devices
	var g errgroup.Group
	g.Go(func() error { st.Telescope = d.Telescope.Status(ctx); return nil })
	g.Go(func() error { st.Dome = d.Dome.Status(ctx); return nil })
	g.Go(func() error { st.Camera = d.Camera.Status(ctx); return nil })
	g.Go(func() error { st.FilterWheel = d.FilterWheel.Status(ctx); return nil })
	g.Go(func() error { st.Focuser = d.Focuser.Status(ctx); return nil })
	g.Go(func() error { st.Weather = d.Weather.Status(ctx); return nil })
	_ = g.Wait()

	st.Safe = st.Weather.Safe
	st.Override = o.SafeOverride()
	return st
}

// IsSafe reports whether the weather allows observing.
func (o *Observatory) IsSafe(ctx context.Context) (bool, error) {
	return o.devices.Weather.IsSafe(ctx)
}
