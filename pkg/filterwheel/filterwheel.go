// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/FilterWheel%20Specific%20Methods

package filterwheel

import (
	"context"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/device"
)

// Filters overrides what the wheel reports about its slots. Empty fields
// keep the driver's values.
type Filters struct {
	Names        []string `yaml:"names"`
	FocusOffsets []int    `yaml:"focus_offsets"`
}

type Capabilities struct {
	Names        []string `json:"names"`
	FocusOffsets []int    `json:"focusOffsets"`
}

// Slots returns the number of filter positions.
func (c Capabilities) Slots() int {
	return len(c.Names)
}

// Offset returns the focus offset of a slot, 0 when unknown.
func (c Capabilities) Offset(pos int) int {
	if pos < 0 || pos >= len(c.FocusOffsets) {
		return 0
	}
	return c.FocusOffsets[pos]
}

type Status struct {
	Connected bool   `json:"connected"`
	Position  int    `json:"position"`
	Filter    string `json:"filter"`
	Offset    int    `json:"offset"`
	Moving    bool   `json:"moving"`
}

type FilterWheel struct {
	*device.Base
	custom Filters
	caps   device.Cache[Capabilities]
}

func New(t device.Transport, config device.Config, custom Filters, logger log.FieldLogger) *FilterWheel {
	w := &FilterWheel{
		Base:   device.NewBase(t, alpaca.FilterWheel, config, logger),
		custom: custom,
	}
	w.OnConnect(w.caps.Reset)
	return w
}

// Capabilities returns the slot names and focus offsets. Configured values
// replace the driver's without reading them.
func (w *FilterWheel) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := w.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return w.caps.Get(ctx, w.fetchCapabilities)
}

func (w *FilterWheel) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	c := Capabilities{
		Names:        w.custom.Names,
		FocusOffsets: w.custom.FocusOffsets,
	}
	var reads []func(context.Context) error
	if len(c.Names) == 0 {
		reads = append(reads, device.Field(w.Base, "names", &c.Names))
	}
	if len(c.FocusOffsets) == 0 {
		reads = append(reads, device.ProbeField(w.Base, "focusoffsets", &c.FocusOffsets))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", w.Name(), err)
	}
	return c, nil
}

// Position returns the current slot, -1 while the wheel is moving.
func (w *FilterWheel) Position(ctx context.Context) (int, error) {
	return device.Read[int](ctx, w.Base, "position")
}

func (w *FilterWheel) IsMoving(ctx context.Context) (bool, error) {
	pos, err := w.Position(ctx)
	return pos == -1, err
}

// Filter returns the name of the filter in the light path.
func (w *FilterWheel) Filter(ctx context.Context) (string, error) {
	caps, err := w.Capabilities(ctx)
	if err != nil {
		return "", err
	}
	pos, err := w.Position(ctx)
	if err != nil {
		return "", err
	}
	if pos < 0 || pos >= caps.Slots() {
		return "", fmt.Errorf("%s: no filter at position %d", w.Name(), pos)
	}
	return caps.Names[pos], nil
}

func (w *FilterWheel) Status(ctx context.Context) Status {
	st := Status{Position: -1, Filter: "Unknown"}
	if !w.IsConnected() {
		return st
	}
	st.Connected = true

	caps, err := w.Capabilities(ctx)
	if err != nil {
		w.Logger().Warnf("Status without capabilities: %v", err)
	}
	pos, err := w.Position(ctx)
	if err != nil {
		w.Logger().Warnf("Degraded status: %v", err)
		return st
	}

	st.Position = pos
	st.Moving = pos == -1
	if pos >= 0 && pos < caps.Slots() {
		st.Filter = caps.Names[pos]
		st.Offset = caps.Offset(pos)
	}
	return st
}

// SetPosition rotates the wheel to a slot. The Action completes once the
// wheel reports a position again.
func (w *FilterWheel) SetPosition(ctx context.Context, pos int) (*device.Action, error) {
	if err := w.CheckActuation(); err != nil {
		return nil, err
	}
	caps, err := w.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	if pos < 0 || pos >= caps.Slots() {
		return nil, device.InvalidArgument("filter position %d outside [0, %d)", pos, caps.Slots())
	}

	return w.Start(ctx, "position", url.Values{"Position": {device.Int(pos)}}, func(ctx context.Context) (bool, error) {
		moving, err := w.IsMoving(ctx)
		return !moving, err
	})
}

// SetFilter rotates the wheel to the slot holding the named filter.
func (w *FilterWheel) SetFilter(ctx context.Context, name string) (*device.Action, error) {
	if err := w.CheckActuation(); err != nil {
		return nil, err
	}
	caps, err := w.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	for i, n := range caps.Names {
		if n == name {
			return w.SetPosition(ctx, i)
		}
	}
	return nil, device.InvalidArgument("no filter named %q", name)
}
