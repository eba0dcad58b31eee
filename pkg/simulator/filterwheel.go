package simulator

import (
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

var defaultFilters = []string{"L", "R", "G", "B", "Ha", "OIII", "SII"}

// NewFilterWheel creates a wheel holding the LRGB and narrowband filters,
// positioned on the first slot.
func NewFilterWheel(number int, logger log.FieldLogger) *Device {
	d := NewDevice(alpaca.FilterWheel, number, "Filter Wheel Simulator", logger)

	offsets := make([]int, len(defaultFilters))
	for i := range offsets {
		offsets[i] = i * 10
	}
	d.props["names"] = append([]string(nil), defaultFilters...)
	d.props["focusoffsets"] = offsets
	d.props["position"] = 0

	d.actions["position"] = func(d *Device, params url.Values) error {
		pos, err := paramInt(params, "Position")
		if err != nil {
			return err
		}
		names, _ := d.props["names"].([]string)
		if pos < 0 || pos >= len(names) {
			return invalidValue("position out of range: %d", pos)
		}
		d.move("position", -1, func(d *Device) {
			d.props["position"] = pos
		})
		return nil
	}
	return d
}
