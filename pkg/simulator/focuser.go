package simulator

import (
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

const (
	focuserMaxStep      = 50000
	focuserMaxIncrement = 1000
)

// NewFocuser creates an absolute focuser at mid travel. A move larger than
// maxincrement is refused the way real drivers do. Setting absolute to false
// makes move take a step count instead of a position.
func NewFocuser(number int, logger log.FieldLogger) *Device {
	d := NewDevice(alpaca.Focuser, number, "Focuser Simulator", logger)

	d.props["absolute"] = true
	d.props["maxincrement"] = focuserMaxIncrement
	d.props["maxstep"] = focuserMaxStep
	d.props["stepsize"] = 3.8
	d.props["position"] = focuserMaxStep / 2
	d.props["temperature"] = 12.5
	d.props["tempcompavailable"] = true
	d.props["tempcomp"] = false
	d.props["ismoving"] = false

	d.actions["move"] = func(d *Device, params url.Values) error {
		pos, err := paramInt(params, "Position")
		if err != nil {
			return err
		}
		if !d.boolProp("absolute") {
			pos += d.intProp("position")
		}
		if d.boolProp("tempcomp") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidOperation, Message: "Move is invalid while temperature compensation is on"}
		}
		if pos < 0 || pos > focuserMaxStep {
			return invalidValue("position out of range: %d", pos)
		}
		if delta := pos - d.intProp("position"); delta > focuserMaxIncrement || delta < -focuserMaxIncrement {
			return invalidValue("move of %d exceeds maxincrement", delta)
		}
		d.move("ismoving", true, func(d *Device) {
			d.props["ismoving"] = false
			d.props["position"] = pos
		})
		return nil
	}
	d.actions["halt"] = func(d *Device, _ url.Values) error {
		d.halt("ismoving")
		d.props["ismoving"] = false
		return nil
	}
	d.actions["tempcomp"] = func(d *Device, params url.Values) error {
		on, err := paramBool(params, "TempComp")
		if err != nil {
			return err
		}
		if !d.boolProp("tempcompavailable") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorNotImplemented, Message: "Temperature compensation is not available"}
		}
		d.props["tempcomp"] = on
		return nil
	}
	return d
}
