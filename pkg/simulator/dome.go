package simulator

import (
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// Shutter states as reported by the shutterstatus property.
const (
	shutterOpen = iota
	shutterClosed
	shutterOpening
	shutterClosing
	shutterError
)

type DomeConfig struct {
	HomePosition float64 // degrees
	ParkPosition float64 // degrees
}

var defaultDomeConfig = DomeConfig{
	HomePosition: 0,
	ParkPosition: 90,
}

// NewDome creates a parked dome with a closed shutter and every optional
// capability.
func NewDome(number int, logger log.FieldLogger) *Device {
	return NewDomeWithConfig(number, defaultDomeConfig, logger)
}

func NewDomeWithConfig(number int, config DomeConfig, logger log.FieldLogger) *Device {
	d := NewDevice(alpaca.Dome, number, "Dome Simulator", logger)

	for _, c := range []string{"canfindhome", "canpark", "cansetaltitude", "cansetazimuth", "cansetpark", "cansetshutter", "canslave", "cansyncazimuth"} {
		d.props[c] = true
	}
	d.props["atpark"] = true
	d.props["athome"] = false
	d.props["slewing"] = false
	d.props["slaved"] = false
	d.props["altitude"] = 0.0
	d.props["azimuth"] = config.ParkPosition
	d.props["shutterstatus"] = shutterClosed

	d.actions["openshutter"] = func(d *Device, _ url.Values) error {
		d.move("shutterstatus", shutterOpening, func(d *Device) {
			d.props["shutterstatus"] = shutterOpen
			d.props["altitude"] = 90.0
		})
		return nil
	}
	d.actions["closeshutter"] = func(d *Device, _ url.Values) error {
		d.move("shutterstatus", shutterClosing, func(d *Device) {
			d.props["shutterstatus"] = shutterClosed
			d.props["altitude"] = 0.0
		})
		return nil
	}
	d.actions["slewtoaltitude"] = func(d *Device, params url.Values) error {
		alt, err := paramFloat(params, "Altitude")
		if err != nil {
			return err
		}
		if alt < 0 || alt > 90 {
			return invalidValue("altitude out of range: %f", alt)
		}
		busy := shutterOpening
		if alt < d.floatProp("altitude") {
			busy = shutterClosing
		}
		d.move("shutterstatus", busy, func(d *Device) {
			d.props["altitude"] = alt
			if alt > 0 {
				d.props["shutterstatus"] = shutterOpen
			} else {
				d.props["shutterstatus"] = shutterClosed
			}
		})
		return nil
	}
	d.actions["slewtoazimuth"] = func(d *Device, params url.Values) error {
		az, err := paramFloat(params, "Azimuth")
		if err != nil {
			return err
		}
		if az < 0 || az >= 360 {
			return invalidValue("azimuth out of range: %f", az)
		}
		if d.boolProp("slaved") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileSlaved}
		}
		domeSlew(d, config, az)
		return nil
	}
	d.actions["synctoazimuth"] = func(d *Device, params url.Values) error {
		az, err := paramFloat(params, "Azimuth")
		if err != nil {
			return err
		}
		d.props["azimuth"] = az
		return nil
	}
	d.actions["abortslew"] = func(d *Device, _ url.Values) error {
		d.halt("slewing")
		d.props["slewing"] = false
		if d.halt("shutterstatus") {
			d.props["shutterstatus"] = shutterError
		}
		return nil
	}
	d.actions["findhome"] = func(d *Device, _ url.Values) error {
		if d.boolProp("slaved") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileSlaved}
		}
		domeSlew(d, config, config.HomePosition)
		return nil
	}
	d.actions["park"] = func(d *Device, _ url.Values) error {
		if d.boolProp("slaved") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileSlaved}
		}
		domeSlew(d, config, config.ParkPosition)
		return nil
	}
	d.actions["setpark"] = func(d *Device, _ url.Values) error {
		config.ParkPosition = d.floatProp("azimuth")
		d.props["atpark"] = true
		return nil
	}
	return d
}

func domeSlew(d *Device, config DomeConfig, az float64) {
	d.props["atpark"] = false
	d.props["athome"] = false
	d.move("slewing", true, func(d *Device) {
		d.props["slewing"] = false
		d.props["azimuth"] = az
		d.props["athome"] = az == config.HomePosition
		d.props["atpark"] = az == config.ParkPosition
	})
}
