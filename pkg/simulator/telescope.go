package simulator

import (
	"net/url"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

const (
	telescopeParkAltitude = 0.0
	telescopeParkAzimuth  = 180.0
)

// NewTelescope creates a parked mount with every optional capability.
func NewTelescope(number int, logger log.FieldLogger) *Device {
	d := NewDevice(alpaca.Telescope, number, "Telescope Simulator", logger)

	for _, c := range []string{"canfindhome", "canpark", "canunpark", "canslewasync", "canslew", "cansettracking", "canslewaltazasync", "cansetpark"} {
		d.props[c] = true
	}
	d.props["atpark"] = true
	d.props["athome"] = false
	d.props["slewing"] = false
	d.props["tracking"] = false
	d.props["altitude"] = telescopeParkAltitude
	d.props["azimuth"] = telescopeParkAzimuth
	d.props["rightascension"] = 0.0
	d.props["declination"] = 0.0
	d.props["siderealtime"] = 12.0

	d.actions["park"] = telescopePark
	d.actions["unpark"] = func(d *Device, _ url.Values) error {
		d.props["atpark"] = false
		return nil
	}
	d.actions["findhome"] = telescopeFindHome
	d.actions["slewtocoordinatesasync"] = telescopeSlewToCoordinates
	d.actions["slewtoaltazasync"] = telescopeSlewToAltAz
	d.actions["abortslew"] = func(d *Device, _ url.Values) error {
		if d.boolProp("atpark") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileParked}
		}
		d.halt("slewing")
		d.props["slewing"] = false
		return nil
	}
	d.actions["tracking"] = func(d *Device, params url.Values) error {
		tracking, err := paramBool(params, "Tracking")
		if err != nil {
			return err
		}
		if tracking && d.boolProp("atpark") {
			return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileParked}
		}
		d.props["tracking"] = tracking
		return nil
	}
	return d
}

func telescopePark(d *Device, _ url.Values) error {
	if d.boolProp("atpark") {
		return nil
	}
	d.props["tracking"] = false
	d.props["athome"] = false
	d.move("slewing", true, func(d *Device) {
		d.props["slewing"] = false
		d.props["atpark"] = true
		d.props["altitude"] = telescopeParkAltitude
		d.props["azimuth"] = telescopeParkAzimuth
	})
	return nil
}

func telescopeFindHome(d *Device, _ url.Values) error {
	if d.boolProp("atpark") {
		return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileParked}
	}
	d.move("slewing", true, func(d *Device) {
		d.props["slewing"] = false
		d.props["athome"] = true
		d.props["altitude"] = 45.0
		d.props["azimuth"] = 0.0
	})
	return nil
}

func telescopeSlewToCoordinates(d *Device, params url.Values) error {
	ra, err := paramFloat(params, "RightAscension")
	if err != nil {
		return err
	}
	dec, err := paramFloat(params, "Declination")
	if err != nil {
		return err
	}
	if ra < 0 || ra >= 24 || dec < -90 || dec > 90 {
		return invalidValue("coordinates out of range: %f, %f", ra, dec)
	}
	if d.boolProp("atpark") {
		return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileParked}
	}

	d.props["athome"] = false
	d.move("slewing", true, func(d *Device) {
		d.props["slewing"] = false
		d.props["rightascension"] = ra
		d.props["declination"] = dec
	})
	return nil
}

func telescopeSlewToAltAz(d *Device, params url.Values) error {
	alt, err := paramFloat(params, "Altitude")
	if err != nil {
		return err
	}
	az, err := paramFloat(params, "Azimuth")
	if err != nil {
		return err
	}
	if alt < -90 || alt > 90 || az < 0 || az >= 360 {
		return invalidValue("coordinates out of range: %f, %f", alt, az)
	}
	if d.boolProp("atpark") {
		return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidWhileParked}
	}
	if d.boolProp("tracking") {
		return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidOperation, Message: "Alt/Az slews are invalid while tracking"}
	}

	d.props["athome"] = false
	d.move("slewing", true, func(d *Device) {
		d.props["slewing"] = false
		d.props["altitude"] = alt
		d.props["azimuth"] = az
	})
	return nil
}
