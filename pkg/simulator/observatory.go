package simulator

import (
	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// Observatory is a bridge populated with one simulated device of each kind,
// all numbered 0.
type Observatory struct {
	*Server

	Telescope   *Device
	Dome        *Device
	Camera      *Camera
	FilterWheel *Device
	Focuser     *Device
	Weather     *Device
}

func NewObservatory(logger log.FieldLogger) *Observatory {
	o := &Observatory{
		Telescope:   NewTelescope(0, logger),
		Dome:        NewDome(0, logger),
		Camera:      NewCamera(0, logger),
		FilterWheel: NewFilterWheel(0, logger),
		Focuser:     NewFocuser(0, logger),
		Weather:     NewWeatherStation(0, logger),
	}
	o.Server = NewServer(alpaca.ServerDescription{
		Name:                "Observatory Simulator",
		Manufacturer:        "Observatory",
		ManufacturerVersion: "1.0",
		Location:            "Simulated site",
	}, logger, o.Devices()...)
	return o
}

// Devices lists the simulated devices in bridge order.
func (o *Observatory) Devices() []*Device {
	return []*Device{o.Telescope, o.Dome, o.Camera.Device, o.FilterWheel, o.Focuser, o.Weather}
}

// SetMotionPolls applies SetMotionPolls to every device.
func (o *Observatory) SetMotionPolls(n int) {
	for _, d := range o.Devices() {
		d.SetMotionPolls(n)
	}
}
