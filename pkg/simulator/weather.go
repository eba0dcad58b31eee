package simulator

import (
	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// NewWeatherStation creates an observing conditions device reporting a
// clear, calm night. Fields can be dropped with Remove to simulate a
// station without the sensor.
func NewWeatherStation(number int, logger log.FieldLogger) *Device {
	d := NewDevice(alpaca.ObservingConditions, number, "Weather Simulator", logger)

	d.props["averageperiod"] = 0.0
	d.props["cloudcover"] = 10.0
	d.props["dewpoint"] = 2.0
	d.props["humidity"] = 55.0
	d.props["pressure"] = 1013.0
	d.props["rainrate"] = 0.0
	d.props["skybrightness"] = 0.5
	d.props["skyquality"] = 21.3
	d.props["skytemperature"] = -12.0
	d.props["starfwhm"] = 2.1
	d.props["temperature"] = 8.0
	d.props["winddirection"] = 225.0
	d.props["windgust"] = 1.2
	d.props["windspeed"] = 0.8
	return d
}
