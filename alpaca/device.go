package alpaca

import (
	"fmt"
	"strings"
)

// DeviceType is the device category as it appears in Alpaca URLs.
type DeviceType string

const (
	Telescope           DeviceType = "telescope"
	Dome                DeviceType = "dome"
	Camera              DeviceType = "camera"
	FilterWheel         DeviceType = "filterwheel"
	Focuser             DeviceType = "focuser"
	ObservingConditions DeviceType = "observingconditions"
)

var displayNames = map[DeviceType]string{
	Telescope:           "Telescope",
	Dome:                "Dome",
	Camera:              "Camera",
	FilterWheel:         "FilterWheel",
	Focuser:             "Focuser",
	ObservingConditions: "ObservingConditions",
}

func (t DeviceType) String() string {
	return string(t)
}

// MarshalText encodes the type the way the management API reports it.
func (t DeviceType) MarshalText() ([]byte, error) {
	if name, ok := displayNames[t]; ok {
		return []byte(name), nil
	}
	return []byte(t), nil
}

func (t *DeviceType) UnmarshalText(text []byte) error {
	*t = DeviceType(strings.ToLower(string(text)))
	return nil
}

// DeviceInfo is one entry of the configureddevices management response.
type DeviceInfo struct {
	Name     string     `json:"DeviceName"`
	Type     DeviceType `json:"DeviceType"`
	Number   int        `json:"DeviceNumber"`
	UniqueID string     `json:"UniqueID"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s/%d (%s)", d.Type, d.Number, d.Name)
}

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}
