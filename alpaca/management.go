// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
)

func (c *Client) management(ctx context.Context, path string, v any) error {
	op := "GET " + path
	raw, err := c.get(ctx, c.base.String()+path, op)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &UnavailableError{Op: op, Err: fmt.Errorf("invalid value: %w", err)}
	}
	return nil
}

// APIVersions lists the management API versions the bridge supports.
func (c *Client) APIVersions(ctx context.Context) ([]int, error) {
	var versions []int
	err := c.management(ctx, "/management/apiversions", &versions)
	return versions, err
}

// Description returns the bridge's self description.
func (c *Client) Description(ctx context.Context) (ServerDescription, error) {
	var desc ServerDescription
	err := c.management(ctx, "/management/v1/description", &desc)
	return desc, err
}

// ConfiguredDevices lists the devices the bridge exposes.
func (c *Client) ConfiguredDevices(ctx context.Context) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	err := c.management(ctx, "/management/v1/configureddevices", &devices)
	return devices, err
}

// FindDevice returns the first configured device of the given type.
func FindDevice(devices []DeviceInfo, dt DeviceType) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.Type == dt {
			return d, true
		}
	}
	return DeviceInfo{}, false
}
