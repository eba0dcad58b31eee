// Package config loads the observatory configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"observatory/pkg/camera"
	"observatory/pkg/device"
	"observatory/pkg/filterwheel"
	"observatory/pkg/focuser"
	"observatory/pkg/logging"
	"observatory/pkg/observatory"
	"observatory/pkg/telemetry"
)

// Config is the complete configuration of the observatory controller.
type Config struct {
	Bridge      BridgeConfig        `yaml:"bridge"`
	Devices     DevicesConfig       `yaml:"devices"`
	Camera      CameraConfig        `yaml:"camera"`
	FilterWheel filterwheel.Filters `yaml:"filterwheel"`
	Focuser     FocuserConfig       `yaml:"focuser"`
	Observatory observatory.Config  `yaml:"observatory"`
	Status      StatusConfig        `yaml:"status"`
	MQTT        telemetry.Config    `yaml:"mqtt"`
	Store       StoreConfig         `yaml:"store"`
	Log         logging.Options     `yaml:"log"`
}

// BridgeConfig locates the Alpaca bridge.
type BridgeConfig struct {
	URL      string `yaml:"url"`
	ClientID uint32 `yaml:"client_id"`
}

// DevicesConfig selects each device on the bridge.
type DevicesConfig struct {
	Telescope   device.Config `yaml:"telescope"`
	Dome        device.Config `yaml:"dome"`
	Camera      device.Config `yaml:"camera"`
	FilterWheel device.Config `yaml:"filterwheel"`
	Focuser     device.Config `yaml:"focuser"`
	Weather     device.Config `yaml:"weather"`
}

type CameraConfig struct {
	Cooler   camera.CoolerConfig `yaml:"cooler"`
	ImageDir string              `yaml:"image_dir"`
}

type FocuserConfig struct {
	Tolerance int `yaml:"tolerance"`
}

type StatusConfig struct {
	// Interval between two published status snapshots.
	Interval time.Duration `yaml:"interval"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

const DefaultStatusInterval = 2500 * time.Millisecond

// Default returns the configuration used for everything the file leaves out.
func Default() *Config {
	dev := device.Config{
		Timeouts:     device.DefaultTimeouts,
		PollInterval: device.DefaultPollInterval,
	}
	return &Config{
		Bridge: BridgeConfig{
			URL: "http://localhost:11111",
		},
		Devices: DevicesConfig{
			Telescope:   dev,
			Dome:        dev,
			Camera:      dev,
			FilterWheel: dev,
			Focuser:     dev,
			Weather:     dev,
		},
		Camera: CameraConfig{
			Cooler:   camera.DefaultCoolerConfig,
			ImageDir: "frames",
		},
		Focuser: FocuserConfig{
			Tolerance: focuser.DefaultPositionTolerance,
		},
		Observatory: observatory.DefaultConfig,
		Status: StatusConfig{
			Interval: DefaultStatusInterval,
		},
		MQTT:  telemetry.DefaultConfig,
		Store: StoreConfig{Path: "observatory.db"},
		Log:   logging.DefaultOptions,
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the values a device service or publisher cannot recover
// from at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Bridge.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid bridge url %q", c.Bridge.URL)
	}

	devices := map[string]device.Config{
		"telescope":   c.Devices.Telescope,
		"dome":        c.Devices.Dome,
		"camera":      c.Devices.Camera,
		"filterwheel": c.Devices.FilterWheel,
		"focuser":     c.Devices.Focuser,
		"weather":     c.Devices.Weather,
	}
	for name, d := range devices {
		if d.Number < 0 {
			return fmt.Errorf("%s: device number must be non-negative", name)
		}
	}

	cooler := c.Camera.Cooler
	if cooler.MaxCooldownRate <= 0 || cooler.MaxWarmupRate <= 0 {
		return errors.New("camera: ramp rates must be positive")
	}
	if cooler.MinCooldownRate < 0 || cooler.MinCooldownRate > cooler.MaxCooldownRate {
		return errors.New("camera: min cooldown rate must be between 0 and the max cooldown rate")
	}
	if cooler.SaturationThreshold <= 0 || cooler.SaturationThreshold > 100 {
		return errors.New("camera: saturation threshold must be a percentage")
	}

	if len(c.FilterWheel.Names) > 0 && len(c.FilterWheel.FocusOffsets) > 0 &&
		len(c.FilterWheel.Names) != len(c.FilterWheel.FocusOffsets) {
		return errors.New("filterwheel: names and focus offsets differ in length")
	}

	if c.Observatory.SafetyInterval <= 0 {
		return errors.New("observatory: safety interval must be positive")
	}

	if c.Status.Interval <= 0 {
		return errors.New("status: interval must be positive")
	}

	switch c.MQTT.Format {
	case telemetry.JSON, telemetry.CBOR:
	default:
		return fmt.Errorf("mqtt: unknown format %q", c.MQTT.Format)
	}

	if c.Store.Path == "" {
		return errors.New("store: path is required")
	}
	return nil
}
