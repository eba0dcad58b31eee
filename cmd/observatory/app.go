package main

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"observatory/alpaca"
	"observatory/pkg/camera"
	"observatory/pkg/config"
	"observatory/pkg/dome"
	"observatory/pkg/filterwheel"
	"observatory/pkg/focuser"
	"observatory/pkg/framestore"
	"observatory/pkg/logging"
	"observatory/pkg/observatory"
	"observatory/pkg/store"
	"observatory/pkg/telemetry"
	"observatory/pkg/telescope"
	"observatory/pkg/weather"
)

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg       *config.Config
	store     *store.Store
	frames    *framestore.Disk
	publisher *telemetry.Publisher
	obs       *observatory.Observatory

	logCloser io.Closer
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("bridge") {
		cfg.Bridge.URL = c.String("bridge")
	}
	if c.IsSet("db") {
		cfg.Store.Path = c.String("db")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
	if c.Bool("debug") {
		cfg.Log.Debug = true
	}
	if c.Bool("ignore-weather") {
		cfg.Observatory.IgnoreWeather = true
	}
	return cfg, cfg.Validate()
}

// newApp wires the observatory. MQTT telemetry is only connected when a
// broker is configured.
func newApp(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	a.logCloser = logging.Setup(log.StandardLogger(), cfg.Log)

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	cfg := a.cfg
	logger := log.StandardLogger()

	st, err := store.Open(cfg.Store.Path, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	a.store = st

	a.frames, err = framestore.New(cfg.Camera.ImageDir, st, log.WithField("component", "frames"))
	if err != nil {
		return fmt.Errorf("failed to create frame store: %v", err)
	}

	var publisher observatory.EventPublisher
	if cfg.MQTT.Broker != "" {
		a.publisher, err = telemetry.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		publisher = a.publisher
	}

	client, err := alpaca.NewClient(cfg.Bridge.URL, log.WithField("component", "alpaca"),
		alpaca.WithClientID(alpaca.ClientID(cfg.Bridge.ClientID)))
	if err != nil {
		return err
	}

	devices := observatory.Devices{
		Telescope:   telescope.New(client, cfg.Devices.Telescope, logger),
		Dome:        dome.New(client, cfg.Devices.Dome, logger),
		Camera:      camera.New(client, cfg.Devices.Camera, cfg.Camera.Cooler, logger),
		FilterWheel: filterwheel.New(client, cfg.Devices.FilterWheel, cfg.FilterWheel, logger),
		Focuser:     focuser.New(client, cfg.Devices.Focuser, cfg.Focuser.Tolerance, logger),
		Weather:     weather.New(client, cfg.Devices.Weather, logger),
	}

	a.obs, err = observatory.New(devices, cfg.Observatory, publisher, st, logger)
	return err
}

func (a *app) Close() error {
	var errs []error
	if a.obs != nil {
		a.obs.Devices().Camera.CancelRamp()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
