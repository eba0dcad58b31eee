// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API#/Camera%20Specific%20Methods

package camera

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/device"
)

// Transport adds image downloads to the device transport.
type Transport interface {
	device.Transport
	ImageArray(ctx context.Context, dt alpaca.DeviceType, number int) (*alpaca.Image, error)
}

var _ Transport = (*alpaca.Client)(nil)

// CoolerConfig controls the temperature ramps. Rates are in °C per minute,
// the saturation threshold is a cooler power percentage.
type CoolerConfig struct {
	MaxCooldownRate     float64       `yaml:"max_cooldown_rate"`
	MinCooldownRate     float64       `yaml:"min_cooldown_rate"`
	MaxWarmupRate       float64       `yaml:"max_warmup_rate"`
	SaturationThreshold float64       `yaml:"saturation_threshold"`
	DefaultAmbient      float64       `yaml:"default_ambient"`
	RampInterval        time.Duration `yaml:"ramp_interval"`
}

var DefaultCoolerConfig = CoolerConfig{
	MaxCooldownRate:     5.0,
	MinCooldownRate:     0.5,
	MaxWarmupRate:       3.0,
	SaturationThreshold: 90,
	DefaultAmbient:      25.0,
	RampInterval:        time.Minute,
}

type SensorType int

const (
	Monochrome SensorType = iota
	Colour
	RGGB
	CMYG
	CMYG2
	LRGB
)

var sensorNames = map[SensorType]string{
	Monochrome: "Monochrome",
	Colour:     "Colour",
	RGGB:       "RGGB",
	CMYG:       "CMYG",
	CMYG2:      "CMYG2",
	LRGB:       "LRGB",
}

func (t SensorType) String() string {
	if name, ok := sensorNames[t]; ok {
		return name
	}
	return "Unknown"
}

func (t SensorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Bayer reports whether the sensor has a colour filter array.
func (t SensorType) Bayer() bool {
	return t >= RGGB
}

type State int

const (
	StateUnknown State = iota - 1
	Idle
	Waiting
	Exposing
	Reading
	Downloading
	Error
)

var stateNames = map[State]string{
	Idle:        "Idle",
	Waiting:     "Waiting",
	Exposing:    "Exposing",
	Reading:     "Reading",
	Downloading: "Downloading",
	Error:       "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Capabilities struct {
	CanAbortExposure  bool       `json:"canAbortExposure"`
	CanStopExposure   bool       `json:"canStopExposure"`
	CanBinning        bool       `json:"canBinning"`
	CanAsymmetricBin  bool       `json:"canAsymmetricBin"`
	CanSetCoolerTemp  bool       `json:"canSetCoolerTemp"`
	CanGetCoolerPower bool       `json:"canGetCoolerPower"`
	SensorName        string     `json:"sensorName"`
	SensorType        SensorType `json:"sensorType"`
	BayerOffsetX      int        `json:"bayerOffsetX"`
	BayerOffsetY      int        `json:"bayerOffsetY"`
	SensorX           int        `json:"sensorX"`
	SensorY           int        `json:"sensorY"`
	MaxBinX           int        `json:"maxBinX"`
	MaxBinY           int        `json:"maxBinY"`
	ExposureMin       float64    `json:"exposureMin"`
	ExposureMax       float64    `json:"exposureMax"`
}

// Subframe is the readout area in binned pixels.
type Subframe struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Status struct {
	Connected    bool         `json:"connected"`
	Temperature  float64      `json:"temperature"`
	CoolerStatus CoolerStatus `json:"coolerStatus"`
	CoolerPower  float64      `json:"coolerPower"`
	State        State        `json:"state"`
	BinX         int          `json:"binX"`
	BinY         int          `json:"binY"`
	Completion   float64      `json:"completion"`
	Subframe     Subframe     `json:"subframe"`
}

type Camera struct {
	*device.Base
	transport Transport
	config    CoolerConfig
	caps      device.Cache[Capabilities]

	rampMu sync.Mutex
	ramp   *ramp
}

func New(t Transport, config device.Config, cooler CoolerConfig, logger log.FieldLogger) *Camera {
	if cooler.RampInterval <= 0 {
		cooler.RampInterval = DefaultCoolerConfig.RampInterval
	}
	c := &Camera{
		Base:      device.NewBase(t, alpaca.Camera, config, logger),
		transport: t,
		config:    cooler,
	}
	c.OnConnect(c.caps.Reset)
	return c
}

func (c *Camera) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := c.CheckConnected(); err != nil {
		return Capabilities{}, err
	}
	return c.caps.Get(ctx, c.fetchCapabilities)
}

func (c *Camera) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{
		SensorName: "ASCOM-CAM",
		MaxBinX:    1,
		MaxBinY:    1,
	}
	err := device.Gather(ctx,
		device.ProbeField(c.Base, "canabortexposure", &caps.CanAbortExposure),
		device.ProbeField(c.Base, "canstopexposure", &caps.CanStopExposure),
		device.ProbeField(c.Base, "canasymmetricbin", &caps.CanAsymmetricBin),
		device.ProbeField(c.Base, "cansetccdtemperature", &caps.CanSetCoolerTemp),
		device.ProbeField(c.Base, "cangetcoolerpower", &caps.CanGetCoolerPower),
		device.ProbeField(c.Base, "sensorname", &caps.SensorName),
		device.ProbeField(c.Base, "sensortype", &caps.SensorType),
		device.ProbeField(c.Base, "bayeroffsetx", &caps.BayerOffsetX),
		device.ProbeField(c.Base, "bayeroffsety", &caps.BayerOffsetY),
		device.Field(c.Base, "cameraxsize", &caps.SensorX),
		device.Field(c.Base, "cameraysize", &caps.SensorY),
		device.ProbeField(c.Base, "maxbinx", &caps.MaxBinX),
		device.ProbeField(c.Base, "maxbiny", &caps.MaxBinY),
		device.Field(c.Base, "exposuremin", &caps.ExposureMin),
		device.Field(c.Base, "exposuremax", &caps.ExposureMax),
	)
	if err != nil {
		return Capabilities{}, fmt.Errorf("cannot read %s capabilities: %w", c.Name(), err)
	}
	caps.CanBinning = caps.MaxBinX > 1 || caps.MaxBinY > 1
	return caps, nil
}

func (c *Camera) require(ctx context.Context, op string, has func(Capabilities) bool) (Capabilities, error) {
	if err := c.CheckActuation(); err != nil {
		return Capabilities{}, err
	}
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	if has != nil && !has(caps) {
		return Capabilities{}, device.Unsupported(c.Name(), op)
	}
	return caps, nil
}

func (c *Camera) Temperature(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, c.Base, "ccdtemperature")
}

// TargetTemperature returns the cooler setpoint.
func (c *Camera) TargetTemperature(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, c.Base, "setccdtemperature")
}

// AmbientTemperature returns the heat sink temperature.
func (c *Camera) AmbientTemperature(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, c.Base, "heatsinktemperature")
}

func (c *Camera) CoolerPower(ctx context.Context) (float64, error) {
	return device.Read[float64](ctx, c.Base, "coolerpower")
}

func (c *Camera) IsCoolerOn(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, c.Base, "cooleron")
}

func (c *Camera) State(ctx context.Context) (State, error) {
	return device.Read[State](ctx, c.Base, "camerastate")
}

// Completion returns the progress of the current operation in percent, NaN
// when the camera has nothing in progress.
func (c *Camera) Completion(ctx context.Context) (float64, error) {
	v, err := device.Read[float64](ctx, c.Base, "percentcompleted")
	if alpaca.IsCode(err, alpaca.ErrorInvalidOperation) {
		return math.NaN(), nil
	}
	return v, err
}

func (c *Camera) Binning(ctx context.Context) (int, int, error) {
	var x, y int
	err := device.Gather(ctx,
		device.Field(c.Base, "binx", &x),
		device.Field(c.Base, "biny", &y),
	)
	return x, y, err
}

func (c *Camera) Subframe(ctx context.Context) (Subframe, error) {
	var sf Subframe
	err := device.Gather(ctx,
		device.Field(c.Base, "startx", &sf.X),
		device.Field(c.Base, "starty", &sf.Y),
		device.Field(c.Base, "numx", &sf.Width),
		device.Field(c.Base, "numy", &sf.Height),
	)
	return sf, err
}

func (c *Camera) Status(ctx context.Context) Status {
	st := Status{
		Temperature:  math.NaN(),
		CoolerStatus: CoolerError,
		CoolerPower:  math.NaN(),
		State:        StateUnknown,
		BinX:         1,
		BinY:         1,
		Completion:   math.NaN(),
	}
	if !c.IsConnected() {
		st.CoolerStatus = CoolerOff
		return st
	}
	st.Connected = true

	caps, err := c.Capabilities(ctx)
	if err != nil {
		c.Logger().Warnf("Status without capabilities: %v", err)
	}

	reads := []func(context.Context) error{
		device.Field(c.Base, "ccdtemperature", &st.Temperature),
		device.Field(c.Base, "camerastate", &st.State),
		device.Field(c.Base, "binx", &st.BinX),
		device.Field(c.Base, "biny", &st.BinY),
		func(ctx context.Context) error {
			v, err := c.Completion(ctx)
			if err == nil {
				st.Completion = v
			}
			return err
		},
		func(ctx context.Context) error {
			sf, err := c.Subframe(ctx)
			if err == nil {
				st.Subframe = sf
			}
			return err
		},
		func(ctx context.Context) error {
			st.CoolerStatus = c.CoolerStatus(ctx)
			return nil
		},
	}
	if caps.CanGetCoolerPower {
		reads = append(reads, device.Field(c.Base, "coolerpower", &st.CoolerPower))
	}
	if err := device.Gather(ctx, reads...); err != nil {
		c.Logger().Warnf("Degraded status: %v", err)
	}
	return st
}
