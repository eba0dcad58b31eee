package simulator

import (
	"math"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// Camera states as reported by the camerastate property.
const (
	cameraIdle = iota
	cameraWaiting
	cameraExposing
	cameraReading
	cameraDownloading
	cameraError
)

const (
	cameraWidth  = 64
	cameraHeight = 48
)

// Camera is a simulated cooled one-shot-colour camera. The sensor follows the
// setpoint instantly while the cooler is on, down to the coolerfloor temperature.
type Camera struct {
	*Device
}

func NewCamera(number int, logger log.FieldLogger) *Camera {
	d := NewDevice(alpaca.Camera, number, "Camera Simulator", logger)
	c := &Camera{Device: d}

	for _, p := range []string{"canabortexposure", "canstopexposure", "canasymmetricbin", "cansetccdtemperature", "cangetcoolerpower"} {
		d.props[p] = true
	}
	d.props["sensorname"] = "SIM-CMOS"
	d.props["sensortype"] = 2
	d.props["bayeroffsetx"] = 0
	d.props["bayeroffsety"] = 0
	d.props["cameraxsize"] = cameraWidth
	d.props["cameraysize"] = cameraHeight
	d.props["maxbinx"] = 4
	d.props["maxbiny"] = 4
	d.props["exposuremin"] = 0.001
	d.props["exposuremax"] = 3600.0
	d.props["gain"] = 100

	d.props["heatsinktemperature"] = 20.0
	d.props["ccdtemperature"] = 20.0
	d.props["setccdtemperature"] = 20.0
	d.props["cooleron"] = false
	d.props["coolerfloor"] = -40.0

	d.props["camerastate"] = cameraIdle
	d.props["imageready"] = false
	d.props["binx"] = 1
	d.props["biny"] = 1
	d.props["startx"] = 0
	d.props["starty"] = 0
	d.props["numx"] = cameraWidth
	d.props["numy"] = cameraHeight

	d.getters["coolerpower"] = func(d *Device) (any, error) {
		return coolerPower(d), nil
	}
	d.getters["percentcompleted"] = func(d *Device) (any, error) {
		if d.intProp("camerastate") == cameraIdle && !d.boolProp("imageready") {
			return nil, &alpaca.ProtocolError{Code: alpaca.ErrorInvalidOperation, Message: "No exposure in progress"}
		}
		if d.intProp("camerastate") == cameraIdle {
			return 100, nil
		}
		return 50, nil
	}

	d.actions["cooleron"] = func(d *Device, params url.Values) error {
		on, err := paramBool(params, "CoolerOn")
		if err != nil {
			return err
		}
		d.props["cooleron"] = on
		updateSensor(d)
		return nil
	}
	d.actions["setccdtemperature"] = func(d *Device, params url.Values) error {
		t, err := paramFloat(params, "SetCCDTemperature")
		if err != nil {
			return err
		}
		if t < -273.15 || t > 50 {
			return invalidValue("setpoint out of range: %f", t)
		}
		d.props["setccdtemperature"] = t
		updateSensor(d)
		return nil
	}
	d.actions["binx"] = func(d *Device, params url.Values) error {
		return setBinning(d, params, "BinX", "binx", "maxbinx")
	}
	d.actions["biny"] = func(d *Device, params url.Values) error {
		return setBinning(d, params, "BinY", "biny", "maxbiny")
	}
	d.actions["startexposure"] = cameraStartExposure
	d.actions["stopexposure"] = func(d *Device, _ url.Values) error {
		if d.halt("camerastate") {
			finishExposure(d)
		}
		return nil
	}
	d.actions["abortexposure"] = func(d *Device, _ url.Values) error {
		d.halt("camerastate")
		d.props["camerastate"] = cameraIdle
		return nil
	}
	return c
}

// SetCoolerFloor sets the lowest temperature the cooler can reach.
func (c *Camera) SetCoolerFloor(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props["coolerfloor"] = t
	updateSensor(c.Device)
}

func updateSensor(d *Device) {
	ambient := d.floatProp("heatsinktemperature")
	if !d.boolProp("cooleron") {
		d.props["ccdtemperature"] = ambient
		return
	}
	d.props["ccdtemperature"] = math.Min(ambient, math.Max(d.floatProp("setccdtemperature"), d.floatProp("coolerfloor")))
}

func coolerPower(d *Device) float64 {
	if !d.boolProp("cooleron") {
		return 0
	}
	ambient := d.floatProp("heatsinktemperature")
	span := ambient - d.floatProp("coolerfloor")
	if span <= 0 {
		return 100
	}
	return 100 * math.Max(0, math.Min(1, (ambient-d.floatProp("ccdtemperature"))/span))
}

func setBinning(d *Device, params url.Values, param, prop, maxProp string) error {
	bin, err := paramInt(params, param)
	if err != nil {
		return err
	}
	if bin < 1 || bin > d.intProp(maxProp) {
		return invalidValue("%s out of range: %d", param, bin)
	}
	d.props[prop] = bin
	return nil
}

func cameraStartExposure(d *Device, params url.Values) error {
	duration, err := paramFloat(params, "Duration")
	if err != nil {
		return err
	}
	light, err := paramBool(params, "Light")
	if err != nil {
		return err
	}
	if duration < 0 || duration > d.floatProp("exposuremax") {
		return invalidValue("duration out of range: %f", duration)
	}
	if light && duration < d.floatProp("exposuremin") {
		return invalidValue("duration out of range: %f", duration)
	}
	if (d.intProp("startx")+d.intProp("numx"))*d.intProp("binx") > d.intProp("cameraxsize") ||
		(d.intProp("starty")+d.intProp("numy"))*d.intProp("biny") > d.intProp("cameraysize") {
		return invalidValue("subframe exceeds the sensor")
	}

	d.props["imageready"] = false
	d.props["lastexposurestarttime"] = time.Now().UTC().Format("2006-01-02T15:04:05.000")
	d.props["lastexposureduration"] = duration
	d.move("camerastate", cameraExposing, finishExposure)
	return nil
}

func finishExposure(d *Device) {
	w, h := d.intProp("numx"), d.intProp("numy")
	img := &alpaca.Image{
		ElementType: alpaca.ElementInt32,
		Rank:        2,
		Width:       w,
		Height:      h,
		Planes:      1,
		Data:        make([]int32, w*h),
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Data[x*h+y] = int32(1000 + x*10 + y)
		}
	}
	d.image = img
	d.props["camerastate"] = cameraIdle
	d.props["imageready"] = true
}
