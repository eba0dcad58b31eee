package camera

import (
	"context"
	"math"
	"net/url"
	"strconv"

	"observatory/alpaca"
	"observatory/pkg/device"
)

// SetSubframe sets the readout area in binned pixels. The area must fit on
// the sensor at the current binning.
func (c *Camera) SetSubframe(ctx context.Context, sf Subframe) error {
	caps, err := c.require(ctx, "subframe", nil)
	if err != nil {
		return err
	}
	binX, binY, err := c.Binning(ctx)
	if err != nil {
		return err
	}
	if sf.X < 0 || sf.Y < 0 || sf.Width < 1 || sf.Height < 1 {
		return device.InvalidArgument("subframe %+v must have a non-negative origin and a positive size", sf)
	}
	if (sf.X+sf.Width)*binX > caps.SensorX || (sf.Y+sf.Height)*binY > caps.SensorY {
		return device.InvalidArgument("subframe %+v exceeds the %dx%d sensor at binning %dx%d", sf, caps.SensorX, caps.SensorY, binX, binY)
	}

	for _, w := range []struct {
		action, param string
		value         int
	}{
		{"startx", "StartX", sf.X},
		{"starty", "StartY", sf.Y},
		{"numx", "NumX", sf.Width},
		{"numy", "NumY", sf.Height},
	} {
		if err := c.Command(ctx, w.action, url.Values{w.param: {device.Int(w.value)}}); err != nil {
			return err
		}
	}
	return nil
}

// SetBinning sets the binning factors. Asymmetric binning is only accepted
// by cameras that support it.
func (c *Camera) SetBinning(ctx context.Context, x, y int) error {
	caps, err := c.require(ctx, "binning", nil)
	if err != nil {
		return err
	}
	switch {
	case x < 1 || y < 1:
		return device.InvalidArgument("binning %dx%d must be at least 1", x, y)
	case x > caps.MaxBinX || y > caps.MaxBinY:
		return device.InvalidArgument("binning %dx%d exceeds the maximum %dx%d", x, y, caps.MaxBinX, caps.MaxBinY)
	case x != y && !caps.CanAsymmetricBin:
		return device.InvalidArgument("binning %dx%d is asymmetric", x, y)
	}

	if err := c.Command(ctx, "binx", url.Values{"BinX": {device.Int(x)}}); err != nil {
		return err
	}
	return c.Command(ctx, "biny", url.Values{"BinY": {device.Int(y)}})
}

// StartExposure starts an exposure of duration seconds. Dark frames may be
// shorter than the camera's minimum exposure.
func (c *Camera) StartExposure(ctx context.Context, duration float64, light bool) (*device.Action, error) {
	caps, err := c.require(ctx, "startexposure", nil)
	if err != nil {
		return nil, err
	}
	if duration < 0 || duration > caps.ExposureMax {
		return nil, device.InvalidArgument("exposure of %gs outside [0, %g]", duration, caps.ExposureMax)
	}
	if light && duration < caps.ExposureMin {
		return nil, device.InvalidArgument("light exposure of %gs shorter than %gs", duration, caps.ExposureMin)
	}

	params := url.Values{
		"Duration": {device.Float(duration)},
		"Light":    {device.Bool(light)},
	}
	return c.Start(ctx, "startexposure", params, c.exposureDone)
}

func (c *Camera) exposureDone(ctx context.Context) (bool, error) {
	state, err := c.State(ctx)
	if err != nil {
		return false, err
	}
	if state == Error {
		return false, &alpaca.ProtocolError{Code: alpaca.ErrorUnspecified, Message: "camera reported an error during the exposure"}
	}
	return c.ImageReady(ctx)
}

// StopExposure ends the exposure early; the image read so far is kept.
func (c *Camera) StopExposure(ctx context.Context) error {
	if err := c.CheckConnected(); err != nil {
		return err
	}
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.CanStopExposure {
		return device.Unsupported(c.Name(), "stopexposure")
	}
	return c.Stop(ctx, "stopexposure")
}

// AbortExposure ends the exposure early and discards the image.
func (c *Camera) AbortExposure(ctx context.Context) error {
	if err := c.CheckConnected(); err != nil {
		return err
	}
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.CanAbortExposure {
		return device.Unsupported(c.Name(), "abortexposure")
	}
	return c.Stop(ctx, "abortexposure")
}

func (c *Camera) ImageReady(ctx context.Context) (bool, error) {
	return device.Read[bool](ctx, c.Base, "imageready")
}

// Image downloads the last frame.
func (c *Camera) Image(ctx context.Context) (*alpaca.Image, error) {
	if err := c.CheckConnected(); err != nil {
		return nil, err
	}
	ready, err := c.ImageReady(ctx)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, &alpaca.ProtocolError{Code: alpaca.ErrorInvalidOperation, Message: "no image ready"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts().Response)
	defer cancel()
	return c.transport.ImageArray(ctx, alpaca.Camera, c.Number())
}

// Header collects FITS keywords describing the last exposure. Keywords whose
// value cannot be read are left out.
func (c *Camera) Header(ctx context.Context) (map[string]string, error) {
	if err := c.CheckConnected(); err != nil {
		return nil, err
	}
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	var (
		dateObs    string
		expTime    = -1.0
		gain       = -1
		ccdTemp    = math.NaN()
		setTemp    = math.NaN()
		binX, binY int
		numX, numY int
	)
	// Failures leave the sentinels, which are filtered below.
	_ = device.Gather(ctx,
		device.Field(c.Base, "lastexposurestarttime", &dateObs),
		device.Field(c.Base, "lastexposureduration", &expTime),
		device.Field(c.Base, "gain", &gain),
		device.Field(c.Base, "ccdtemperature", &ccdTemp),
		device.Field(c.Base, "setccdtemperature", &setTemp),
		device.Field(c.Base, "binx", &binX),
		device.Field(c.Base, "biny", &binY),
		device.Field(c.Base, "numx", &numX),
		device.Field(c.Base, "numy", &numY),
	)

	h := make(map[string]string)
	if dateObs != "" {
		h["DATE-OBS"] = dateObs
	}
	if expTime >= 0 {
		h["EXPTIME"] = formatFloat(expTime)
	}
	if gain >= 0 {
		h["GAIN"] = strconv.Itoa(gain)
	}
	if !math.IsNaN(ccdTemp) {
		h["CCD-TEMP"] = formatFloat(ccdTemp)
	}
	if !math.IsNaN(setTemp) {
		h["SET-TEMP"] = formatFloat(setTemp)
	}
	if binX > 0 && binY > 0 {
		h["XBINNING"] = strconv.Itoa(binX)
		h["YBINNING"] = strconv.Itoa(binY)
	}
	if numX > 0 && numY > 0 {
		h["NAXIS1"] = strconv.Itoa(numX)
		h["NAXIS2"] = strconv.Itoa(numY)
	}
	if caps.SensorType.Bayer() {
		h["BAYERPAT"] = caps.SensorType.String()
		h["XBAYROFF"] = strconv.Itoa(caps.BayerOffsetX)
		h["YBAYROFF"] = strconv.Itoa(caps.BayerOffsetY)
		h["BAYOFFX"] = h["XBAYROFF"]
		h["BAYOFFY"] = h["YBAYROFF"]
	}
	return h, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
