// Package metadata describes a captured frame with the state of the
// observatory at the time it was taken.
package metadata

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"

	"observatory/alpaca"
	"observatory/pkg/camera"
	"observatory/pkg/framestore"
	"observatory/pkg/observatory"
	"observatory/pkg/weather"
)

// Camera supplies the frame and its exposure header.
type Camera interface {
	Image(ctx context.Context) (*alpaca.Image, error)
	Header(ctx context.Context) (map[string]string, error)
}

type StatusSource interface {
	Status(ctx context.Context) observatory.Status
}

// FrameStore persists a frame with its metadata and returns where it went.
type FrameStore interface {
	Store(ctx context.Context, name string, img *alpaca.Image, metadata map[string]string) (string, error)
}

var (
	_ Camera       = (*camera.Camera)(nil)
	_ StatusSource = (*observatory.Observatory)(nil)
	_ FrameStore   = (*framestore.Disk)(nil)
)

// fields collects metadata, dropping values that are not available.
type fields map[string]string

func (f fields) putFloat(key string, v float64, prec int) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	f[key] = strconv.FormatFloat(v, 'f', prec, 64)
}

func (f fields) putInt(key string, v int) {
	if v < 0 {
		return
	}
	f[key] = strconv.Itoa(v)
}

func (f fields) putString(key, v string) {
	if v == "" || v == weather.Unknown {
		return
	}
	f[key] = v
}

func (f fields) putBool(key string, v bool) {
	f[key] = strconv.FormatBool(v)
}

// Assemble merges the exposure header with the observatory status into a
// flat set of fields. Values a device could not provide are left out; the
// header wins over the status for keys present in both.
func Assemble(header map[string]string, st observatory.Status) map[string]string {
	f := fields{}

	f.putString("OBSSTATE", st.State.String())
	if st.Operator != nil {
		f.putString("OBSERVER", st.Operator.Name)
		f.putString("OBSERVID", st.Operator.ID)
	}
	if st.Job != nil {
		f.putString("JOBNAME", st.Job.Name)
		f.putString("JOBID", st.Job.ID.String())
	}

	if t := st.Telescope; t.Connected {
		f.putFloat("RA", t.RightAscension, 6)
		f.putFloat("DEC", t.Declination, 6)
		f.putFloat("CENTALT", t.Altitude, 4)
		f.putFloat("CENTAZ", t.Azimuth, 4)
		f.putFloat("SIDTIME", t.SiderealTime, 6)
		f.putBool("TRACKING", t.Tracking)
	}

	if d := st.Dome; d.Connected {
		f.putFloat("DOMEAZ", d.Azimuth, 2)
		f.putInt("SHUTTER", d.Shutter)
		f.putString("SHUTSTAT", d.ShutterStatus.String())
		f.putBool("DOMESLAV", d.Slaved)
	}

	if c := st.Camera; c.Connected {
		f.putFloat("CCD-TEMP", c.Temperature, 2)
		f.putString("COOLSTAT", c.CoolerStatus.String())
		f.putFloat("COOLPOW", c.CoolerPower, 1)
	}

	if w := st.FilterWheel; w.Connected {
		f.putString("FILTER", w.Filter)
		f.putInt("FILTPOS", w.Position)
	}

	if fo := st.Focuser; fo.Connected {
		f.putInt("FOCPOS", fo.Position)
		f.putFloat("FOCTEMP", fo.Temperature, 2)
	}

	if w := st.Weather; w.Connected {
		f.putString("CLOUDS", w.CloudCover)
		f.putString("HUMIDITY", w.Humidity)
		f.putString("PRESSURE", w.Pressure)
		f.putString("AMBTEMP", w.Temperature)
		f.putString("RAIN", w.RainRate)
		f.putString("WINDSPD", w.WindSpeed)
		f.putString("WINDGUST", w.WindGust)
		f.putString("WINDDIR", w.WindDirection)
		f.putString("SKYBRGHT", w.SkyBrightness)
		f.putString("SKYTEMP", w.SkyTemperature)
		f.putString("SKYQUAL", w.SkyQuality)
		f.putBool("SAFE", st.Safe)
	}

	for k, v := range header {
		f.putString(k, v)
	}
	return f
}

// Capture downloads the last frame, reads its header and the observatory
// status concurrently, and hands the frame with its metadata to fs. It
// returns the storage path.
func Capture(ctx context.Context, cam Camera, obs StatusSource, fs FrameStore, name string) (string, error) {
	var (
		img    *alpaca.Image
		header map[string]string
		status observatory.Status
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		img, err = cam.Image(gctx)
		return err
	})
	g.Go(func() (err error) {
		header, err = cam.Header(gctx)
		return err
	})
	g.Go(func() error {
		status = obs.Status(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("cannot capture %s: %w", name, err)
	}

	return fs.Store(ctx, name, img, Assemble(header, status))
}
