package weather

import (
	"math"
)

const Unknown = "Unknown"

// scale maps a reading to a label: the first label whose upper bound the
// value is below, or the last label.
type scale struct {
	bounds []float64
	labels []string
}

func (s scale) label(v float64) string {
	if math.IsNaN(v) {
		return Unknown
	}
	for i, b := range s.bounds {
		if v < b {
			return s.labels[i]
		}
	}
	return s.labels[len(s.labels)-1]
}

var (
	cloudScale         = scale{[]float64{20, 70}, []string{"Clear", "Cloudy", "Overcast"}}
	humidityScale      = scale{[]float64{30, 70}, []string{"Dry", "Normal", "Humid"}}
	pressureScale      = scale{[]float64{980, 1030}, []string{"Low", "Normal", "High"}}
	rainScale          = scale{[]float64{0.01, 2.5}, []string{"Dry", "Wet", "Rain"}}
	skyBrightnessScale = scale{[]float64{1.5, 20}, []string{"Dark", "Grey", "Bright"}}
	temperatureScale   = scale{[]float64{10, 25}, []string{"Cold", "Normal", "Hot"}}
	skyTempScale       = scale{[]float64{-5, 0}, []string{"Cold", "Normal", "Hot"}}
	skyTempQuality     = scale{[]float64{-5, 0}, []string{"Good", "Normal", "Bad"}}
	windScale          = scale{[]float64{1.5, 3}, []string{"Calm", "Windy", "Very windy"}}
)

// CloudCover buckets a cloud cover percentage.
func CloudCover(v float64) string { return cloudScale.label(v) }

// Humidity buckets a relative humidity percentage.
func Humidity(v float64) string { return humidityScale.label(v) }

// Pressure buckets an atmospheric pressure in hPa.
func Pressure(v float64) string { return pressureScale.label(v) }

// RainRate buckets a rain rate in mm/h.
func RainRate(v float64) string { return rainScale.label(v) }

// SkyBrightness buckets a sky brightness in lux.
func SkyBrightness(v float64) string { return skyBrightnessScale.label(v) }

// Temperature buckets an ambient temperature in °C.
func Temperature(v float64) string { return temperatureScale.label(v) }

// SkyTemperature buckets an infrared sky temperature in °C.
func SkyTemperature(v float64) string { return skyTempScale.label(v) }

// WindSpeed buckets a wind speed or gust in m/s.
func WindSpeed(v float64) string { return windScale.label(v) }

// SkyQuality buckets a sky quality meter reading in mag/arcsec².
func SkyQuality(sqm float64) string {
	switch {
	case math.IsNaN(sqm):
		return Unknown
	case sqm > 21:
		return "Good"
	case sqm > 19:
		return "Normal"
	default:
		return "Bad"
	}
}

// SkyQualityFromTemperature estimates the sky quality from the infrared sky
// temperature when there is no sky quality meter.
func SkyQualityFromTemperature(v float64) string { return skyTempQuality.label(v) }

var sectors = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// WindDirection returns the compass sector of an azimuth in degrees, "None"
// when there is no direction.
func WindDirection(deg float64) string {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return "None"
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return sectors[int(math.Floor((deg+22.5)/45))%8]
}
