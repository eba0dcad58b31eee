package templates

import (
	"embed"
	"math"
	"strconv"
	"text/template"
)

//go:embed *.tmpl
var FS embed.FS

var funcs = template.FuncMap{
	// num formats a reading, showing "-" when it could not be read.
	"num": func(v float64, prec int) string {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "-"
		}
		return strconv.FormatFloat(v, 'f', prec, 64)
	},
	"pos": func(v int) string {
		if v < 0 {
			return "-"
		}
		return strconv.Itoa(v)
	},
	"onoff": func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	},
}

// LoadTemplates loads all templates from the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(FS, "*.tmpl")
}
