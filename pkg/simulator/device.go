package simulator

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// ActionFunc handles a PUT action. It runs with the device lock held.
type ActionFunc func(d *Device, params url.Values) error

// GetterFunc computes a property on read. It runs with the device lock held.
type GetterFunc func(d *Device) (any, error)

// motion keeps a property in its busy value for a number of reads.
type motion struct {
	remaining int
	finish    func(d *Device)
}

// properties readable while the device is disconnected
var metadataProps = map[string]bool{
	"connected":        true,
	"name":             true,
	"description":      true,
	"driverinfo":       true,
	"driverversion":    true,
	"interfaceversion": true,
	"supportedactions": true,
}

// Device is a simulated Alpaca device: a property table, computed
// properties and action handlers.
type Device struct {
	info   alpaca.DeviceInfo
	logger log.FieldLogger

	mu          sync.Mutex
	props       map[string]any
	getters     map[string]GetterFunc
	actions     map[string]ActionFunc
	failures    map[string]alpaca.ErrorCode
	motions     map[string]*motion
	motionPolls int
	image       *alpaca.Image
}

// NewDevice creates a disconnected device with the common metadata
// properties set.
func NewDevice(dt alpaca.DeviceType, number int, name string, logger log.FieldLogger) *Device {
	d := &Device{
		info: alpaca.DeviceInfo{
			Name:     name,
			Type:     dt,
			Number:   number,
			UniqueID: uuid.NewString(),
		},
		logger:   logger.WithField("device", fmt.Sprintf("%s/%d", dt, number)),
		props:    make(map[string]any),
		getters:  make(map[string]GetterFunc),
		actions:  make(map[string]ActionFunc),
		failures: make(map[string]alpaca.ErrorCode),
		motions:  make(map[string]*motion),
	}

	d.props["connected"] = false
	d.props["name"] = name
	d.props["description"] = name + " (simulated)"
	d.props["driverinfo"] = "Observatory bridge simulator"
	d.props["driverversion"] = "1.0"
	d.props["interfaceversion"] = 1
	d.props["supportedactions"] = []string{}
	return d
}

func (d *Device) DeviceInfo() alpaca.DeviceInfo {
	return d.info
}

// Set assigns a property value.
func (d *Device) Set(prop string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[prop] = value
}

// Get returns a property value, nil when it does not exist.
func (d *Device) Get(prop string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[prop]
}

// Remove deletes a property so reading it answers "not implemented".
func (d *Device) Remove(prop string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.props, prop)
	delete(d.getters, prop)
}

// Fail makes every read and write of action answer with code.
func (d *Device) Fail(action string, code alpaca.ErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[action] = code
}

// Recover undoes Fail.
func (d *Device) Recover(action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, action)
}

// Handle registers a handler for a PUT action.
func (d *Device) Handle(action string, fn ActionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[action] = fn
}

// Compute registers a computed property.
func (d *Device) Compute(prop string, fn GetterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getters[prop] = fn
}

// SetMotionPolls sets how many reads a motion stays busy. Zero completes
// motions immediately.
func (d *Device) SetMotionPolls(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.motionPolls = n
}

func (d *Device) read(action string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if code, ok := d.failures[action]; ok {
		return nil, &alpaca.ProtocolError{Code: code}
	}
	if !metadataProps[action] && !d.connected() {
		return nil, &alpaca.ProtocolError{Code: alpaca.ErrorNotConnected}
	}

	if m, ok := d.motions[action]; ok {
		m.remaining--
		if m.remaining <= 0 {
			delete(d.motions, action)
			m.finish(d)
		}
	}

	if fn, ok := d.getters[action]; ok {
		return fn(d)
	}
	v, ok := d.props[action]
	if !ok {
		return nil, &alpaca.ProtocolError{Code: alpaca.ErrorNotImplemented, Message: "Property " + action + " is not implemented"}
	}
	return v, nil
}

func (d *Device) write(action string, params url.Values) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if code, ok := d.failures[action]; ok {
		return &alpaca.ProtocolError{Code: code}
	}

	if action == "connected" {
		connected, err := paramBool(params, "Connected")
		if err != nil {
			return err
		}
		if connected && !d.connected() {
			d.logger.Infof("%s connected", d.info.Name)
		} else if !connected && d.connected() {
			d.logger.Infof("%s disconnected", d.info.Name)
		}
		d.props["connected"] = connected
		return nil
	}
	if !d.connected() {
		return &alpaca.ProtocolError{Code: alpaca.ErrorNotConnected}
	}

	if fn, ok := d.actions[action]; ok {
		return fn(d, params)
	}
	if cur, ok := d.props[action]; ok && !strings.HasPrefix(action, "can") {
		return d.assign(action, cur, params)
	}
	return &alpaca.ProtocolError{Code: alpaca.ErrorNotImplemented, Message: "Method " + action + " is not implemented"}
}

// assign sets a writable property from the parameter with the same name.
func (d *Device) assign(action string, cur any, params url.Values) error {
	var (
		v   any
		err error
	)
	switch cur.(type) {
	case bool:
		v, err = paramBool(params, action)
	case int:
		v, err = paramInt(params, action)
	case float64:
		v, err = paramFloat(params, action)
	case string:
		v, err = paramString(params, action)
	default:
		return &alpaca.ProtocolError{Code: alpaca.ErrorNotImplemented, Message: "Property " + action + " is read only"}
	}
	if err != nil {
		return err
	}
	d.props[action] = v
	return nil
}

func (d *Device) connected() bool {
	return d.boolProp("connected")
}

// Accessors below expect the device lock to be held.

func (d *Device) boolProp(prop string) bool {
	v, _ := d.props[prop].(bool)
	return v
}

func (d *Device) floatProp(prop string) float64 {
	switch v := d.props[prop].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (d *Device) intProp(prop string) int {
	switch v := d.props[prop].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// move puts prop into its busy value and runs finish after the configured
// number of reads.
func (d *Device) move(prop string, busy any, finish func(d *Device)) {
	if d.motionPolls <= 0 {
		finish(d)
		return
	}
	d.props[prop] = busy
	d.motions[prop] = &motion{remaining: d.motionPolls, finish: finish}
}

// halt cancels a motion without running its completion.
func (d *Device) halt(prop string) bool {
	_, ok := d.motions[prop]
	delete(d.motions, prop)
	return ok
}

func invalidValue(format string, args ...any) error {
	return &alpaca.ProtocolError{Code: alpaca.ErrorInvalidValue, Message: fmt.Sprintf(format, args...)}
}

func paramString(params url.Values, name string) (string, error) {
	v, ok := lookup(params, name)
	if !ok {
		return "", invalidValue("missing parameter %s", name)
	}
	return v, nil
}

func paramBool(params url.Values, name string) (bool, error) {
	v, err := paramString(params, name)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidValue("invalid %s: %s", name, v)
	}
	return b, nil
}

func paramFloat(params url.Values, name string) (float64, error) {
	v, err := paramString(params, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, invalidValue("invalid %s: %s", name, v)
	}
	return f, nil
}

func paramInt(params url.Values, name string) (int, error) {
	v, err := paramString(params, name)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidValue("invalid %s: %s", name, v)
	}
	return i, nil
}

func (d *Device) lastImage() (*alpaca.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected() {
		return nil, &alpaca.ProtocolError{Code: alpaca.ErrorNotConnected}
	}
	if d.image == nil {
		return nil, &alpaca.ProtocolError{Code: alpaca.ErrorInvalidOperation, Message: "No image available"}
	}
	return d.image, nil
}
