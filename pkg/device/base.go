package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// Transport is the subset of the Alpaca client a device service needs.
type Transport interface {
	Get(ctx context.Context, dt alpaca.DeviceType, number int, action string) (json.RawMessage, error)
	Put(ctx context.Context, dt alpaca.DeviceType, number int, action string, params url.Values) error
}

var _ Transport = (*alpaca.Client)(nil)

// Gate decides whether actuation is currently allowed. The observatory
// installs itself as the gate of every device it owns.
type Gate interface {
	CheckActuation() error
}

type Timeouts struct {
	Connect  time.Duration `yaml:"connect"`
	Response time.Duration `yaml:"response"`
}

var DefaultTimeouts = Timeouts{
	Connect:  15 * time.Second,
	Response: 60 * time.Second,
}

const DefaultPollInterval = time.Second

// Config selects the device on the bridge and its timing.
type Config struct {
	Number       int           `yaml:"number"`
	Timeouts     Timeouts      `yaml:"timeouts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = DefaultTimeouts.Connect
	}
	if c.Timeouts.Response <= 0 {
		c.Timeouts.Response = DefaultTimeouts.Response
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Base holds what every device service shares: the transport, the device
// address, the connection flag and the actuation gate.
type Base struct {
	transport  Transport
	deviceType alpaca.DeviceType
	config     Config
	logger     log.FieldLogger

	connected atomic.Bool

	mu        sync.RWMutex
	gate      Gate
	onConnect []func()
}

func NewBase(t Transport, dt alpaca.DeviceType, config Config, logger log.FieldLogger) *Base {
	b := &Base{
		transport:  t,
		deviceType: dt,
		config:     config.withDefaults(),
	}
	b.logger = logger.WithField("device", b.Name())
	return b
}

// Name returns the device address, e.g. "dome/0".
func (b *Base) Name() string {
	return fmt.Sprintf("%s/%d", b.deviceType, b.config.Number)
}

func (b *Base) Type() alpaca.DeviceType {
	return b.deviceType
}

func (b *Base) Number() int {
	return b.config.Number
}

func (b *Base) Logger() log.FieldLogger {
	return b.logger
}

func (b *Base) PollInterval() time.Duration {
	return b.config.PollInterval
}

func (b *Base) Timeouts() Timeouts {
	return b.config.Timeouts
}

// SetGate installs the actuation gate. A nil gate allows everything.
func (b *Base) SetGate(g Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

// OnConnect registers fn to run after every fresh connection.
func (b *Base) OnConnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, fn)
}

func (b *Base) IsConnected() bool {
	return b.connected.Load()
}

// Connect connects the device. Connecting a connected device does nothing.
func (b *Base) Connect(ctx context.Context) error {
	if b.connected.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Timeouts.Connect)
	defer cancel()

	params := url.Values{"Connected": {"true"}}
	if err := b.transport.Put(ctx, b.deviceType, b.config.Number, "connected", params); err != nil {
		return fmt.Errorf("cannot connect %s: %w", b.Name(), err)
	}

	if b.connected.CompareAndSwap(false, true) {
		b.mu.RLock()
		hooks := b.onConnect
		b.mu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
		b.logger.Info("Connected")
	}
	return nil
}

// Disconnect disconnects the device. Disconnecting a disconnected device
// does nothing.
func (b *Base) Disconnect(ctx context.Context) error {
	if !b.connected.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Timeouts.Connect)
	defer cancel()

	params := url.Values{"Connected": {"false"}}
	if err := b.transport.Put(ctx, b.deviceType, b.config.Number, "connected", params); err != nil {
		return fmt.Errorf("cannot disconnect %s: %w", b.Name(), err)
	}

	if b.connected.CompareAndSwap(true, false) {
		b.logger.Info("Disconnected")
	}
	return nil
}

// CheckConnected fails with ErrNotConnected when the device is not
// connected.
func (b *Base) CheckConnected() error {
	if !b.connected.Load() {
		return fmt.Errorf("%s: %w", b.Name(), ErrNotConnected)
	}
	return nil
}

// CheckActuation fails when the device is not connected or the gate refuses
// actuation.
func (b *Base) CheckActuation() error {
	if err := b.CheckConnected(); err != nil {
		return err
	}

	b.mu.RLock()
	gate := b.gate
	b.mu.RUnlock()
	if gate == nil {
		return nil
	}
	if err := gate.CheckActuation(); err != nil {
		return fmt.Errorf("%s: %w", b.Name(), err)
	}
	return nil
}

// Get reads a raw property value.
func (b *Base) Get(ctx context.Context, action string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeouts.Response)
	defer cancel()
	return b.transport.Get(ctx, b.deviceType, b.config.Number, action)
}

// Put writes to the device without any gating. Use Command for actuation.
func (b *Base) Put(ctx context.Context, action string, params url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeouts.Response)
	defer cancel()
	return b.transport.Put(ctx, b.deviceType, b.config.Number, action, params)
}

// Command issues an actuation after checking the connection and the gate.
// Nothing is sent when the check fails.
func (b *Base) Command(ctx context.Context, action string, params url.Values) error {
	if err := b.CheckActuation(); err != nil {
		return err
	}
	return b.Put(ctx, action, params)
}

// Stop issues a halt or abort. It only requires a connection so that it
// still reaches the device after the observatory has been halted.
func (b *Base) Stop(ctx context.Context, action string) error {
	if err := b.CheckConnected(); err != nil {
		return err
	}
	return b.Put(ctx, action, nil)
}

// Read reads a property and decodes it into T.
func Read[T any](ctx context.Context, b *Base, action string) (T, error) {
	raw, err := b.Get(ctx, action)
	if err != nil {
		var zero T
		return zero, err
	}
	return alpaca.DecodeValue[T](raw, fmt.Sprintf("GET %s/%s", b.Name(), action))
}

// Probe reads an optional property. A protocol error means the driver does
// not implement it: fallback is returned with ok false. Transport failures
// are returned as errors.
func Probe[T any](ctx context.Context, b *Base, action string, fallback T) (value T, ok bool, err error) {
	v, err := Read[T](ctx, b, action)
	if err != nil {
		var perr *alpaca.ProtocolError
		if errors.As(err, &perr) {
			b.logger.Debugf("%s not available: %v", action, err)
			return fallback, false, nil
		}
		return fallback, false, err
	}
	return v, true, nil
}

// Bool formats a boolean action parameter.
func Bool(v bool) string {
	return strconv.FormatBool(v)
}

// Float formats a floating point action parameter.
func Float(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Int formats an integer action parameter.
func Int(v int) string {
	return strconv.Itoa(v)
}
