// Package telemetry publishes the observatory state and status over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/observatory"
)

type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

const (
	stateTopic  = "state"
	statusTopic = "status"

	DefaultTimeout = 5 * time.Second
)

type Config struct {
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	TopicRoot string        `yaml:"topic_root"`
	Format    Format        `yaml:"format"`
	Timeout   time.Duration `yaml:"timeout"`
}

var DefaultConfig = Config{
	ClientID:  "observatory",
	TopicRoot: "observatory",
	Format:    JSON,
	Timeout:   DefaultTimeout,
}

// createMQTTClient connects to the broker named in cfg.
func createMQTTClient(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Publisher sends state transitions, retained, to <root>/state and status
// snapshots to <root>/status.
type Publisher struct {
	client  mqtt.Client
	root    string
	format  Format
	timeout time.Duration
	logger  log.FieldLogger
}

var _ observatory.EventPublisher = (*Publisher)(nil)

// Connect connects to the broker and returns a publisher using it.
func Connect(cfg Config, logger log.FieldLogger) (*Publisher, error) {
	client, err := createMQTTClient(cfg)
	if err != nil {
		return nil, err
	}
	p := NewPublisher(client, cfg, logger)
	p.logger.Infof("Connected to MQTT broker %s", cfg.Broker)
	return p, nil
}

func NewPublisher(client mqtt.Client, cfg Config, logger log.FieldLogger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Format == "" {
		cfg.Format = JSON
	}
	return &Publisher{
		client:  client,
		root:    cfg.TopicRoot,
		format:  cfg.Format,
		timeout: cfg.Timeout,
		logger:  logger.WithField("component", "telemetry"),
	}
}

func (p *Publisher) topic(name string) string {
	if p.root == "" {
		return name
	}
	return p.root + "/" + name
}

// PublishEvent publishes a state transition as retained JSON, so that new
// subscribers see the current state.
func (p *Publisher) PublishEvent(ctx context.Context, e observatory.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.topic(stateTopic), true, payload)
}

// PublishStatus publishes a status snapshot. Unavailable readings are sent
// as null.
func (p *Publisher) PublishStatus(ctx context.Context, st observatory.Status) error {
	payload, err := p.encode(sanitize(st))
	if err != nil {
		return fmt.Errorf("cannot encode status: %w", err)
	}
	return p.publish(ctx, p.topic(statusTopic), false, payload)
}

func (p *Publisher) encode(v any) ([]byte, error) {
	switch p.format {
	case JSON:
		return json.Marshal(v)
	case CBOR:
		return cbor.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown telemetry format %q", p.format)
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("cannot publish to %s: %w", topic, err)
		}
		p.logger.Debugf("Published %d bytes to %s", len(payload), topic)
		return nil
	case <-timer.C:
		return fmt.Errorf("publishing to %s timed out after %s", topic, p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type StatusSource interface {
	Status(ctx context.Context) observatory.Status
}

// Run publishes the status of source every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, source StatusSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishStatus(ctx, source.Status(ctx)); err != nil && ctx.Err() == nil {
				p.logger.Warnf("Status not published: %v", err)
			}
		}
	}
}

// Close disconnects from the broker, giving pending messages 250ms.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.logger.Info("Disconnected from MQTT broker")
}
