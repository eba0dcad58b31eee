package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"observatory/pkg/camera"
	"observatory/pkg/observatory"
	"observatory/pkg/telescope"
)

// token is a finished or pending mqtt.Token.
type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} { return t.done }
func (t *token) Error() error          { return t.err }

type mockClient struct {
	mqtt.Client
	mock.Mock
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func newTestPublisher(client mqtt.Client, format Format) *Publisher {
	logger := log.New()
	logger.SetOutput(io.Discard)
	cfg := DefaultConfig
	cfg.Format = format
	cfg.Timeout = 50 * time.Millisecond
	return NewPublisher(client, cfg, logger)
}

func testStatus() observatory.Status {
	return observatory.Status{
		Time:  time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC),
		State: observatory.Idle,
		Telescope: telescope.Status{
			Connected:   true,
			Altitude:    45,
			Azimuth:     math.NaN(),
			Declination: math.Inf(1),
		},
		Camera: camera.Status{
			CoolerStatus: camera.CoolerStable,
			Temperature:  -10,
		},
	}
}

func TestSanitize(t *testing.T) {
	got := sanitize(testStatus()).(map[string]any)

	assert.Equal(t, "IDLE", got["state"])
	assert.Equal(t, "2026-10-16T22:00:00Z", got["time"])
	assert.NotContains(t, got, "operator")
	assert.NotContains(t, got, "job")

	tel := got["telescope"].(map[string]any)
	assert.Equal(t, 45.0, tel["altitude"])
	assert.Nil(t, tel["azimuth"])
	assert.Contains(t, tel, "azimuth")
	assert.Nil(t, tel["declination"])
	assert.Equal(t, true, tel["connected"])

	cam := got["camera"].(map[string]any)
	assert.Equal(t, "Stable", cam["coolerStatus"])
}

func TestPublishStatusJSON(t *testing.T) {
	client := &mockClient{}
	client.On("Publish", "observatory/status", byte(0), false, mock.Anything).Return(doneToken(nil))
	p := newTestPublisher(client, JSON)

	require.NoError(t, p.PublishStatus(context.Background(), testStatus()))

	payload := client.Calls[0].Arguments.Get(3).([]byte)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "IDLE", decoded["state"])
	assert.Nil(t, decoded["telescope"].(map[string]any)["azimuth"])
}

func TestPublishStatusCBOR(t *testing.T) {
	client := &mockClient{}
	client.On("Publish", "observatory/status", byte(0), false, mock.Anything).Return(doneToken(nil))
	p := newTestPublisher(client, CBOR)

	require.NoError(t, p.PublishStatus(context.Background(), testStatus()))

	payload := client.Calls[0].Arguments.Get(3).([]byte)
	var decoded map[string]any
	require.NoError(t, cbor.Unmarshal(payload, &decoded))
	assert.Equal(t, "IDLE", decoded["state"])
}

func TestPublishEventRetained(t *testing.T) {
	client := &mockClient{}
	client.On("Publish", "observatory/state", byte(0), true, mock.Anything).Return(doneToken(nil))
	p := newTestPublisher(client, CBOR)

	e := observatory.Event{
		Previous: observatory.Idle,
		Reason:   "take control: u1",
		Snapshot: observatory.Snapshot{State: observatory.Manual, Operator: &observatory.Operator{ID: "u1"}},
	}
	require.NoError(t, p.PublishEvent(context.Background(), e))

	var decoded observatory.Event
	require.NoError(t, json.Unmarshal(client.Calls[0].Arguments.Get(3).([]byte), &decoded))
	assert.Equal(t, observatory.Manual, decoded.State)
	assert.Equal(t, observatory.Idle, decoded.Previous)
	assert.Equal(t, "u1", decoded.Operator.ID)
}

func TestPublishErrors(t *testing.T) {
	client := &mockClient{}
	client.On("Publish", "observatory/state", byte(0), true, mock.Anything).Return(doneToken(errors.New("not connected"))).Once()
	client.On("Publish", "observatory/state", byte(0), true, mock.Anything).Return(&token{done: make(chan struct{})})
	p := newTestPublisher(client, JSON)
	ctx := context.Background()

	assert.ErrorContains(t, p.PublishEvent(ctx, observatory.Event{}), "not connected")
	assert.ErrorContains(t, p.PublishEvent(ctx, observatory.Event{}), "timed out")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, p.PublishEvent(cancelled, observatory.Event{}), context.Canceled)
}

type fixedStatus observatory.Status

func (s fixedStatus) Status(context.Context) observatory.Status {
	return observatory.Status(s)
}

func TestRun(t *testing.T) {
	client := &mockClient{}
	published := make(chan struct{}, 10)
	client.On("Publish", "observatory/status", byte(0), false, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case published <- struct{}{}:
			default:
			}
		}).
		Return(doneToken(nil))
	p := newTestPublisher(client, JSON)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, fixedStatus(testStatus()), 5*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatal("status not published")
		}
	}
	cancel()
	<-done
}

func TestClose(t *testing.T) {
	client := &mockClient{}
	client.On("Disconnect", uint(250)).Return()
	newTestPublisher(client, JSON).Close()
	client.AssertExpectations(t)
}
