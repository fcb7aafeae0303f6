package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-edge/internal/config"
	"anpr-edge/internal/domain/anpr"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements only what the emitter calls.
type fakeClient struct {
	mqtt.Client
	err  error
	sent []published
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Disconnect(uint) {}

func decision() anpr.AccessDecision {
	return anpr.AccessDecision{Event: anpr.DetectionEvent{
		ID:          "evt-1",
		NodeID:      "plaza-07",
		PlateNumber: "TN01AB1234",
		Confidence:  0.91,
		Status:      anpr.StatusAllowed,
	}}
}

func connectedEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "localhost:1883", Topic: "anpr/detections/", QoS: 1}, "plaza-07", zerolog.Nop())
	e.client = client
	e.setConnected(true)
	return e
}

func TestNotify_NotConnected(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Topic: "anpr"}, "n1", zerolog.Nop())
	err := e.Notify(context.Background(), decision())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestNotify_Publishes(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	require.NoError(t, e.Notify(context.Background(), decision()))
	require.Len(t, client.sent, 1)

	msg := client.sent[0]
	assert.Equal(t, "anpr/detections/plaza-07/allowed", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var ev anpr.DetectionEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "TN01AB1234", ev.PlateNumber)
	assert.Equal(t, anpr.StatusAllowed, ev.Status)

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published["anpr/detections/plaza-07/allowed"])
}

func TestNotify_PublishError(t *testing.T) {
	client := &fakeClient{err: errors.New("broker gone")}
	e := connectedEmitter(client)

	err := e.Notify(context.Background(), decision())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestDisconnect(t *testing.T) {
	e := connectedEmitter(&fakeClient{})
	e.Disconnect()
	assert.False(t, e.Stats().Connected)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}
