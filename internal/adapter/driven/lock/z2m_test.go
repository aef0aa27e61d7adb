package lock_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driven/lock"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

// --- Fake MQTT publisher ---

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	tok := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(tok.done)
	}
	return tok
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	connected bool
	token     mqtt.Token
	messages  []published
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.messages = append(p.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if p.token != nil {
		return p.token
	}
	return newFakeToken(nil, true)
}

func (p *fakePublisher) IsConnectionOpen() bool { return p.connected }

func decodePinCode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	require.Contains(t, body, "pin_code")
	return body["pin_code"]
}

// --- Tests ---

func TestZ2M_WriteCodePayload(t *testing.T) {
	pub := &fakePublisher{connected: true}
	z := lock.NewZ2M(pub, "zigbee2mqtt/nimly_lock", 1, discardLogger)

	err := z.WriteCode(context.Background(), 12, "012345", model.CodeTypeGuest)
	require.NoError(t, err)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "zigbee2mqtt/nimly_lock/set", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	pc := decodePinCode(t, msg.payload)
	assert.InDelta(t, 12, pc["user"], 0)
	assert.Equal(t, "unrestricted", pc["user_type"])
	assert.Equal(t, true, pc["user_enabled"])
	assert.Equal(t, "012345", pc["pin_code"], "leading zero must survive")
}

func TestZ2M_EraseCodePayload(t *testing.T) {
	pub := &fakePublisher{connected: true}
	z := lock.NewZ2M(pub, "zigbee2mqtt/front_door", 1, discardLogger)

	require.NoError(t, z.EraseCode(context.Background(), 3))

	require.Len(t, pub.messages, 1)
	pc := decodePinCode(t, pub.messages[0].payload)
	assert.InDelta(t, 3, pc["user"], 0)
	assert.Equal(t, false, pc["user_enabled"])
	assert.Contains(t, pc, "pin_code")
	assert.Nil(t, pc["pin_code"])
	assert.NotContains(t, pc, "user_type")
}

func TestZ2M_DisconnectedFailsFast(t *testing.T) {
	pub := &fakePublisher{connected: false}
	z := lock.NewZ2M(pub, "zigbee2mqtt/nimly_lock", 1, discardLogger)

	err := z.WriteCode(context.Background(), 1, "123456", model.CodeTypePermanent)
	require.ErrorIs(t, err, driven.ErrLockUnavailable)
	assert.Empty(t, pub.messages)
}

func TestZ2M_BrokerError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	pub := &fakePublisher{connected: true, token: newFakeToken(brokerErr, true)}
	z := lock.NewZ2M(pub, "zigbee2mqtt/nimly_lock", 1, discardLogger)

	err := z.EraseCode(context.Background(), 1)
	assert.ErrorIs(t, err, brokerErr)
}

func TestZ2M_AckTimeout(t *testing.T) {
	pub := &fakePublisher{connected: true, token: newFakeToken(nil, false)}
	z := lock.NewZ2M(pub, "zigbee2mqtt/nimly_lock", 1, discardLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := z.WriteCode(ctx, 1, "123456", model.CodeTypePermanent)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
