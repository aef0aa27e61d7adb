package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LockAdapter = (*Z2M)(nil)

// Publisher is the subset of mqtt.Client used by Z2M.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Dial connects to the MQTT broker. The returned client reconnects on its own
// after a lost connection; commands issued while disconnected fail fast.
func Dial(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (mqtt.Client, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", opts.Broker, "error", err)
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connect to mqtt broker %s: %w", opts.Broker, err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", opts.Broker, ctx.Err())
	}

	return client, nil
}

// pinCodeCommand is the Zigbee2MQTT "pin_code" set payload for Nimly locks.
type pinCodeCommand struct {
	PinCode pinCodePayload `json:"pin_code"`
}

type pinCodePayload struct {
	User        int     `json:"user"`
	UserType    string  `json:"user_type,omitempty"`
	UserEnabled bool    `json:"user_enabled"`
	PinCode     *string `json:"pin_code"`
}

// Z2M programs codes on a Nimly lock paired through Zigbee2MQTT by publishing
// to "<topic>/set". Zigbee2MQTT gives no per-command confirmation, so a
// command counts as applied once the broker acknowledges it.
type Z2M struct {
	client Publisher
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewZ2M creates an adapter publishing to the device topic, e.g. "zigbee2mqtt/nimly_lock".
func NewZ2M(client Publisher, topic string, qos byte, logger *slog.Logger) *Z2M {
	return &Z2M{
		client: client,
		topic:  topic,
		qos:    qos,
		logger: logger,
	}
}

// WriteCode enables slot with pin. The lock has no guest restriction, so
// every code is written as an unrestricted user. The PIN is sent as a string
// to keep leading zeros.
func (z *Z2M) WriteCode(ctx context.Context, slot int, pin string, codeType model.CodeType) error {
	cmd := pinCodeCommand{PinCode: pinCodePayload{
		User:        slot,
		UserType:    "unrestricted",
		UserEnabled: true,
		PinCode:     &pin,
	}}
	if err := z.publish(ctx, cmd); err != nil {
		return fmt.Errorf("write slot %d: %w", slot, err)
	}
	z.logger.Debug("pin code written", "slot", slot, "code_type", codeType)
	return nil
}

// EraseCode disables slot and clears its PIN.
func (z *Z2M) EraseCode(ctx context.Context, slot int) error {
	cmd := pinCodeCommand{PinCode: pinCodePayload{
		User:        slot,
		UserEnabled: false,
	}}
	if err := z.publish(ctx, cmd); err != nil {
		return fmt.Errorf("erase slot %d: %w", slot, err)
	}
	z.logger.Debug("pin code erased", "slot", slot)
	return nil
}

func (z *Z2M) publish(ctx context.Context, cmd pinCodeCommand) error {
	if !z.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected: %w", driven.ErrLockUnavailable)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal pin_code command: %w", err)
	}

	token := z.client.Publish(z.topic+"/set", z.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s/set: %w", z.topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for broker ack: %w", ctx.Err())
	}
}
