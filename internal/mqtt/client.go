package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
)

const publishTimeout = 5 * time.Second

// DeviceKind is the topic segment of an actuator.
type DeviceKind string

const (
	KindValve DeviceKind = "valve"
	KindPump  DeviceKind = "pump"
)

// DeviceState is the last state a device reported on its status topic.
type DeviceState struct {
	DeviceID  string     `json:"deviceId"`
	Kind      DeviceKind `json:"kind"`
	On        bool       `json:"on"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Client publishes valve and pump commands and tracks the states devices report.
type Client struct {
	client mqtt.Client
	log    zerolog.Logger
	states sync.Map // device id -> DeviceState
	now    func() time.Time
}

// NewClient creates and connects a new MQTT Client.
func NewClient(cfg config.MQTTConfig, log zerolog.Logger) (*Client, error) {
	c := &Client{log: log.With().Str("component", "mqtt").Logger(), now: time.Now}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetDefaultPublishHandler(c.messageHandler)
	opts.OnConnect = c.connectHandler
	opts.OnConnectionLost = c.connectionLostHandler

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.client = client
	return c, nil
}

func (c *Client) connectHandler(client mqtt.Client) {
	c.log.Info().Msg("Connected to MQTT broker")
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	c.log.Warn().Err(err).Msg("Connection to MQTT broker lost")
}

// messageHandler records "<device>/<kind>/status/state" payloads.
func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 4 || parts[2] != "status" || parts[3] != "state" {
		c.log.Debug().Str("topic", msg.Topic()).Msg("Ignoring message from unexpected topic")
		return
	}
	kind := DeviceKind(parts[1])
	if kind != KindValve && kind != KindPump {
		c.log.Debug().Str("topic", msg.Topic()).Msg("No handler for topic")
		return
	}

	state := DeviceState{
		DeviceID:  parts[0],
		Kind:      kind,
		On:        parseSwitch(string(msg.Payload())),
		UpdatedAt: c.now().UTC(),
	}
	c.states.Store(state.DeviceID, state)
	c.log.Debug().Str("device_id", state.DeviceID).Str("kind", string(kind)).Bool("on", state.On).Msg("Device state updated")
}

func parseSwitch(payload string) bool {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "open", "true", "1":
		return true
	}
	return false
}

// SubscribeToDevice subscribes to the status topic of one valve or pump.
func (c *Client) SubscribeToDevice(kind DeviceKind, deviceID string) error {
	topic := fmt.Sprintf("%s/%s/status/state", deviceID, kind)
	if token := c.client.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	c.log.Info().Str("topic", topic).Msg("Subscribed to device topic")
	return nil
}

// DeviceState returns the last reported state of a device.
func (c *Client) DeviceState(deviceID string) (DeviceState, bool) {
	value, ok := c.states.Load(deviceID)
	if !ok {
		return DeviceState{}, false
	}
	return value.(DeviceState), true
}

func (c *Client) OpenValve(ctx context.Context, valveID string) error {
	return c.publishSwitch(ctx, KindValve, valveID, true)
}

func (c *Client) CloseValve(ctx context.Context, valveID string) error {
	return c.publishSwitch(ctx, KindValve, valveID, false)
}

func (c *Client) StartPump(ctx context.Context, pumpID string) error {
	return c.publishSwitch(ctx, KindPump, pumpID, true)
}

func (c *Client) StopPump(ctx context.Context, pumpID string) error {
	return c.publishSwitch(ctx, KindPump, pumpID, false)
}

// publishSwitch sends "on" or "off" to "<device>/<kind>/control/turn".
func (c *Client) publishSwitch(ctx context.Context, kind DeviceKind, deviceID string, on bool) error {
	payload := "off"
	if on {
		payload = "on"
	}
	topic := fmt.Sprintf("%s/%s/control/turn", deviceID, kind)

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout publishing to topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("error publishing to topic %s: %w", topic, token.Error())
	}

	c.log.Info().Str("topic", topic).Str("payload", payload).Msg("Published device command")
	return nil
}

// Close disconnects the MQTT client.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
