//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the fireplace control surface the bridge drives.
type Controller interface {
	Devices() []fireplace.Device
	State(serial string) (fireplace.State, bool)
	SubmitCommand(serial, param, value string) error
}

// Bridge mirrors fireplace state to MQTT with HA autodiscovery and accepts
// commands on per-parameter set topics.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsub  func()

	// Fireplaces already announced to HA and subscribed for commands,
	// keyed by serial.
	mu         sync.Mutex
	registered map[string]bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		ctrl:       ctrl,
		bus:        bus,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		registered: make(map[string]bool),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("intellifired").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.registerAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventStateChanged:
		b.handleStateChanged(event)
	case events.EventCloudConnected:
		// Enumeration may have surfaced fireplaces the broker has not
		// seen yet.
		b.registerAll()
	}
}

func (b *Bridge) handleStateChanged(event events.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	serial, _ := data["serial"].(string)
	if serial == "" {
		return
	}

	dev := b.deviceBySerial(serial)
	b.ensureRegistered(dev)

	topic := b.prefix + "/" + deviceTopicName(dev)
	b.publish(topic, statePayload(data), true)
}

// registerAll announces every known fireplace and subscribes its command
// topics. Re-announcing after a reconnect refreshes the retained configs.
func (b *Bridge) registerAll() {
	for _, dev := range b.ctrl.Devices() {
		b.mu.Lock()
		delete(b.registered, dev.Serial)
		b.mu.Unlock()
		b.ensureRegistered(dev)
	}
}

func (b *Bridge) ensureRegistered(dev fireplace.Device) {
	b.mu.Lock()
	if b.registered[dev.Serial] {
		b.mu.Unlock()
		return
	}
	b.registered[dev.Serial] = true
	b.mu.Unlock()

	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.subscribeCommands(dev)
	b.logger.Info("published HA discovery", "serial", dev.Serial, "name", deviceDisplayName(dev))
}

// subscribeCommands listens on one set topic per parameter plus a combined
// JSON topic, all rooted at the fireplace's state topic.
func (b *Bridge) subscribeCommands(dev fireplace.Device) {
	base := b.prefix + "/" + deviceTopicName(dev)
	serial := dev.Serial

	for _, param := range commandParams {
		p := param
		b.client.Subscribe(base+"/"+p+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(serial, p, msg.Payload())
		})
	}
	b.client.Subscribe(base+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleJSONCommand(serial, msg.Payload())
	})
}

func (b *Bridge) handleCommand(serial, param string, payload []byte) {
	value, err := normalizeCommand(param, string(payload))
	if err != nil {
		b.logger.Warn("invalid command payload", "serial", serial, "param", param, "err", err)
		return
	}
	if err := b.ctrl.SubmitCommand(serial, param, value); err != nil {
		b.logger.Warn("command failed", "serial", serial, "param", param, "err", err)
	}
}

func (b *Bridge) handleJSONCommand(serial string, payload []byte) {
	cmds, err := parseJSONCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command JSON", "serial", serial, "err", err)
		return
	}
	// Power first so a combined on+height command ignites before the
	// flame level is adjusted.
	for _, param := range commandParams {
		value, ok := cmds[param]
		if !ok {
			continue
		}
		if err := b.ctrl.SubmitCommand(serial, param, value); err != nil {
			b.logger.Warn("command failed", "serial", serial, "param", param, "err", err)
		}
	}
}

func (b *Bridge) deviceBySerial(serial string) fireplace.Device {
	for _, dev := range b.ctrl.Devices() {
		if dev.Serial == serial {
			return dev
		}
	}
	return fireplace.Device{Serial: serial}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// commandParams lists the accepted set-topic parameters in dispatch order.
var commandParams = []string{
	fireplace.ParamPower,
	fireplace.ParamHeight,
	fireplace.ParamFanSpeed,
	fireplace.ParamLight,
}

// statePayload renders a state-change event as the retained state topic
// body. On/off fields become "ON"/"OFF" strings for HA value templates.
func statePayload(data map[string]interface{}) []byte {
	out := make(map[string]interface{})
	if v, ok := data["power"].(bool); ok {
		out["power"] = flagText(v)
	}
	if v, ok := data["ack_power"].(bool); ok {
		out["ack_power"] = v
	}
	if v, ok := data["height"]; ok {
		out["height"] = v
	}
	if v, ok := data["fanspeed"]; ok {
		out["fanspeed"] = v
	}
	if v, ok := data["light"].(bool); ok {
		out["light"] = flagText(v)
	}
	out["last_seen"] = time.Now().Format(time.RFC3339)
	return mustJSON(out)
}

func flagText(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// normalizeCommand translates an MQTT payload into the value form the
// command pipeline expects.
func normalizeCommand(param, payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	switch param {
	case fireplace.ParamPower, fireplace.ParamLight:
		switch strings.ToUpper(payload) {
		case "ON", "1", "TRUE":
			return "1", nil
		case "OFF", "0", "FALSE":
			return "0", nil
		}
		return "", fmt.Errorf("flag payload %q", payload)
	case fireplace.ParamHeight, fireplace.ParamFanSpeed:
		n, err := strconv.Atoi(payload)
		if err != nil {
			return "", fmt.Errorf("level payload %q", payload)
		}
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("unknown parameter %q", param)
}

// parseJSONCommand decodes a combined set payload like
// {"power":"ON","height":3} into normalized parameter values.
func parseJSONCommand(payload []byte) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	cmds := make(map[string]string)
	for param, v := range raw {
		switch param {
		case fireplace.ParamPower, fireplace.ParamLight:
			switch t := v.(type) {
			case string:
				value, err := normalizeCommand(param, t)
				if err != nil {
					return nil, err
				}
				cmds[param] = value
			case bool:
				cmds[param] = flagValue(t)
			default:
				return nil, fmt.Errorf("%s: unsupported value %v", param, v)
			}
		case fireplace.ParamHeight, fireplace.ParamFanSpeed:
			n, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("%s: unsupported value %v", param, v)
			}
			cmds[param] = strconv.Itoa(int(n))
		}
	}
	return cmds, nil
}

func flagValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
