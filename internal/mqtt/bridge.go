//go:build !no_mqtt

// Package mqtt exposes configured units to Home Assistant over MQTT:
// retained per-device state, autodiscovery for stored codes and sensor
// inputs, and command topics for transmitting.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"itach-go-home/internal/bridge"
	"itach-go-home/internal/devices"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the IR bridge to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	br     *bridge.Bridge
	events *bridge.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()

	// Per-device state accumulator and topic segment index.
	mu         sync.Mutex
	states     map[string]map[string]any // device id -> state map
	topicToID  map[string]string         // topic segment -> device id
	subscribed map[string]string         // device id -> topic segment
	discovered map[string][]string       // device id -> retained config topics
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(br *bridge.Bridge, events *bridge.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		br:         br,
		events:     events,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
		topicToID:  make(map[string]string),
		subscribed: make(map[string]string),
		discovered: make(map[string][]string),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("itach-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeAll()
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

// Start subscribes to bridge events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
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

func (b *Bridge) handleEvent(event bridge.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	id, _ := data["id"].(string)
	if id == "" {
		return
	}

	switch event.Type {
	case bridge.EventDeviceAdded:
		b.onDeviceAdded(id)
	case bridge.EventDeviceRemoved:
		b.onDeviceRemoved(id)
	case bridge.EventDeviceConnected:
		b.publishAvailability(id, "online")
	case bridge.EventDeviceDisconnected:
		b.publishAvailability(id, "offline")
	case bridge.EventSensorChange:
		port, _ := data["port"].(string)
		state, _ := data["state"].(string)
		if port != "" {
			b.updateAndPublishState(id, sensorKey(port), state)
		}
	case bridge.EventCodeLearned:
		// Republish discovery so the new code shows up as a button.
		b.onDeviceAdded(id)
	}
}

func (b *Bridge) onDeviceAdded(id string) {
	dev, err := b.br.Device(id)
	if err != nil {
		return
	}

	codes, err := b.br.Codes(id)
	if err != nil {
		b.logger.Warn("list codes for discovery", "device", id, "err", err)
	}

	msgs := buildDiscovery(dev.DeviceRecord, codes, b.prefix)
	topics := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
		topics = append(topics, msg.Topic)
	}
	b.mu.Lock()
	b.discovered[id] = topics
	b.mu.Unlock()

	b.subscribeDeviceCommands(dev.DeviceRecord)
	if dev.Connected {
		b.publishAvailability(id, "online")
	}
	b.logger.Info("published HA discovery", "device", id, "codes", len(codes))
}

func (b *Bridge) onDeviceRemoved(id string) {
	b.mu.Lock()
	delete(b.states, id)
	topics := b.discovered[id]
	delete(b.discovered, id)
	segment, wasSubscribed := b.subscribed[id]
	if wasSubscribed {
		delete(b.subscribed, id)
		delete(b.topicToID, segment)
	}
	b.mu.Unlock()

	// Empty retained payload deletes the HA config entries.
	for _, topic := range topics {
		b.publish(topic, nil, true)
	}

	if wasSubscribed {
		base := b.prefix + "/" + segment
		b.client.Unsubscribe(base+"/send", base+"/stop", base+"/learn")
		b.publish(base, nil, true)
		b.publish(base+"/availability", nil, true)
	}
}

func (b *Bridge) updateAndPublishState(id, key string, value any) {
	b.mu.Lock()
	state, ok := b.states[id]
	if !ok {
		state = make(map[string]any)
		b.states[id] = state
	}
	state[key] = value
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	segment := b.subscribed[id]
	b.mu.Unlock()

	if segment == "" {
		return
	}
	b.publish(b.prefix+"/"+segment, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAvailability(id, state string) {
	b.mu.Lock()
	segment := b.subscribed[id]
	b.mu.Unlock()
	if segment == "" {
		return
	}
	b.publish(b.prefix+"/"+segment+"/availability", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, dev := range b.br.Devices() {
		b.onDeviceAdded(dev.ID)
	}
}

func (b *Bridge) subscribeAll() {
	for _, dev := range b.br.Devices() {
		b.subscribeDeviceCommands(dev.DeviceRecord)
	}
}

func (b *Bridge) subscribeDeviceCommands(rec devices.DeviceRecord) {
	segment := deviceTopicName(rec)

	b.mu.Lock()
	if prev, ok := b.subscribed[rec.ID]; ok && prev != segment {
		// Renamed; drop the old topic segment.
		delete(b.topicToID, prev)
		base := b.prefix + "/" + prev
		defer b.client.Unsubscribe(base+"/send", base+"/stop", base+"/learn")
	}
	b.subscribed[rec.ID] = segment
	b.topicToID[segment] = rec.ID
	b.mu.Unlock()

	id := rec.ID
	base := b.prefix + "/" + segment
	b.client.Subscribe(base+"/send", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSend(id, msg.Payload())
	})
	b.client.Subscribe(base+"/stop", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleStop(id, msg.Payload())
	})
	b.client.Subscribe(base+"/learn", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleLearn(id, msg.Payload())
	})
}

// sendCommand is the JSON payload accepted on the send topic. A bare string
// payload is treated as a stored code name.
type sendCommand struct {
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	Port   string `json:"port,omitempty"`
	Repeat int    `json:"repeat,omitempty"`
}

func (b *Bridge) handleSend(id string, payload []byte) {
	var cmd sendCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd = sendCommand{Name: strings.TrimSpace(string(payload))}
	}
	if cmd.Repeat < 1 {
		cmd.Repeat = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch {
	case cmd.Code != "":
		err = b.br.SendIR(ctx, id, cmd.Port, cmd.Code, cmd.Repeat)
	case cmd.Name != "":
		err = b.br.SendStored(ctx, id, cmd.Port, cmd.Name)
	default:
		b.logger.Warn("send command without code or name", "device", id)
		return
	}
	if err != nil {
		b.logger.Warn("send command failed", "device", id, "err", err)
	}
}

func (b *Bridge) handleStop(id string, payload []byte) {
	var cmd struct {
		Port string `json:"port,omitempty"`
	}
	_ = json.Unmarshal(payload, &cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.br.StopIR(ctx, id, cmd.Port); err != nil {
		b.logger.Warn("stop command failed", "device", id, "err", err)
	}
}

func (b *Bridge) handleLearn(id string, payload []byte) {
	name := strings.TrimSpace(string(payload))
	if name == "" {
		b.logger.Warn("learn command without code name", "device", id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.br.LearnStart(ctx, id, name); err != nil {
		b.logger.Warn("learn command failed", "device", id, "err", err)
	}
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

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func mustJSONString(v any) string {
	return string(mustJSON(v))
}
