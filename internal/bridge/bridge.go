// Package bridge connects the configured-device registry to live control
// sessions and exposes the IR operations the surfaces (web, mqtt,
// automation) call into.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"itach-go-home/internal/devices"
	"itach-go-home/internal/gc"
	"itach-go-home/internal/ir"
	"itach-go-home/internal/store"
)

// ErrUnknownDevice is returned when an operation names a device id that is
// not configured.
var ErrUnknownDevice = errors.New("unknown device")

// DeviceState is a configured device plus its live link state.
type DeviceState struct {
	devices.DeviceRecord
	Connected bool `json:"connected"`
}

// Entity is a logical control surface synthesized from a device's ports:
// one IR emitter pooling every IR-capable connector, and one entity per
// sensor input.
type Entity struct {
	ID       string   `json:"id"`
	DeviceID string   `json:"deviceId"`
	Type     string   `json:"type"` // "emitter" or "sensor"
	Name     string   `json:"name"`
	Ports    []string `json:"ports,omitempty"`
	State    string   `json:"state"`
}

// Bridge owns one session per configured device. Registry changes create
// and tear down sessions through the registry hooks.
type Bridge struct {
	registry *devices.Registry
	codes    store.Store
	events   *EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	learnMu sync.Mutex
	learn   map[string]string // device id -> pending code name

	// newTransport builds the per-device connection, injectable for tests.
	newTransport func(rec devices.DeviceRecord) gc.Transport
}

func New(registry *devices.Registry, codes store.Store, events *EventBus, logger *slog.Logger) *Bridge {
	b := &Bridge{
		registry: registry,
		codes:    codes,
		events:   events,
		logger:   logger.With("component", "bridge"),
		sessions: make(map[string]*Session),
		learn:    make(map[string]string),
	}
	b.newTransport = func(rec devices.DeviceRecord) gc.Transport {
		// GC-100 units drop probed connections, so keep-alive stays off
		// for them. The id carries the product family prefix.
		keepAlive := !strings.HasPrefix(rec.ID, string(gc.FamilyGC100))
		return gc.NewClient(rec.DialAddress(), gc.ClientOptions{
			KeepAlive: keepAlive,
			Reconnect: true,
		}, logger)
	}
	return b
}

// SetTransportFactory overrides how per-device connections are built.
// Call before Start.
func (b *Bridge) SetTransportFactory(fn func(rec devices.DeviceRecord) gc.Transport) {
	b.newTransport = fn
}

// Start wires the registry hooks and opens a session for every configured
// device.
func (b *Bridge) Start(ctx context.Context) {
	b.registry.OnAdded(func(rec *devices.DeviceRecord) {
		b.startSession(*rec)
		b.events.Emit(Event{Type: EventDeviceAdded, Data: map[string]any{"id": rec.ID}})
	})
	b.registry.OnRemoved(func(rec *devices.DeviceRecord) {
		if rec == nil {
			b.closeAll()
			return
		}
		b.closeSession(rec.ID)
		if err := b.codes.DeleteDevice(rec.ID); err != nil {
			b.logger.Warn("drop learned codes", "device", rec.ID, "err", err)
		}
		b.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]any{"id": rec.ID}})
	})

	for _, rec := range b.registry.All() {
		b.startSession(rec)
	}
	b.logger.Info("bridge started", "devices", b.registry.Len())
}

// Stop closes every session.
func (b *Bridge) Stop() {
	b.closeAll()
}

func (b *Bridge) startSession(rec devices.DeviceRecord) {
	t := b.newTransport(rec)
	sess := newSession(rec, t, b.logger)

	t.OnConnect(func() {
		b.events.Emit(Event{Type: EventDeviceConnected, Data: map[string]any{
			"id": rec.ID, "state": "online",
		}})
	})
	t.OnClose(func() {
		b.events.Emit(Event{Type: EventDeviceDisconnected, Data: map[string]any{
			"id": rec.ID, "state": "offline",
		}})
	})
	t.OnError(func(err error) {
		b.logger.Warn("transport error", "device", rec.ID, "err", err)
	})
	t.OnMessage(func(line string) {
		b.handleMessage(sess, line)
	})

	b.mu.Lock()
	if old, ok := b.sessions[rec.ID]; ok {
		old.Close()
	}
	b.sessions[rec.ID] = sess
	b.mu.Unlock()

	// The first dial can block; sessions come up in the background and
	// report through connectivity events.
	go func() {
		if err := sess.Connect(context.Background()); err != nil {
			b.logger.Warn("initial connect failed, retrying", "device", rec.ID, "err", err)
		}
	}()
}

func (b *Bridge) closeSession(id string) {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		sess.Close()
	}
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (b *Bridge) session(id string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return sess, nil
}

// handleMessage processes lines the device pushes outside a request:
// sensor notifications and learner captures.
func (b *Bridge) handleMessage(sess *Session, line string) {
	switch {
	case strings.HasPrefix(line, "sensornotify,"):
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			b.logger.Debug("malformed sensor notification", "line", line)
			return
		}
		port, state := parts[1], parts[2]
		if sess.setSensorState(port, state) {
			b.events.Emit(Event{Type: EventSensorChange, Data: map[string]any{
				"id": sess.ID(), "port": port, "state": state,
			}})
		}
	case strings.HasPrefix(line, "sendir,"):
		b.handleLearnedCode(sess, line)
	default:
		b.logger.Debug("unhandled device line", "device", sess.ID(), "line", line)
	}
}

// handleLearnedCode stores one captured code and disables the learner.
// The learner emits full sendir commands; the payload starts after the
// connector address and command id.
func (b *Bridge) handleLearnedCode(sess *Session, line string) {
	b.learnMu.Lock()
	name, pending := b.learn[sess.ID()]
	if pending {
		delete(b.learn, sess.ID())
	}
	b.learnMu.Unlock()
	if !pending {
		b.logger.Debug("learner output without pending capture", "device", sess.ID())
		return
	}

	parts := strings.SplitN(line, ",", 4)
	if len(parts) != 4 {
		b.logger.Warn("malformed learner output", "device", sess.ID(), "line", line)
		return
	}
	code := &store.Code{
		DeviceID:  sess.ID(),
		Name:      name,
		Payload:   parts[3],
		LearnedAt: time.Now(),
	}
	if err := b.codes.SaveCode(code); err != nil {
		b.logger.Error("save learned code", "device", sess.ID(), "name", name, "err", err)
		return
	}
	b.logger.Info("code learned", "device", sess.ID(), "name", name)
	b.events.Emit(Event{Type: EventCodeLearned, Data: map[string]any{
		"id": sess.ID(), "name": name,
	}})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.LearnStop(ctx); err != nil {
			b.logger.Warn("disable learner", "device", sess.ID(), "err", err)
		}
	}()
}

// Devices returns every configured device with its link state.
func (b *Bridge) Devices() []DeviceState {
	var out []DeviceState
	for _, rec := range b.registry.All() {
		state := DeviceState{DeviceRecord: rec}
		if sess, err := b.session(rec.ID); err == nil {
			state.Connected = sess.Connected()
		}
		out = append(out, state)
	}
	return out
}

// Device returns one configured device with its link state.
func (b *Bridge) Device(id string) (*DeviceState, error) {
	rec := b.registry.Get(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	state := &DeviceState{DeviceRecord: *rec}
	if sess, err := b.session(id); err == nil {
		state.Connected = sess.Connected()
	}
	return state, nil
}

// Rename updates a device's display name.
func (b *Bridge) Rename(id, name string) error {
	if !b.registry.Contains(id) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	b.registry.AddOrUpdate(devices.DeviceRecord{ID: id, Name: name})
	return nil
}

// RemoveDevice deletes a device; its session and learned codes go with it.
func (b *Bridge) RemoveDevice(id string) error {
	if !b.registry.Remove(id) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return nil
}

// SendIR converts a portable code and transmits it on the given connector
// address. An empty port selects the device's first IR-capable connector.
func (b *Bridge) SendIR(ctx context.Context, deviceID, port, code string, repeat int) error {
	payload, err := ir.ConvertRaw(code, repeat)
	if err != nil {
		return err
	}
	return b.sendPayload(ctx, deviceID, port, payload)
}

// SendStored transmits a previously learned code by name.
func (b *Bridge) SendStored(ctx context.Context, deviceID, port, name string) error {
	code, err := b.codes.GetCode(deviceID, name)
	if err != nil {
		return err
	}
	return b.sendPayload(ctx, deviceID, port, code.Payload)
}

func (b *Bridge) sendPayload(ctx context.Context, deviceID, port, payload string) error {
	sess, err := b.session(deviceID)
	if err != nil {
		return err
	}
	addr, err := resolveIRPort(sess.Record(), port)
	if err != nil {
		return err
	}
	if err := sess.SendIR(ctx, addr, payload); err != nil {
		return err
	}
	b.events.Emit(Event{Type: EventIRSent, Data: map[string]any{
		"id": deviceID, "port": addr,
	}})
	return nil
}

// StopIR halts the transmission in progress on a connector.
func (b *Bridge) StopIR(ctx context.Context, deviceID, port string) error {
	sess, err := b.session(deviceID)
	if err != nil {
		return err
	}
	addr, err := resolveIRPort(sess.Record(), port)
	if err != nil {
		return err
	}
	return sess.StopIR(ctx, addr)
}

// SendRaw passes a protocol command through to the device unchanged.
func (b *Bridge) SendRaw(ctx context.Context, deviceID, command string) (string, error) {
	sess, err := b.session(deviceID)
	if err != nil {
		return "", err
	}
	return sess.SendRaw(ctx, command)
}

// LearnStart arms the device's IR learner; the next captured code is
// stored under the given name.
func (b *Bridge) LearnStart(ctx context.Context, deviceID, name string) error {
	if name == "" {
		return fmt.Errorf("code name required")
	}
	sess, err := b.session(deviceID)
	if err != nil {
		return err
	}
	if err := sess.LearnStart(ctx); err != nil {
		return err
	}
	b.learnMu.Lock()
	b.learn[deviceID] = name
	b.learnMu.Unlock()
	b.logger.Info("learner armed", "device", deviceID, "name", name)
	return nil
}

// LearnCancel disarms the learner without storing anything.
func (b *Bridge) LearnCancel(ctx context.Context, deviceID string) error {
	b.learnMu.Lock()
	delete(b.learn, deviceID)
	b.learnMu.Unlock()
	sess, err := b.session(deviceID)
	if err != nil {
		return err
	}
	return sess.LearnStop(ctx)
}

// Codes lists the learned codes for a device.
func (b *Bridge) Codes(deviceID string) ([]*store.Code, error) {
	return b.codes.ListCodes(deviceID)
}

// DeleteCode removes one learned code.
func (b *Bridge) DeleteCode(deviceID, name string) error {
	return b.codes.DeleteCode(deviceID, name)
}

// Entities synthesizes the logical control surfaces for every configured
// device: one emitter entity pooling the IR ports, one entity per sensor
// input.
func (b *Bridge) Entities() []Entity {
	var out []Entity
	for _, rec := range b.registry.All() {
		sess, _ := b.session(rec.ID)
		linkState := "offline"
		if sess != nil && sess.Connected() {
			linkState = "online"
		}

		if irPorts := rec.IRPortAddresses(); len(irPorts) > 0 {
			out = append(out, Entity{
				ID:       rec.ID + ":ir",
				DeviceID: rec.ID,
				Type:     "emitter",
				Name:     rec.Name,
				Ports:    irPorts,
				State:    linkState,
			})
		}
		for _, p := range rec.IRPorts {
			if !p.Mode.IsSensor() {
				continue
			}
			addr := p.Address()
			state := "unknown"
			if sess != nil {
				if v, ok := sess.sensorState(addr); ok {
					state = v
				}
			}
			out = append(out, Entity{
				ID:       rec.ID + ":" + addr,
				DeviceID: rec.ID,
				Type:     "sensor",
				Name:     fmt.Sprintf("%s sensor %s", rec.Name, addr),
				State:    state,
			})
		}
	}
	return out
}

// resolveIRPort validates a connector address against the record's
// IR-capable ports, defaulting to the first one.
func resolveIRPort(rec devices.DeviceRecord, port string) (string, error) {
	addrs := rec.IRPortAddresses()
	if len(addrs) == 0 {
		return "", fmt.Errorf("device %s has no IR ports", rec.ID)
	}
	if port == "" {
		return addrs[0], nil
	}
	for _, a := range addrs {
		if a == port {
			return a, nil
		}
	}
	return "", fmt.Errorf("device %s has no IR port %s", rec.ID, port)
}
