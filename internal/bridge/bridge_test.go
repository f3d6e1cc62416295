package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"itach-go-home/internal/devices"
	"itach-go-home/internal/gc"
	"itach-go-home/internal/store"
)

// memCodes is an in-memory store.Store for bridge tests.
type memCodes struct {
	mu    sync.Mutex
	codes map[string]map[string]*store.Code
}

func newMemCodes() *memCodes {
	return &memCodes{codes: make(map[string]map[string]*store.Code)}
}

func (m *memCodes) SaveCode(code *store.Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes[code.DeviceID] == nil {
		m.codes[code.DeviceID] = make(map[string]*store.Code)
	}
	m.codes[code.DeviceID][code.Name] = code
	return nil
}

func (m *memCodes) GetCode(deviceID, name string) (*store.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.codes[deviceID][name]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (m *memCodes) ListCodes(deviceID string) ([]*store.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Code
	for _, c := range m.codes[deviceID] {
		out = append(out, c)
	}
	return out, nil
}

func (m *memCodes) DeleteCode(deviceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes[deviceID], name)
	return nil
}

func (m *memCodes) DeleteDevice(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, deviceID)
	return nil
}

func (m *memCodes) Devices() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.codes {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memCodes) Close() error { return nil }

type testBridge struct {
	*Bridge
	registry   *devices.Registry
	codes      *memCodes
	events     *EventBus
	transports map[string]*fakeTransport
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	registry, _ := devices.Open(filepath.Join(t.TempDir(), "devices.json"), testLogger())
	codes := newMemCodes()
	events := NewEventBus(testLogger())

	tb := &testBridge{
		registry:   registry,
		codes:      codes,
		events:     events,
		transports: make(map[string]*fakeTransport),
	}
	tb.Bridge = New(registry, codes, events, testLogger())
	tb.Bridge.newTransport = func(rec devices.DeviceRecord) gc.Transport {
		ft := newFakeTransport()
		tb.transports[rec.ID] = ft
		return ft
	}
	tb.Bridge.Start(context.Background())
	t.Cleanup(tb.Bridge.Stop)
	return tb
}

func (tb *testBridge) addDevice(t *testing.T, id string) *fakeTransport {
	t.Helper()
	tb.registry.AddOrUpdate(devices.DeviceRecord{
		ID:      id,
		Name:    "test " + id,
		Address: "192.168.1.70",
		IRPorts: []devices.PortDescriptor{
			{Module: 1, Port: 1, Mode: devices.ModeIR},
			{Module: 1, Port: 2, Mode: devices.ModeIRBlaster},
			{Module: 2, Port: 1, Mode: devices.ModeSensorNotify},
		},
	})
	ft := tb.waitTransport(t, id)
	return ft
}

// waitTransport waits for the session's background connect.
func (tb *testBridge) waitTransport(t *testing.T, id string) *fakeTransport {
	t.Helper()
	ft, ok := tb.transports[id]
	if !ok {
		t.Fatalf("no transport created for %s", id)
	}
	deadline := time.Now().Add(time.Second)
	for !ft.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never connected", id)
		}
		time.Sleep(time.Millisecond)
	}
	return ft
}

func TestBridgeSendIR(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "iTach_192_168_1_70")

	var sent []Event
	tb.events.On(EventIRSent, func(e Event) { sent = append(sent, e) })

	code := "0000 006D 0022 0002 00a9 00a8 0015 003f"
	if err := tb.SendIR(context.Background(), "iTach_192_168_1_70", "", code, 1); err != nil {
		t.Fatal(err)
	}

	want := "sendir,1:1,1,38029,1,69,169,168,21,63"
	if got := ft.sent()[0]; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if len(sent) != 1 {
		t.Errorf("ir_sent events = %d, want 1", len(sent))
	}
}

func TestBridgeSendIRUnknownDevice(t *testing.T) {
	tb := newTestBridge(t)

	err := tb.SendIR(context.Background(), "nope", "", "0000 006D 0001 0001 0015 003f", 1)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestBridgePortSelection(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")
	ctx := context.Background()
	code := "0000 006D 0001 0001 0015 003f"

	if err := tb.SendIR(ctx, "gc1", "1:2", code, 1); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ft.sent()[0], "sendir,1:2,") {
		t.Errorf("command = %q, want port 1:2", ft.sent()[0])
	}

	// Sensor connectors are not valid send targets.
	if err := tb.SendIR(ctx, "gc1", "2:1", code, 1); err == nil {
		t.Error("send on sensor port accepted")
	}
}

func TestBridgeStoredCodes(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")
	ctx := context.Background()

	tb.codes.SaveCode(&store.Code{DeviceID: "gc1", Name: "power", Payload: "38029,1,1,21,63"})

	if err := tb.SendStored(ctx, "gc1", "", "power"); err != nil {
		t.Fatal(err)
	}
	if got := ft.sent()[0]; got != "sendir,1:1,1,38029,1,1,21,63" {
		t.Errorf("command = %q", got)
	}

	if err := tb.SendStored(ctx, "gc1", "", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBridgeLearnFlow(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")
	ft.replies["get_IRL"] = "IR Learner Enabled"
	ctx := context.Background()

	var learned []Event
	tb.events.On(EventCodeLearned, func(e Event) { learned = append(learned, e) })

	if err := tb.LearnStart(ctx, "gc1", "power"); err != nil {
		t.Fatal(err)
	}

	// The learner reports the capture as a full sendir command.
	ft.push("sendir,1:1,1,38000,1,1,341,171,21,21,21,3700")

	code, err := tb.codes.GetCode("gc1", "power")
	if err != nil {
		t.Fatal(err)
	}
	if code.Payload != "38000,1,1,341,171,21,21,21,3700" {
		t.Errorf("payload = %q", code.Payload)
	}
	if len(learned) != 1 {
		t.Errorf("code_learned events = %d, want 1", len(learned))
	}

	// A second capture without a pending name is dropped.
	ft.push("sendir,1:1,2,38000,1,1,21")
	if list, _ := tb.codes.ListCodes("gc1"); len(list) != 1 {
		t.Errorf("codes = %d, want 1", len(list))
	}
}

func TestBridgeLearnRequiresName(t *testing.T) {
	tb := newTestBridge(t)
	tb.addDevice(t, "gc1")

	if err := tb.LearnStart(context.Background(), "gc1", ""); err == nil {
		t.Error("learn without name accepted")
	}
}

func TestBridgeSensorNotify(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")

	var changes []Event
	tb.events.On(EventSensorChange, func(e Event) { changes = append(changes, e) })

	ft.push("sensornotify,2:1,1")
	ft.push("sensornotify,2:1,1") // unchanged, no event
	ft.push("sensornotify,2:1,0")

	if len(changes) != 2 {
		t.Fatalf("sensor events = %d, want 2", len(changes))
	}
	data := changes[1].Data.(map[string]any)
	if data["port"] != "2:1" || data["state"] != "0" {
		t.Errorf("event data = %v", data)
	}
}

func TestBridgeRemoveDevice(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")
	tb.codes.SaveCode(&store.Code{DeviceID: "gc1", Name: "power", Payload: "38029,1,1,21"})

	if err := tb.RemoveDevice("gc1"); err != nil {
		t.Fatal(err)
	}
	if ft.Connected() {
		t.Error("transport still connected after removal")
	}
	if list, _ := tb.codes.ListCodes("gc1"); len(list) != 0 {
		t.Error("learned codes survived device removal")
	}
	if err := tb.RemoveDevice("gc1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second remove err = %v, want ErrUnknownDevice", err)
	}
}

func TestBridgeClearTearsDownAll(t *testing.T) {
	tb := newTestBridge(t)
	ft1 := tb.addDevice(t, "gc1")
	ft2 := tb.addDevice(t, "gc2")

	tb.registry.Clear()
	if ft1.Connected() || ft2.Connected() {
		t.Error("sessions survived registry clear")
	}
}

func TestBridgeEntities(t *testing.T) {
	tb := newTestBridge(t)
	ft := tb.addDevice(t, "gc1")
	ft.push("sensornotify,2:1,1")

	entities := tb.Entities()
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want emitter + sensor", len(entities))
	}

	byType := map[string]Entity{}
	for _, e := range entities {
		byType[e.Type] = e
	}
	emitter := byType["emitter"]
	if emitter.ID != "gc1:ir" || len(emitter.Ports) != 2 {
		t.Errorf("emitter = %+v", emitter)
	}
	if emitter.State != "online" {
		t.Errorf("emitter state = %q", emitter.State)
	}
	sensor := byType["sensor"]
	if sensor.ID != "gc1:2:1" || sensor.State != "1" {
		t.Errorf("sensor = %+v", sensor)
	}
}

func TestBridgeRename(t *testing.T) {
	tb := newTestBridge(t)
	tb.addDevice(t, "gc1")

	if err := tb.Rename("gc1", "hallway blaster"); err != nil {
		t.Fatal(err)
	}
	dev, err := tb.Device("gc1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "hallway blaster" {
		t.Errorf("name = %q", dev.Name)
	}
	if len(dev.IRPorts) != 3 {
		t.Errorf("ports lost on rename: %d", len(dev.IRPorts))
	}

	if err := tb.Rename("nope", "x"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestBridgeConnectivityEvents(t *testing.T) {
	tb := newTestBridge(t)

	// Connect events fire from the session's background goroutine.
	var mu sync.Mutex
	var events []string
	tb.events.OnAll(func(e Event) {
		if e.Type == EventDeviceConnected || e.Type == EventDeviceDisconnected {
			data := e.Data.(map[string]any)
			mu.Lock()
			events = append(events, fmt.Sprintf("%s:%s", e.Type, data["state"]))
			mu.Unlock()
		}
	})

	ft := tb.addDevice(t, "gc1")
	ft.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %v, want connect then disconnect", events)
	}
	if events[0] != "device_connected:online" || events[1] != "device_disconnected:offline" {
		t.Errorf("events = %v", events)
	}
}
