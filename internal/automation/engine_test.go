//go:build !no_automation

package automation

import (
	"log/slog"
	"strings"
	"testing"

	"itach-go-home/internal/bridge"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"int8", int8(-10), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []interface{}{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  map[string]interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "sensor_change", deviceID: "iTach_192_168_1_70", port: "3:1"},
			"sensor_change",
			map[string]interface{}{"id": "iTach_192_168_1_70", "port": "3:1"},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "sensor_change"},
			"code_learned",
			map[string]interface{}{},
			false,
		},
		{
			"device filter mismatch",
			luaEventHandler{eventType: "sensor_change", deviceID: "iTach_192_168_1_70"},
			"sensor_change",
			map[string]interface{}{"id": "Flex_10_0_0_2"},
			false,
		},
		{
			"port filter mismatch",
			luaEventHandler{eventType: "sensor_change", port: "3:1"},
			"sensor_change",
			map[string]interface{}{"port": "3:2"},
			false,
		},
		{
			"no filters match any",
			luaEventHandler{eventType: "sensor_change"},
			"sensor_change",
			map[string]interface{}{"id": "iTach_192_168_1_70", "port": "3:1"},
			true,
		},
		{
			"device filter only",
			luaEventHandler{eventType: "sensor_change", deviceID: "iTach_192_168_1_70"},
			"sensor_change",
			map[string]interface{}{"id": "iTach_192_168_1_70", "port": "anything"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, bridge.Event{
				Type: tt.evType,
				Data: tt.evData,
			})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newRunTestEngine(t *testing.T) *Engine {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return NewEngine(nil, bridge.NewEventBus(logger), mgr, logger, SystemConfig{}, TelegramConfig{})
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e := newRunTestEngine(t)

	res := e.RunLuaCode(`ir.log("one") system.log("warn", "two")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %v, want 2 entries", res.Logs)
	}
	if res.Logs[0] != "one" || res.Logs[1] != "[warn] two" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e := newRunTestEngine(t)

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e := newRunTestEngine(t)

	res := e.RunLuaCode(`
ir.on("sensor_change", {id = "iTach_192_168_1_70", port = "3:1"}, function(event)
	ir.log("got " .. event.id .. " " .. event.port .. " " .. event.state)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "got iTach_192_168_1_70 3:1 1" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e := newRunTestEngine(t)

	for _, code := range []string{
		`os.execute("ls")`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
	} {
		res := e.RunLuaCode(code)
		if res.OK {
			t.Errorf("expected sandbox to block %q", code)
		}
	}
}

func TestRunLuaCodeTooManyHandlers(t *testing.T) {
	e := newRunTestEngine(t)

	res := e.RunLuaCode(`
for i = 1, 101 do
	ir.on("sensor_change", {}, function(event) end)
end
`)
	if res.OK {
		t.Fatal("expected handler limit error")
	}
	if !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestEngineStartStop(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "Night light", Enabled: true},
		LuaCode: `ir.on("sensor_change", {}, function(event) end)`,
	}); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	e := NewEngine(nil, bridge.NewEventBus(logger), mgr, logger, SystemConfig{}, TelegramConfig{})

	e.Start()
	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	if running != 1 {
		t.Fatalf("running scripts = %d, want 1", running)
	}

	e.Stop()
	e.mu.Lock()
	running = len(e.vms)
	e.mu.Unlock()
	if running != 0 {
		t.Fatalf("running scripts after stop = %d, want 0", running)
	}
}
