package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"itach-go-home/internal/devices"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport satisfies gc.Transport, records every command and serves
// canned replies keyed by command verb.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	requests  []string
	replies   map[string]string

	onConnect func()
	onClose   func()
	onError   func(error)
	onMessage func(string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: map[string]string{}}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	fn := f.onConnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	fn := f.onClose
	f.mu.Unlock()
	if was && fn != nil {
		fn()
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Request(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, command)
	verb := command
	if i := strings.IndexByte(command, ','); i >= 0 {
		verb = command[:i]
	}
	if reply, ok := f.replies[verb]; ok {
		return reply, nil
	}
	return "completeir", nil
}

func (f *fakeTransport) push(line string) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeTransport) OnConnect(fn func())       { f.mu.Lock(); f.onConnect = fn; f.mu.Unlock() }
func (f *fakeTransport) OnClose(fn func())         { f.mu.Lock(); f.onClose = fn; f.mu.Unlock() }
func (f *fakeTransport) OnError(fn func(error))    { f.mu.Lock(); f.onError = fn; f.mu.Unlock() }
func (f *fakeTransport) OnMessage(fn func(string)) { f.mu.Lock(); f.onMessage = fn; f.mu.Unlock() }

func testSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	rec := devices.DeviceRecord{
		ID:      "iTach_192_168_1_70",
		Name:    "living room",
		Address: "192.168.1.70",
		IRPorts: []devices.PortDescriptor{
			{Module: 1, Port: 1, Mode: devices.ModeIR},
			{Module: 1, Port: 2, Mode: devices.ModeIR},
		},
	}
	sess := newSession(rec, ft, testLogger())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return sess, ft
}

func TestSessionCommandID(t *testing.T) {
	sess, ft := testSession(t)
	ctx := context.Background()

	payloadA := "38029,1,1,169,168,21,63"
	payloadB := "38029,1,1,21,63"

	// New signature advances, repeats reuse, a change advances again.
	sends := []struct {
		port    string
		payload string
		wantID  int
	}{
		{"1:1", payloadA, 1},
		{"1:1", payloadA, 1},
		{"1:1", payloadB, 2},
		{"1:2", payloadB, 3}, // same payload, different port
		{"1:2", payloadB, 3},
		{"1:1", payloadA, 4},
	}
	for i, s := range sends {
		if err := sess.SendIR(ctx, s.port, s.payload); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		want := fmt.Sprintf("sendir,%s,%d,%s", s.port, s.wantID, s.payload)
		got := ft.sent()[i]
		if got != want {
			t.Errorf("send %d = %q, want %q", i, got, want)
		}
	}
}

func TestSessionCommandIDWrap(t *testing.T) {
	sess, ft := testSession(t)
	ctx := context.Background()

	sess.mu.Lock()
	sess.cmdID = maxCommandID
	sess.lastPort = "1:1"
	sess.lastPayload = "old"
	sess.mu.Unlock()

	if err := sess.SendIR(ctx, "1:1", "38029,1,1,21"); err != nil {
		t.Fatal(err)
	}
	got := ft.sent()[0]
	if !strings.HasPrefix(got, "sendir,1:1,1,") {
		t.Errorf("command after wrap = %q, want id 1", got)
	}
}

func TestSessionSendRawResetsDedup(t *testing.T) {
	sess, ft := testSession(t)
	ctx := context.Background()
	payload := "38029,1,1,169,168,21,63"

	if err := sess.SendIR(ctx, "1:1", payload); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.SendRaw(ctx, "getversion\r"); err != nil {
		t.Fatal(err)
	}
	if err := sess.SendIR(ctx, "1:1", payload); err != nil {
		t.Fatal(err)
	}

	sent := ft.sent()
	if sent[1] != "getversion" {
		t.Errorf("raw command = %q, want trailing CR stripped", sent[1])
	}
	// Identical payload still gets a fresh id after raw traffic.
	if !strings.HasPrefix(sent[2], "sendir,1:1,2,") {
		t.Errorf("post-raw send = %q, want id 2", sent[2])
	}
}

func TestSessionBusyPort(t *testing.T) {
	sess, ft := testSession(t)
	ft.replies["sendir"] = "busyIR,1:1,1"

	err := sess.SendIR(context.Background(), "1:1", "38029,1,1,21")
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("err = %v, want busy", err)
	}
}

func TestSessionStopIR(t *testing.T) {
	sess, ft := testSession(t)

	if err := sess.StopIR(context.Background(), "1:2"); err != nil {
		t.Fatal(err)
	}
	if got := ft.sent()[0]; got != "stopir,1:2" {
		t.Errorf("command = %q", got)
	}
}

func TestSessionLearn(t *testing.T) {
	sess, ft := testSession(t)
	ft.replies["get_IRL"] = "IR Learner Enabled"

	if err := sess.LearnStart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.LearnStop(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := ft.sent()
	if sent[0] != "get_IRL" || sent[1] != "stop_IRL" {
		t.Errorf("commands = %v", sent)
	}

	ft.replies["get_IRL"] = "ERR_1:1,001"
	if err := sess.LearnStart(context.Background()); err == nil {
		t.Error("unexpected learner reply accepted")
	}
}
