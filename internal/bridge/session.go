package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"itach-go-home/internal/devices"
	"itach-go-home/internal/gc"
)

// maxCommandID is the highest sendir command id the protocol allows. Ids
// wrap back to 1, never 0.
const maxCommandID = 65535

// Session owns the control connection to one configured device and the
// command-id bookkeeping the sendir protocol requires: the id advances only
// when the target port or the payload changes, so identical repeats keep
// the same id and the unit can coalesce them.
type Session struct {
	rec       devices.DeviceRecord
	transport gc.Transport
	logger    *slog.Logger

	mu          sync.Mutex
	cmdID       int
	lastPort    string
	lastPayload string
	sensors     map[string]string // connector address -> last reported state
}

func newSession(rec devices.DeviceRecord, transport gc.Transport, logger *slog.Logger) *Session {
	return &Session{
		rec:       rec,
		transport: transport,
		logger:    logger.With("component", "session", "device", rec.ID),
		sensors:   make(map[string]string),
	}
}

// ID returns the configured device id this session serves.
func (s *Session) ID() string { return s.rec.ID }

// Record returns a copy of the device record.
func (s *Session) Record() devices.DeviceRecord { return s.rec }

// Connected reports the transport link state.
func (s *Session) Connected() bool { return s.transport.Connected() }

// Connect opens the transport. Safe to call repeatedly.
func (s *Session) Connect(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// Close shuts the transport down.
func (s *Session) Close() {
	s.transport.Disconnect()
}

// SendIR transmits a converted payload on the given connector address.
// The payload is the frequency,repeat,offset,durations tail of a sendir
// command; the session supplies the command id.
func (s *Session) SendIR(ctx context.Context, port, payload string) error {
	id := s.nextCommandID(port, payload)
	command := fmt.Sprintf("sendir,%s,%d,%s", port, id, payload)

	reply, err := s.transport.Request(ctx, command)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "busyIR") {
		return fmt.Errorf("session %s: port %s busy", s.rec.ID, port)
	}
	s.logger.Debug("ir sent", "port", port, "id", id)
	return nil
}

// StopIR halts any transmission in progress on the connector.
func (s *Session) StopIR(ctx context.Context, port string) error {
	_, err := s.transport.Request(ctx, "stopir,"+port)
	return err
}

// SendRaw passes a complete command through unchanged and returns the raw
// reply. Raw traffic invalidates the repeat-detection memory since the
// device may have seen ids the session did not assign.
func (s *Session) SendRaw(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	s.lastPort = ""
	s.lastPayload = ""
	s.mu.Unlock()
	return s.transport.Request(ctx, strings.TrimRight(command, "\r\n"))
}

// LearnStart puts the device's IR learner into capture mode. Captured
// codes arrive as unsolicited lines on the transport.
func (s *Session) LearnStart(ctx context.Context) error {
	reply, err := s.transport.Request(ctx, "get_IRL")
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "IR Learner Enabled") {
		return fmt.Errorf("session %s: unexpected learner reply %q", s.rec.ID, reply)
	}
	return nil
}

// LearnStop disables the IR learner.
func (s *Session) LearnStop(ctx context.Context) error {
	_, err := s.transport.Request(ctx, "stop_IRL")
	return err
}

// nextCommandID returns the command id for a send, advancing it only when
// the (port, payload) signature differs from the previous send.
func (s *Session) nextCommandID(port, payload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port != s.lastPort || payload != s.lastPayload {
		s.cmdID = s.cmdID%maxCommandID + 1
		s.lastPort = port
		s.lastPayload = payload
	}
	return s.cmdID
}

// setSensorState records a reported sensor value, returning whether it
// changed.
func (s *Session) setSensorState(port, state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sensors[port] == state {
		return false
	}
	s.sensors[port] = state
	return true
}

// sensorState returns the last reported value for a connector, if any.
func (s *Session) sensorState(port string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sensors[port]
	return v, ok
}
