// Package gc implements the Global Caché TCP control protocol: the
// persistent command client, the multicast discovery listener, and the
// one-shot device probe.
package gc

import (
	"context"
	"strings"
	"time"
)

// Transport is the abstract interface for a persistent control connection
// to one Global Caché unit.
type Transport interface {
	// Connect opens the connection. It is a no-op when already connected
	// or while a (re)connect attempt is in flight.
	Connect(ctx context.Context) error
	// Disconnect shuts the connection down without automatic reconnection.
	Disconnect()
	// Request sends one command and returns the device's reply.
	Request(ctx context.Context, command string) (string, error)
	// Connected reports the current link state.
	Connected() bool

	// Callbacks. Connect/close events drive the session's reported state;
	// errors are informational only. OnMessage receives unsolicited lines
	// (sensor notifications, learner output).
	OnConnect(fn func())
	OnClose(fn func())
	OnError(fn func(error))
	OnMessage(fn func(line string))
}

// Scanner collects discovery beacons from reachable devices for a bounded
// window.
type Scanner interface {
	Scan(ctx context.Context, window time.Duration) ([]Beacon, error)
}

// Prober resolves full device metadata from a control address.
type Prober interface {
	Probe(ctx context.Context, addr string) (*DeviceInfo, error)
}

// ProductFamily identifies the hardware generation. GC-100 units do not
// reliably support TCP keep-alive and are handled specially by sessions.
type ProductFamily string

const (
	FamilyGC100 ProductFamily = "GC-100"
	FamilyITach ProductFamily = "iTach"
	FamilyFlex  ProductFamily = "Flex"
)

// FamilyFromModel maps a beacon model string to a product family. Unknown
// models default to iTach, the common case.
func FamilyFromModel(model string) ProductFamily {
	switch {
	case strings.Contains(model, "GC-100"):
		return FamilyGC100
	case strings.Contains(model, "Flex"):
		return FamilyFlex
	default:
		return FamilyITach
	}
}

// PortInfo is one connector reported by getdevices, with the vendor mode
// string as-is.
type PortInfo struct {
	Module int    `json:"module"`
	Port   int    `json:"port"`
	Mode   string `json:"mode"`
}

// DeviceInfo is the metadata resolved from a device by Probe.
type DeviceInfo struct {
	Model   string        `json:"model,omitempty"`
	Version string        `json:"version,omitempty"`
	Family  ProductFamily `json:"family"`
	Ports   []PortInfo    `json:"ports"`
}

// Beacon is one AMX-style discovery advertisement.
type Beacon struct {
	UUID      string `json:"uuid"`
	Make      string `json:"make"`
	Model     string `json:"model"`
	Revision  string `json:"revision,omitempty"`
	ConfigURL string `json:"config_url,omitempty"`
	Status    string `json:"status,omitempty"`
	Host      string `json:"host"`
}
