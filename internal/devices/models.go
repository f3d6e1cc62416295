package devices

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultControlPort is the TCP control port Global Caché units listen on.
const DefaultControlPort = 4998

// PortMode is the capability mode of one physical connector.
type PortMode string

const (
	ModeIR               PortMode = "IR"
	ModeIRBlaster        PortMode = "IR_BLASTER"
	ModeIRTriport        PortMode = "IRTRIPORT"
	ModeIRTriportBlaster PortMode = "IRTRIPORT_BLASTER"
	ModeSensor           PortMode = "SENSOR"
	ModeSensorNotify     PortMode = "SENSOR_NOTIFY"
)

// KnownMode reports whether a mode string from a getdevices reply is one the
// bridge can represent. Other vendor modes (SERIAL, RELAY, ...) are logged
// and skipped at add-time.
func KnownMode(s string) bool {
	switch PortMode(s) {
	case ModeIR, ModeIRBlaster, ModeIRTriport, ModeIRTriportBlaster,
		ModeSensor, ModeSensorNotify:
		return true
	}
	return false
}

// IsIR reports whether the port can emit infrared.
func (m PortMode) IsIR() bool {
	switch m {
	case ModeIR, ModeIRBlaster, ModeIRTriport, ModeIRTriportBlaster:
		return true
	}
	return false
}

// IsSensor reports whether the port is a sensor input.
func (m PortMode) IsSensor() bool {
	return m == ModeSensor || m == ModeSensorNotify
}

// PortDescriptor is one physical connector on a device. Immutable once read
// from the device at add-time.
type PortDescriptor struct {
	Module int      `json:"module"`
	Port   int      `json:"port"`
	Mode   PortMode `json:"mode"`
}

// Address returns the "module:port" connector address used on the wire.
func (p PortDescriptor) Address() string {
	return fmt.Sprintf("%d:%d", p.Module, p.Port)
}

// DeviceRecord is one configured Global Caché unit.
type DeviceRecord struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Address string           `json:"address"`
	IRPorts []PortDescriptor `json:"irPorts"`
}

// HostPort splits the record address into host and TCP port, tolerating a
// missing port suffix (default 4998).
func (r *DeviceRecord) HostPort() (string, int) {
	return SplitAddress(r.Address)
}

// DialAddress returns the record address in host:port form.
func (r *DeviceRecord) DialAddress() string {
	host, port := r.HostPort()
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IRPortAddresses returns the connector addresses of all IR-capable ports,
// in descriptor order.
func (r *DeviceRecord) IRPortAddresses() []string {
	var addrs []string
	for _, p := range r.IRPorts {
		if p.Mode.IsIR() {
			addrs = append(addrs, p.Address())
		}
	}
	return addrs
}

// SplitAddress parses "host" or "host:port" into host and port, defaulting
// the port to DefaultControlPort.
func SplitAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultControlPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, DefaultControlPort
	}
	return host, port
}

// SanitizeHost converts a host into a form usable inside a device id.
func SanitizeHost(host string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, host)
}
