package gc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// NetProber resolves device metadata over a short-lived control connection:
// getversion for the firmware string, getdevices for the module layout.
type NetProber struct {
	timeout time.Duration
	logger  *slog.Logger

	// newTransport builds the throwaway connection, injectable for tests.
	newTransport func(addr string) Transport
}

func NewProber(logger *slog.Logger) *NetProber {
	p := &NetProber{
		timeout: 5 * time.Second,
		logger:  logger.With("component", "probe"),
	}
	p.newTransport = func(addr string) Transport {
		return NewClient(addr, ClientOptions{RequestTimeout: p.timeout}, logger)
	}
	return p
}

// Probe connects to addr (host:port), queries the device and disconnects.
// The product family is inferred from the firmware version; callers holding
// a beacon should prefer FamilyFromModel on the advertised model.
func (p *NetProber) Probe(ctx context.Context, addr string) (*DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	t := p.newTransport(addr)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	defer t.Disconnect()

	version, err := t.Request(ctx, "getversion")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", addr, err)
	}
	// Flex units echo the command name back.
	version = strings.TrimPrefix(version, "getversion,")

	reply, err := t.Request(ctx, "getdevices")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", addr, err)
	}
	ports, err := parseDeviceList(reply)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", addr, err)
	}

	info := &DeviceInfo{
		Version: version,
		Family:  familyFromVersion(version),
		Ports:   ports,
	}
	p.logger.Info("device probed", "addr", addr, "version", version,
		"family", info.Family, "ports", len(ports))
	return info, nil
}

// parseDeviceList expands a getdevices reply into per-connector entries.
// Each line reads "device,<module>,<count> <TYPE>"; a module with count N
// contributes connectors 1..N. Module 0 is the network interface and
// carries no connectors.
func parseDeviceList(reply string) ([]PortInfo, error) {
	var ports []PortInfo
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "endlistdevices" {
			continue
		}
		rest, ok := strings.CutPrefix(line, "device,")
		if !ok {
			return nil, fmt.Errorf("gc: malformed device line %q", line)
		}
		moduleStr, tail, ok := strings.Cut(rest, ",")
		if !ok {
			return nil, fmt.Errorf("gc: malformed device line %q", line)
		}
		countStr, mode, _ := strings.Cut(tail, " ")
		module, err := strconv.Atoi(moduleStr)
		if err != nil {
			return nil, fmt.Errorf("gc: malformed device line %q", line)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("gc: malformed device line %q", line)
		}
		mode = strings.TrimSpace(mode)
		for port := 1; port <= count; port++ {
			ports = append(ports, PortInfo{Module: module, Port: port, Mode: mode})
		}
	}
	return ports, nil
}

// familyFromVersion guesses the product family from a firmware string.
// iTach firmware is versioned as part numbers like 710-1001-05; GC-100
// firmware as plain dotted versions like 3.0-12. Anything else is treated
// as the newest generation.
func familyFromVersion(version string) ProductFamily {
	switch {
	case strings.HasPrefix(version, "710-"):
		return FamilyITach
	case len(version) > 1 && version[0] >= '0' && version[0] <= '9' && version[1] == '.':
		return FamilyGC100
	default:
		return FamilyFlex
	}
}
