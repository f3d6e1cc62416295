package gc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// DiscoveryGroup is the multicast group Global Caché units advertise on.
const DiscoveryGroup = "239.255.250.250:9131"

// MulticastScanner listens for AMX-style beacons for a bounded window and
// returns each advertising unit once, deduplicated by UUID.
type MulticastScanner struct {
	group  string
	logger *slog.Logger
}

func NewScanner(logger *slog.Logger) *MulticastScanner {
	return &MulticastScanner{
		group:  DiscoveryGroup,
		logger: logger.With("component", "discovery"),
	}
}

// Scan joins the multicast group and collects beacons until the window
// elapses or ctx is cancelled. An empty result is not an error.
func (s *MulticastScanner) Scan(ctx context.Context, window time.Duration) ([]Beacon, error) {
	group, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("discovery: join group: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(window)
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	s.logger.Info("scanning for devices", "window", window)

	seen := make(map[string]bool)
	var beacons []Beacon
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline reached or ctx cancelled; the collected set is
			// the result either way.
			break
		}
		b, ok := ParseBeacon(string(buf[:n]))
		if !ok {
			continue
		}
		b.Host = src.IP.String()
		if seen[b.UUID] {
			continue
		}
		seen[b.UUID] = true
		s.logger.Info("beacon received", "uuid", b.UUID, "model", b.Model, "host", b.Host)
		beacons = append(beacons, b)
	}

	if ctx.Err() != nil {
		return beacons, ctx.Err()
	}
	s.logger.Info("scan finished", "devices", len(beacons))
	return beacons, nil
}

// ParseBeacon decodes one advertisement datagram. Beacons look like
//
//	AMXB<-UUID=GlobalCache_000C1E024239><-SDKClass=Utility><-Make=GlobalCache><-Model=iTachWF2IR>...
//
// Datagrams without the AMXB prefix or without a UUID are rejected.
func ParseBeacon(raw string) (Beacon, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "AMXB") {
		return Beacon{}, false
	}

	var b Beacon
	for _, field := range strings.Split(raw[len("AMXB"):], "<-") {
		field = strings.TrimSuffix(strings.TrimSpace(field), ">")
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "UUID":
			b.UUID = value
		case "Make":
			b.Make = value
		case "Model":
			b.Model = value
		case "Revision":
			b.Revision = value
		case "Config-URL":
			b.ConfigURL = value
		case "Status":
			b.Status = value
		}
	}
	if b.UUID == "" {
		return Beacon{}, false
	}
	return b, true
}
