package setup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"itach-go-home/internal/devices"
	"itach-go-home/internal/gc"
)

// Options tunes a Flow.
type Options struct {
	// ScanWindow bounds the network discovery wait.
	ScanWindow time.Duration
	// ExcludeMake drops beacons from the host's own accessory hardware,
	// which advertises on the same multicast group.
	ExcludeMake string
}

// candidate is one discovered or manually probed device awaiting user
// selection.
type candidate struct {
	id     string
	label  string
	addr   string
	family gc.ProductFamily
}

// Flow is the onboarding state machine. All state is transient; aborting
// or restarting resets to INIT. The configured-device registry is the only
// durable collaborator.
type Flow struct {
	registry *devices.Registry
	scanner  gc.Scanner
	prober   gc.Prober
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	step       Step
	addMode    bool
	manual     bool
	candidates []candidate
}

func NewFlow(registry *devices.Registry, scanner gc.Scanner, prober gc.Prober, opts Options, logger *slog.Logger) *Flow {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 30 * time.Second
	}
	return &Flow{
		registry: registry,
		scanner:  scanner,
		prober:   prober,
		opts:     opts,
		logger:   logger.With("component", "setup"),
	}
}

// Step returns the current wizard state.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Handle dispatches one host request. Unrecognized requests for the current
// state answer with a generic failure and leave the state unchanged.
func (f *Flow) Handle(ctx context.Context, req any) Response {
	switch r := req.(type) {
	case StartRequest:
		return f.handleStart(r)
	case UserDataRequest:
		return f.handleUserData(ctx, r)
	case ConfirmationRequest:
		return f.handleConfirmation(ctx)
	case AbortRequest:
		return f.handleAbort(r)
	default:
		f.logger.Warn("unrecognized setup request", "type", fmt.Sprintf("%T", req))
		return SetupError{Kind: KindOperationFailed}
	}
}

func (f *Flow) handleStart(req StartRequest) Response {
	f.mu.Lock()
	f.reset()
	f.mu.Unlock()

	if req.Reconfigure {
		f.mu.Lock()
		f.step = StepConfigurationMode
		f.mu.Unlock()
		return f.configurationForm()
	}

	// A fresh setup replaces whatever was configured before; clearing the
	// registry cascades into session teardown.
	f.registry.Clear()
	f.mu.Lock()
	f.step = StepDiscover
	f.mu.Unlock()
	return discoverForm()
}

// configurationForm lists the configured devices and the available actions.
// Remove and reset only make sense with at least one device.
func (f *Flow) configurationForm() Response {
	actions := []Option{{ID: actionAdd, Label: "Add a new device"}}
	var deviceOpts []Option
	for _, rec := range f.registry.All() {
		deviceOpts = append(deviceOpts, Option{ID: rec.ID, Label: rec.Name})
	}
	if len(deviceOpts) > 0 {
		actions = append(actions,
			Option{ID: actionRemove, Label: "Remove a device"},
			Option{ID: actionReset, Label: "Remove all devices"},
		)
	}

	fields := []Field{{ID: fieldAction, Label: "Action", Type: "select", Options: actions}}
	if len(deviceOpts) > 0 {
		fields = append(fields, Field{ID: fieldDevice, Label: "Device", Type: "select", Options: deviceOpts})
	}
	return RequestInput{Title: "Configuration", Fields: fields}
}

func discoverForm() Response {
	return RequestInput{
		Title: "Discover devices",
		Fields: []Field{
			{ID: fieldAddress, Label: "IP address (leave empty to scan)", Type: "text"},
		},
	}
}

func (f *Flow) handleUserData(ctx context.Context, req UserDataRequest) Response {
	switch f.Step() {
	case StepConfigurationMode:
		return f.handleConfigurationChoice(ctx, req.Fields)
	case StepDiscover:
		return f.runDiscovery(ctx, req.Fields[fieldAddress])
	case StepDeviceChoice:
		return f.handleDeviceChoice(ctx, req.Fields)
	default:
		f.logger.Warn("user data in unexpected step", "step", f.Step().String())
		return SetupError{Kind: KindOperationFailed}
	}
}

func (f *Flow) handleConfigurationChoice(ctx context.Context, fields map[string]string) Response {
	switch fields[fieldAction] {
	case actionRemove:
		id := fields[fieldDevice]
		if !f.registry.Remove(id) {
			f.logger.Warn("remove of unknown device", "id", id)
			return SetupError{Kind: KindOperationFailed}
		}
		f.finish()
		return Complete{}
	case actionReset:
		f.registry.Clear()
		f.mu.Lock()
		f.step = StepDiscover
		f.mu.Unlock()
		return discoverForm()
	case actionAdd:
		f.mu.Lock()
		f.addMode = true
		f.step = StepDiscover
		f.mu.Unlock()
		return discoverForm()
	default:
		f.logger.Warn("unknown configuration action", "action", fields[fieldAction])
		return SetupError{Kind: KindOperationFailed}
	}
}

// runDiscovery probes a manual address or scans the network, then presents
// the remaining candidates for selection.
func (f *Flow) runDiscovery(ctx context.Context, manualAddr string) Response {
	if manualAddr != "" {
		return f.probeManual(ctx, manualAddr)
	}

	f.mu.Lock()
	f.manual = false
	f.mu.Unlock()

	beacons, err := f.scanner.Scan(ctx, f.opts.ScanWindow)
	if err != nil {
		f.logger.Warn("discovery scan", "err", err)
	}

	var found []candidate
	for _, b := range beacons {
		if b.UUID == "" {
			continue
		}
		if f.opts.ExcludeMake != "" && b.Make == f.opts.ExcludeMake {
			f.logger.Debug("skipping host accessory", "uuid", b.UUID)
			continue
		}
		family := gc.FamilyFromModel(b.Model)
		id := deviceID(family, b.Host)
		if f.inAddMode() && f.registry.Contains(id) {
			f.logger.Debug("skipping already configured device", "id", id)
			continue
		}
		found = append(found, candidate{
			id:     id,
			label:  fmt.Sprintf("%s (%s)", b.Model, b.Host),
			addr:   b.Host,
			family: family,
		})
	}

	if len(found) == 0 {
		// Stay in DISCOVER; a confirmation retries the scan.
		return RequestConfirmation{
			Title: "No devices found",
			Body:  "No devices answered the discovery scan. Retry?",
		}
	}
	return f.presentCandidates(found)
}

func (f *Flow) probeManual(ctx context.Context, addr string) Response {
	f.mu.Lock()
	f.manual = true
	f.mu.Unlock()

	host, port := devices.SplitAddress(addr)
	info, err := f.prober.Probe(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		f.logger.Warn("manual probe failed", "addr", addr, "err", err)
		f.finish()
		return SetupError{Kind: KindConnectionRefused}
	}

	c := candidate{
		id:     deviceID(info.Family, host),
		label:  fmt.Sprintf("%s (%s)", info.Family, host),
		addr:   addr,
		family: info.Family,
	}
	return f.presentCandidates([]candidate{c})
}

func (f *Flow) presentCandidates(found []candidate) Response {
	f.mu.Lock()
	f.candidates = found
	f.step = StepDeviceChoice
	f.mu.Unlock()

	fields := make([]Field, 0, len(found))
	for _, c := range found {
		fields = append(fields, Field{ID: c.id, Label: c.label, Type: "checkbox", Value: "false"})
	}
	return RequestInput{Title: "Select devices to add", Fields: fields}
}

// handleDeviceChoice resolves every selected candidate and commits it to
// the registry. A resolution failure aborts the response but keeps the
// devices committed so far.
func (f *Flow) handleDeviceChoice(ctx context.Context, fields map[string]string) Response {
	f.mu.Lock()
	cands := f.candidates
	f.mu.Unlock()

	for _, c := range cands {
		if fields[c.id] != "true" {
			continue
		}
		rec, err := f.resolve(ctx, c)
		if err != nil {
			f.logger.Warn("candidate resolution failed", "id", c.id, "err", err)
			f.finish()
			return SetupError{Kind: KindOperationFailed}
		}
		f.registry.AddOrUpdate(*rec)
	}

	f.finish()
	return Complete{}
}

// resolve probes a candidate's address for its full port layout.
func (f *Flow) resolve(ctx context.Context, c candidate) (*devices.DeviceRecord, error) {
	host, port := devices.SplitAddress(c.addr)
	info, err := f.prober.Probe(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	var ports []devices.PortDescriptor
	for _, p := range info.Ports {
		if !devices.KnownMode(p.Mode) {
			f.logger.Info("skipping unsupported port mode", "device", c.id,
				"port", fmt.Sprintf("%d:%d", p.Module, p.Port), "mode", p.Mode)
			continue
		}
		ports = append(ports, devices.PortDescriptor{
			Module: p.Module,
			Port:   p.Port,
			Mode:   devices.PortMode(p.Mode),
		})
	}
	return &devices.DeviceRecord{
		ID:      c.id,
		Name:    c.label,
		Address: c.addr,
		IRPorts: ports,
	}, nil
}

// handleConfirmation retries the discovery scan; any other step rejects it.
func (f *Flow) handleConfirmation(ctx context.Context) Response {
	if f.Step() != StepDiscover {
		f.logger.Warn("confirmation in unexpected step", "step", f.Step().String())
		return SetupError{Kind: KindOperationFailed}
	}
	return f.runDiscovery(ctx, "")
}

func (f *Flow) handleAbort(req AbortRequest) Response {
	f.logger.Info("setup aborted", "reason", req.Reason)
	f.finish()
	return Complete{}
}

// finish drops transient state and returns to INIT. The registry is left
// as-is.
func (f *Flow) finish() {
	f.mu.Lock()
	f.reset()
	f.mu.Unlock()
}

// reset clears wizard state. Caller must hold mu.
func (f *Flow) reset() {
	f.step = StepInit
	f.addMode = false
	f.manual = false
	f.candidates = nil
}

func (f *Flow) inAddMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addMode
}

// deviceID derives the stable registry id for a device.
func deviceID(family gc.ProductFamily, host string) string {
	return fmt.Sprintf("%s_%s", family, devices.SanitizeHost(host))
}
