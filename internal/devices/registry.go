// Package devices holds the configured-device registry and its persistence.
package devices

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Hook is invoked when a record is added to or removed from the registry.
// The removal hook receives nil when the whole registry was cleared.
type Hook func(rec *DeviceRecord)

// Registry is the single source of truth for configured devices. It persists
// records as a JSON array and notifies collaborators of structural changes
// so sessions can be created and torn down.
type Registry struct {
	mu        sync.Mutex
	path      string
	records   []*DeviceRecord
	onAdded   Hook
	onRemoved Hook
	logger    *slog.Logger
}

// Open loads the registry from path. A missing file is not an error and
// yields an empty registry; malformed content is logged and likewise yields
// an empty registry. The second return value reports whether a valid prior
// configuration was found.
func Open(path string, logger *slog.Logger) (*Registry, bool) {
	r := &Registry{
		path:   path,
		logger: logger.With("component", "devices"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("read device config", "path", path, "err", err)
		}
		return r, false
	}

	var records []*DeviceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		r.logger.Error("parse device config, starting empty", "path", path, "err", err)
		return r, false
	}
	r.records = records
	r.logger.Info("device config loaded", "path", path, "devices", len(records))
	return r, true
}

// OnAdded sets the hook fired after a new record is appended.
func (r *Registry) OnAdded(fn Hook) {
	r.mu.Lock()
	r.onAdded = fn
	r.mu.Unlock()
}

// OnRemoved sets the hook fired after a record (or, with nil, every record)
// is removed.
func (r *Registry) OnRemoved(fn Hook) {
	r.mu.Lock()
	r.onRemoved = fn
	r.mu.Unlock()
}

// All returns copies of the current records in insertion order.
func (r *Registry) All() []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of configured devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Contains reports whether a record with the given id exists.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(id) != nil
}

// Get returns a copy of the record with the given id, or nil.
func (r *Registry) Get(id string) *DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// find returns the live record for id. Caller must hold mu.
func (r *Registry) find(id string) *DeviceRecord {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

// AddOrUpdate inserts a record or merges it into an existing one with the
// same id. The added hook fires only for genuinely new records. Returns
// whether the record was new.
func (r *Registry) AddOrUpdate(rec DeviceRecord) bool {
	r.mu.Lock()
	existing := r.find(rec.ID)
	if existing != nil {
		if rec.Name != "" {
			existing.Name = rec.Name
		}
		if rec.Address != "" {
			existing.Address = rec.Address
		}
		if len(rec.IRPorts) > 0 {
			existing.IRPorts = rec.IRPorts
		}
		r.persist()
		r.mu.Unlock()
		r.logger.Info("device updated", "id", rec.ID, "address", existing.Address)
		return false
	}

	cp := rec
	r.records = append(r.records, &cp)
	r.persist()
	added := r.onAdded
	r.mu.Unlock()

	r.logger.Info("device added", "id", rec.ID, "address", rec.Address)
	if added != nil {
		added(&cp)
	}
	return true
}

// Remove deletes the record with the given id. Fires the removal hook with
// the removed record; returns whether removal occurred.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	var removed *DeviceRecord
	for i, rec := range r.records {
		if rec.ID == id {
			removed = rec
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	if removed == nil {
		r.mu.Unlock()
		return false
	}
	r.persist()
	hook := r.onRemoved
	r.mu.Unlock()

	r.logger.Info("device removed", "id", id)
	if hook != nil {
		hook(removed)
	}
	return true
}

// Clear empties the registry, deletes the backing file (best effort) and
// fires the removal hook once with nil so collaborators can tear down every
// session. Fires even when the registry was already empty.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = nil
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("delete device config", "path", r.path, "err", err)
	}
	hook := r.onRemoved
	r.mu.Unlock()

	r.logger.Info("device config cleared")
	if hook != nil {
		hook(nil)
	}
}

// persist writes the record list to disk. Write failures are logged only;
// the in-memory state stays authoritative until the next successful write.
// Caller must hold mu.
func (r *Registry) persist() {
	records := r.records
	if records == nil {
		records = []*DeviceRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.logger.Error("marshal device config", "err", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		r.logger.Error("write device config", "path", r.path, "err", err)
	}
}
