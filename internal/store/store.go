// Package store persists the learned IR code library.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested code does not exist.
var ErrNotFound = errors.New("not found")

// Code is one captured IR command, stored in ready-to-send form.
type Code struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	Payload   string    `json:"payload"` // frequency,repeat,offset,durations...
	LearnedAt time.Time `json:"learnedAt"`
}

// Store is the persistence interface for learned codes. Codes are scoped
// per device and addressed by name.
type Store interface {
	SaveCode(code *Code) error
	GetCode(deviceID, name string) (*Code, error)
	ListCodes(deviceID string) ([]*Code, error)
	DeleteCode(deviceID, name string) error
	// DeleteDevice drops every code learned for the device.
	DeleteDevice(deviceID string) error
	// Devices lists the device ids that have at least one stored code.
	Devices() ([]string, error)
	Close() error
}
