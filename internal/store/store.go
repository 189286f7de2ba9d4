// Package store defines the device/port persistence contract consumed by the
// allocation engine and the routing generator.
//
// Two relations are stored: devices, keyed by hardware address, and port
// assignments, each owned by exactly one device. Port numbers are unique
// across every device; implementations must enforce that with a unique index
// in addition to serializing Update transactions over the whole pool.
package store

import (
	"context"
	"errors"

	"portreg/internal/models"
)

var (
	// ErrDeviceExists is returned by CreateDevice when the hardware address
	// is already registered.
	ErrDeviceExists = errors.New("device already exists")
	// ErrDeviceNotFound is returned when an operation references an unknown
	// device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrPortInUse is returned when an inserted port number is already
	// assigned to some device.
	ErrPortInUse = errors.New("port already assigned")
	// ErrTxConflict is returned when the transaction lost a race with a
	// concurrent writer (serialization failure, deadlock, busy database).
	// The whole transaction may be retried.
	ErrTxConflict = errors.New("transaction conflict")
	// ErrUnavailable is returned when the backing database cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// Tx is the set of operations available inside a pool transaction.
type Tx interface {
	// ListUsedPorts returns every assigned port number across all devices.
	ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error)
	// ListPortsForDevice returns the device's assignments ordered by port.
	ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error)
	// CreateDevice inserts a device row. A duplicate hardware address yields
	// ErrDeviceExists and leaves the transaction usable.
	CreateDevice(ctx context.Context, device models.Device) error
	// InsertPortAssignments persists assignments for an existing device.
	InsertPortAssignments(ctx context.Context, hardwareAddress string, assignments []models.Assignment) error
}

// Reader is the read-only view used outside of pool transactions.
type Reader interface {
	ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error)
	ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error)
	// ListDeviceAssignments returns the device→ports join ordered by
	// hardware address, then port.
	ListDeviceAssignments(ctx context.Context) ([]models.DeviceAssignments, error)
}

// Store is a device/port store.
type Store interface {
	Reader
	// Update runs fn inside one transaction that is serialized against every
	// other Update on the port pool. Changes are committed only when fn
	// returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// IsRetryable reports whether a failed Update may be retried from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPortInUse) || errors.Is(err, ErrTxConflict)
}
