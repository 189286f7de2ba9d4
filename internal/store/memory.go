package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"portreg/internal/models"
)

type memoryDevice struct {
	device models.Device
	ports  []models.PortAssignment
}

// MemoryStore keeps devices and assignments in process memory. Update holds
// the store lock for the whole transaction and works on a staged copy that
// replaces the live state only on commit.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*memoryDevice
	owners  map[uint16]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*memoryDevice),
		owners:  make(map[uint16]string),
	}
}

// ListUsedPorts returns every assigned port.
func (s *MemoryStore) ListUsedPorts(_ context.Context) (map[uint16]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return usedPorts(s.owners), nil
}

// ListPortsForDevice returns the device's assignments ordered by port.
func (s *MemoryStore) ListPortsForDevice(_ context.Context, hardwareAddress string) ([]models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return portsFor(s.devices, hardwareAddress), nil
}

// ListDeviceAssignments returns every device with its ports, ordered by
// hardware address.
func (s *MemoryStore) ListDeviceAssignments(_ context.Context) ([]models.DeviceAssignments, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DeviceAssignments, 0, len(s.devices))
	for mac := range s.devices {
		out = append(out, models.DeviceAssignments{
			HardwareAddress: mac,
			Ports:           portsFor(s.devices, mac),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HardwareAddress < out[j].HardwareAddress
	})
	return out, nil
}

// Update runs fn against a staged copy and publishes it if fn returns nil.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		base:    s,
		devices: make(map[string]*memoryDevice),
		owners:  make(map[uint16]string),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for mac, d := range tx.devices {
		s.devices[mac] = d
	}
	for port, mac := range tx.owners {
		s.owners[port] = mac
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// memoryTx layers staged writes over the locked base state.
type memoryTx struct {
	base    *MemoryStore
	devices map[string]*memoryDevice
	owners  map[uint16]string
}

func (tx *memoryTx) lookup(mac string) (*memoryDevice, bool) {
	if d, ok := tx.devices[mac]; ok {
		return d, true
	}
	d, ok := tx.base.devices[mac]
	return d, ok
}

func (tx *memoryTx) ListUsedPorts(_ context.Context) (map[uint16]struct{}, error) {
	used := usedPorts(tx.base.owners)
	for port := range tx.owners {
		used[port] = struct{}{}
	}
	return used, nil
}

func (tx *memoryTx) ListPortsForDevice(_ context.Context, hardwareAddress string) ([]models.Assignment, error) {
	d, ok := tx.lookup(hardwareAddress)
	if !ok {
		return []models.Assignment{}, nil
	}
	return sortedAssignments(d.ports), nil
}

func (tx *memoryTx) CreateDevice(_ context.Context, device models.Device) error {
	if _, ok := tx.lookup(device.HardwareAddress); ok {
		return ErrDeviceExists
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	tx.devices[device.HardwareAddress] = &memoryDevice{device: device}
	return nil
}

func (tx *memoryTx) InsertPortAssignments(_ context.Context, hardwareAddress string, assignments []models.Assignment) error {
	d, ok := tx.lookup(hardwareAddress)
	if !ok {
		return ErrDeviceNotFound
	}

	for _, a := range assignments {
		if _, taken := tx.base.owners[a.Port]; taken {
			return ErrPortInUse
		}
		if _, taken := tx.owners[a.Port]; taken {
			return ErrPortInUse
		}
		tx.owners[a.Port] = hardwareAddress
	}

	staged := &memoryDevice{
		device: d.device,
		ports:  append([]models.PortAssignment(nil), d.ports...),
	}
	for _, a := range assignments {
		staged.ports = append(staged.ports, models.PortAssignment{
			HardwareAddress: hardwareAddress,
			Port:            a.Port,
			Protocol:        a.Protocol,
		})
	}
	tx.devices[hardwareAddress] = staged
	return nil
}

func usedPorts(owners map[uint16]string) map[uint16]struct{} {
	used := make(map[uint16]struct{}, len(owners))
	for port := range owners {
		used[port] = struct{}{}
	}
	return used
}

func portsFor(devices map[string]*memoryDevice, mac string) []models.Assignment {
	d, ok := devices[mac]
	if !ok {
		return []models.Assignment{}
	}
	return sortedAssignments(d.ports)
}

func sortedAssignments(rows []models.PortAssignment) []models.Assignment {
	out := make([]models.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Assignment{Port: r.Port, Protocol: r.Protocol})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
