package allocator

import (
	"context"
	"sort"

	"portreg/internal/errdefs"
	"portreg/internal/models"
)

// DevicePorts returns the assignments of one device, ordered by port. An
// unknown device has no ports.
func (e *Engine) DevicePorts(ctx context.Context, hardwareAddress string) ([]models.Assignment, error) {
	mac, err := NormalizeHardwareAddress(hardwareAddress)
	if err != nil {
		return nil, err
	}
	ports, err := e.store.ListPortsForDevice(ctx, mac)
	if err != nil {
		return nil, errdefs.Unavailable(err, "list ports for %s", mac)
	}
	return ports, nil
}

// UsedPorts returns every assigned port number in ascending order.
func (e *Engine) UsedPorts(ctx context.Context) ([]uint16, error) {
	used, err := e.store.ListUsedPorts(ctx)
	if err != nil {
		return nil, errdefs.Unavailable(err, "list used ports")
	}
	out := make([]uint16, 0, len(used))
	for port := range used {
		out = append(out, port)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
