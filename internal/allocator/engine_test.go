package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"portreg/internal/authkey"
	"portreg/internal/errdefs"
	"portreg/internal/logger"
	"portreg/internal/metrics"
	"portreg/internal/models"
	"portreg/internal/store"
)

const (
	testMAC = "aa:bb:cc:dd:ee:ff"
	testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl device"
)

func newTestEngine(t *testing.T, st store.Store, opts Options, fwd authkey.Forwarder) *Engine {
	t.Helper()

	e := New(st, opts, fwd, metrics.New(), logger.NewTestLogger())
	e.backoff = func(int) time.Duration { return 0 }
	t.Cleanup(e.Drain)
	return e
}

func seed(t *testing.T, st store.Store, mac string, ports ...uint16) {
	t.Helper()

	ctx := context.Background()
	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateDevice(ctx, models.Device{HardwareAddress: mac, Credential: "seed"}); err != nil {
			return err
		}
		assignments := make([]models.Assignment, 0, len(ports))
		for _, p := range ports {
			assignments = append(assignments, models.Assignment{Port: p, Protocol: models.ProtocolTCP})
		}
		return tx.InsertPortAssignments(ctx, mac, assignments)
	})
	require.NoError(t, err)
}

func TestRegisterAssignsFromBaseline(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), Options{}, nil)

	got, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolHTTP, models.ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, []models.Assignment{
		{Port: 8000, Protocol: models.ProtocolHTTP},
		{Port: 8001, Protocol: models.ProtocolTCP},
	}, got)
}

func TestRegisterReplayIgnoresProtocols(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, Options{}, nil)

	first, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolHTTP, models.ProtocolTCP})
	require.NoError(t, err)

	again, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolUDP})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	used, err := st.ListUsedPorts(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 2)
}

func TestRegisterReplayAcceptsOtherNotations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), Options{}, nil)

	first, err := e.Register(ctx, "AA-BB-CC-DD-EE-FF", testKey, []models.Protocol{models.ProtocolUDP})
	require.NoError(t, err)

	again, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolTCP, models.ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestRegisterFillsLowestGap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, "00:00:00:00:00:01", 8000, 8001, 8003)
	e := newTestEngine(t, st, Options{}, nil)

	got, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, []models.Assignment{{Port: 8002, Protocol: models.ProtocolTCP}}, got)

	got, err = e.Register(ctx, "aa:bb:cc:dd:ee:00", testKey, []models.Protocol{models.ProtocolUDP, models.ProtocolHTTPS})
	require.NoError(t, err)
	assert.Equal(t, []models.Assignment{
		{Port: 8004, Protocol: models.ProtocolUDP},
		{Port: 8005, Protocol: models.ProtocolHTTPS},
	}, got)
}

func TestRegisterIgnoresPortsBelowBaseline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, "00:00:00:00:00:01", 22, 7999)
	e := newTestEngine(t, st, Options{}, nil)

	got, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, uint16(8000), got[0].Port)
}

func TestRegisterEmptyProtocols(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, Options{}, nil)

	got, err := e.Register(ctx, testMAC, testKey, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	snapshot, err := st.ListDeviceAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, testMAC, snapshot[0].HardwareAddress)
}

func TestRegisterConcurrentDevicesGetDisjointPorts(t *testing.T) {
	const (
		devices   = 32
		perDevice = 3
	)

	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), Options{}, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owners  = make(map[uint16]string)
		errorsC = make(chan error, devices)
	)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			mac := fmt.Sprintf("02:00:00:00:00:%02x", i)
			got, err := e.Register(ctx, mac, testKey, []models.Protocol{models.ProtocolTCP, models.ProtocolUDP, models.ProtocolHTTP})
			if err != nil {
				errorsC <- err
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, a := range got {
				if prev, dup := owners[a.Port]; dup {
					errorsC <- fmt.Errorf("port %d assigned to %s and %s", a.Port, prev, mac)
				}
				owners[a.Port] = mac
			}
		}(i)
	}
	wg.Wait()
	close(errorsC)

	for err := range errorsC {
		t.Error(err)
	}
	require.Len(t, owners, devices*perDevice)
	for p := uint16(8000); p < 8000+devices*perDevice; p++ {
		assert.Contains(t, owners, p)
	}
}

func TestRegisterConcurrentReplaysOneDevice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, Options{}, nil)

	results := make([][]models.Assignment, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolHTTP, models.ProtocolTCP})
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	used, err := st.ListUsedPorts(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 2)
}

func TestRegisterExhaustedPoolLeavesNoDevice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, Options{Baseline: 8000, MaxPort: 8002}, nil)

	_, err := e.Register(ctx, testMAC, testKey, []models.Protocol{models.ProtocolTCP, models.ProtocolTCP})
	require.NoError(t, err)

	_, err = e.Register(ctx, "aa:bb:cc:dd:ee:00", testKey, []models.Protocol{models.ProtocolTCP, models.ProtocolUDP})
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err), "got %v", err)

	snapshot, err := st.ListDeviceAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, testMAC, snapshot[0].HardwareAddress)

	used, err := st.ListUsedPorts(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 2)

	got, err := e.Register(ctx, "aa:bb:cc:dd:ee:00", testKey, []models.Protocol{models.ProtocolUDP})
	require.NoError(t, err)
	assert.Equal(t, uint16(8002), got[0].Port)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	tooMany := make([]models.Protocol, 3)
	for i := range tooMany {
		tooMany[i] = models.ProtocolTCP
	}

	tests := []struct {
		name      string
		mac       string
		key       string
		protocols []models.Protocol
		strict    bool
	}{
		{name: "empty mac", mac: "", key: testKey},
		{name: "garbage mac", mac: "not-a-mac", key: testKey},
		{name: "infiniband mac", mac: "00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01", key: testKey},
		{name: "empty key", mac: testMAC, key: "   "},
		{name: "multi-line key", mac: testMAC, key: "ssh-ed25519 AAAA\nssh-rsa BBBB"},
		{name: "oversized key", mac: testMAC, key: strings.Repeat("k", maxCredentialLen+1)},
		{name: "strict key", mac: testMAC, key: "not an ssh key", strict: true},
		{name: "too many ports", mac: testMAC, key: testKey, protocols: tooMany},
		{name: "unknown protocol", mac: testMAC, key: testKey, protocols: []models.Protocol{models.ProtocolTCP, models.Protocol(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			e := newTestEngine(t, st, Options{MaxPortsPerDevice: 2, StrictSSHKeys: tt.strict}, nil)

			_, err := e.Register(context.Background(), tt.mac, tt.key, tt.protocols)
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidInput(err), "got %v", err)

			snapshot, err := st.ListDeviceAssignments(context.Background())
			require.NoError(t, err)
			assert.Empty(t, snapshot)
		})
	}
}

func TestRegisterStrictAcceptsAuthorizedKey(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), Options{StrictSSHKeys: true}, nil)

	_, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	assert.NoError(t, err)
}

// flakyStore fails the first failures Update calls with err.
type flakyStore struct {
	store.Store
	err      error
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	if s.calls.Add(1) <= s.failures {
		return s.err
	}
	return s.Store.Update(ctx, fn)
}

func TestRegisterRetriesOnPortConflict(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: store.ErrPortInUse, failures: 2}
	e := newTestEngine(t, st, Options{MaxRetries: 5}, nil)

	got, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, uint16(8000), got[0].Port)
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestRegisterGivesUpAfterMaxRetries(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: store.ErrTxConflict, failures: 100}
	e := newTestEngine(t, st, Options{MaxRetries: 3}, nil)

	_, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err), "got %v", err)
	assert.ErrorIs(t, err, store.ErrTxConflict)
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestRegisterDoesNotRetryStoreOutage(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: store.ErrUnavailable, failures: 100}
	e := newTestEngine(t, st, Options{MaxRetries: 3}, nil)

	_, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err), "got %v", err)
	assert.Equal(t, int32(1), st.calls.Load())
}

func TestRegisterUnknownStoreErrorIsInternal(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: errors.New("disk on fire"), failures: 1}
	e := newTestEngine(t, st, Options{}, nil)

	_, err := e.Register(context.Background(), testMAC, testKey, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInternal, errdefs.KindOf(err))
}

func TestRegisterForwardsCredentialOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	fwd := authkey.NewMockForwarder(ctrl)
	fwd.EXPECT().Forward(gomock.Any(), testKey).Return(nil).Times(1)

	e := newTestEngine(t, store.NewMemoryStore(), Options{}, fwd)

	_, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.NoError(t, err)
	_, err = e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP})
	require.NoError(t, err)

	e.Drain()
}

func TestRegisterSurvivesForwardFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	fwd := authkey.NewMockForwarder(ctrl)
	fwd.EXPECT().Forward(gomock.Any(), testKey).Return(errors.New("connection refused"))

	e := newTestEngine(t, store.NewMemoryStore(), Options{}, fwd)

	got, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolHTTPS})
	require.NoError(t, err)
	assert.Equal(t, []models.Assignment{{Port: 8000, Protocol: models.ProtocolHTTPS}}, got)

	e.Drain()
}

func TestRegisterDoesNotForwardOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	fwd := authkey.NewMockForwarder(ctrl)

	e := newTestEngine(t, store.NewMemoryStore(), Options{Baseline: 65535, MaxPort: 65535}, fwd)

	_, err := e.Register(context.Background(), testMAC, testKey, []models.Protocol{models.ProtocolTCP, models.ProtocolTCP})
	require.Error(t, err)
	e.Drain()
}

func TestPickPorts(t *testing.T) {
	used := map[uint16]struct{}{8000: {}, 8002: {}}

	got, err := pickPorts(used, []models.Protocol{models.ProtocolTCP, models.ProtocolUDP, models.ProtocolHTTP}, 8000, 65535)
	require.NoError(t, err)
	assert.Equal(t, []models.Assignment{
		{Port: 8001, Protocol: models.ProtocolTCP},
		{Port: 8003, Protocol: models.ProtocolUDP},
		{Port: 8004, Protocol: models.ProtocolHTTP},
	}, got)
	assert.Len(t, used, 5)
}

func TestPickPortsTopOfRange(t *testing.T) {
	got, err := pickPorts(map[uint16]struct{}{}, []models.Protocol{models.ProtocolTCP}, 65535, 65535)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), got[0].Port)

	_, err = pickPorts(map[uint16]struct{}{65535: {}}, []models.Protocol{models.ProtocolTCP}, 65535, 65535)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		d := backoffDelay(attempt)
		floor := baseBackoff * time.Duration(1<<(attempt-1))
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+baseBackoff)
	}
}

func TestDevicePortsAndUsedPorts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, "00:00:00:00:00:01", 8003, 8001)
	e := newTestEngine(t, st, Options{}, nil)

	ports, err := e.DevicePorts(ctx, "00-00-00-00-00-01")
	require.NoError(t, err)
	assert.Equal(t, []uint16{8001, 8003}, models.PortNumbers(ports))

	unknown, err := e.DevicePorts(ctx, testMAC)
	require.NoError(t, err)
	assert.Empty(t, unknown)

	_, err = e.DevicePorts(ctx, "bogus")
	assert.True(t, errdefs.IsInvalidInput(err))

	used, err := e.UsedPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint16{8001, 8003}, used)
}
