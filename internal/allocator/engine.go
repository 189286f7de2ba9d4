// Package allocator assigns ports from the global pool to registering
// devices.
//
// Every port number is owned by at most one device, across all devices, and
// is never reassigned. The read-scan-insert sequence that picks free ports
// runs inside a single store transaction that is serialized over the whole
// pool; the store additionally enforces a unique index on the port number,
// and a conflict on that index (another writer that slipped past the lock,
// e.g. a second process) makes the engine re-read the pool and try again.
//
// Registration is idempotent: a device that already exists gets its current
// assignments back and the requested protocols are ignored.
package allocator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portreg/internal/authkey"
	"portreg/internal/config"
	"portreg/internal/errdefs"
	"portreg/internal/logger"
	"portreg/internal/metrics"
	"portreg/internal/models"
	"portreg/internal/store"
)

const baseBackoff = 20 * time.Millisecond

// Options bounds allocation.
type Options struct {
	Baseline          uint16
	MaxPort           uint16
	MaxPortsPerDevice int
	MaxRetries        int
	StrictSSHKeys     bool
	ForwardTimeout    time.Duration
}

// OptionsFromConfig maps the allocator and key-service configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Baseline:          cfg.Allocator.Baseline,
		MaxPort:           cfg.Allocator.MaxPort,
		MaxPortsPerDevice: cfg.Allocator.MaxPortsPerDevice,
		MaxRetries:        cfg.Allocator.MaxRetries,
		StrictSSHKeys:     cfg.Allocator.StrictSSHKeys,
		ForwardTimeout:    cfg.AuthorizeKey.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Baseline == 0 {
		o.Baseline = config.DefaultPortBaseline
	}
	if o.MaxPort == 0 {
		o.MaxPort = config.MaxPortNumber
	}
	if o.MaxPortsPerDevice <= 0 {
		o.MaxPortsPerDevice = 16
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.ForwardTimeout <= 0 {
		o.ForwardTimeout = 5 * time.Second
	}
	return o
}

// Engine is the port allocation engine.
type Engine struct {
	store     store.Store
	opts      Options
	forwarder authkey.Forwarder
	metrics   *metrics.Metrics
	log       zerolog.Logger

	backoff  func(attempt int) time.Duration
	forwards sync.WaitGroup
}

// New creates an Engine. A nil forwarder disables credential forwarding.
func New(st store.Store, opts Options, forwarder authkey.Forwarder, m *metrics.Metrics, log zerolog.Logger) *Engine {
	if forwarder == nil {
		forwarder = authkey.Nop{}
	}
	return &Engine{
		store:     st,
		opts:      opts.withDefaults(),
		forwarder: forwarder,
		metrics:   m,
		log:       logger.WithComponent(log, "allocator"),
		backoff:   backoffDelay,
	}
}

// RegisterRequest registers the device described by an inbound request body.
func (e *Engine) RegisterRequest(ctx context.Context, req models.RegisterRequest) ([]models.Assignment, error) {
	return e.Register(ctx, req.AddressMAC, req.SSHKey, req.Protocols())
}

// Register returns the ports assigned to hardwareAddress, in the order the
// protocols were requested. A device that is already registered gets its
// existing assignments, ordered by port, and protocols is ignored.
func (e *Engine) Register(ctx context.Context, hardwareAddress, credential string, protocols []models.Protocol) ([]models.Assignment, error) {
	mac, err := NormalizeHardwareAddress(hardwareAddress)
	if err != nil {
		e.metrics.Registration(metrics.OutcomeFailed)
		return nil, err
	}
	credential, err = e.validateCredential(credential)
	if err != nil {
		e.metrics.Registration(metrics.OutcomeFailed)
		return nil, err
	}
	if err := e.validateProtocols(protocols); err != nil {
		e.metrics.Registration(metrics.OutcomeFailed)
		return nil, err
	}

	var (
		assigned []models.Assignment
		created  bool
	)
	for attempt := 1; ; attempt++ {
		assigned, created, err = e.allocate(ctx, mac, credential, protocols)
		if err == nil {
			break
		}
		if !store.IsRetryable(err) || attempt >= e.opts.MaxRetries {
			e.metrics.Registration(metrics.OutcomeFailed)
			return nil, e.classify(err, attempt)
		}

		delay := e.backoff(attempt)
		e.metrics.AllocationRetry()
		e.log.Warn().
			Err(err).
			Str("address_mac", mac).
			Int("attempt", attempt).
			Int("max_attempts", e.opts.MaxRetries).
			Dur("backoff", delay).
			Msg("port allocation conflicted, retrying")

		if err := sleep(ctx, delay); err != nil {
			e.metrics.Registration(metrics.OutcomeFailed)
			return nil, errdefs.Unavailable(err, "registration of %s interrupted", mac)
		}
	}

	if !created {
		e.metrics.Registration(metrics.OutcomeReplayed)
		e.log.Debug().
			Str("address_mac", mac).
			Interface("ports", models.PortNumbers(assigned)).
			Msg("device already registered, returning existing ports")
		return assigned, nil
	}

	e.metrics.Registration(metrics.OutcomeCreated)
	e.metrics.PortsAllocated(assigned)
	e.log.Info().
		Str("address_mac", mac).
		Interface("ports", models.PortNumbers(assigned)).
		Msg("device registered")

	e.forward(mac, credential)
	return assigned, nil
}

// allocate runs one pool transaction. created is false when the device
// already existed and nothing was written.
func (e *Engine) allocate(ctx context.Context, mac, credential string, protocols []models.Protocol) (assigned []models.Assignment, created bool, err error) {
	err = e.store.Update(ctx, func(tx store.Tx) error {
		assigned, created = nil, false

		err := tx.CreateDevice(ctx, models.Device{
			HardwareAddress: mac,
			Credential:      credential,
			CreatedAt:       time.Now().UTC(),
		})
		if errors.Is(err, store.ErrDeviceExists) {
			existing, err := tx.ListPortsForDevice(ctx, mac)
			if err != nil {
				return err
			}
			assigned = existing
			return nil
		}
		if err != nil {
			return err
		}

		used, err := tx.ListUsedPorts(ctx)
		if err != nil {
			return err
		}
		picked, err := pickPorts(used, protocols, e.opts.Baseline, e.opts.MaxPort)
		if err != nil {
			return err
		}
		if len(picked) > 0 {
			if err := tx.InsertPortAssignments(ctx, mac, picked); err != nil {
				return err
			}
		}

		assigned, created = picked, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return assigned, created, nil
}

// pickPorts assigns, for each protocol in order, the smallest port at or
// above baseline that is neither used nor already picked. Picks are added to
// used as they are made.
func pickPorts(used map[uint16]struct{}, protocols []models.Protocol, baseline, maxPort uint16) ([]models.Assignment, error) {
	out := make([]models.Assignment, 0, len(protocols))

	// Every port in [baseline, next) is taken once a pick has been made.
	next := uint32(baseline)
	for _, p := range protocols {
		for ; next <= uint32(maxPort); next++ {
			if _, taken := used[uint16(next)]; !taken {
				break
			}
		}
		if next > uint32(maxPort) {
			return nil, errdefs.ResourceExhausted("port", "no free port in %d-%d", baseline, maxPort)
		}

		port := uint16(next)
		used[port] = struct{}{}
		out = append(out, models.Assignment{Port: port, Protocol: p})
	}
	return out, nil
}

func (e *Engine) classify(err error, attempts int) error {
	var kindErr error
	switch {
	case errdefs.KindOf(err) != errdefs.KindInternal:
		kindErr = err
	case store.IsRetryable(err):
		kindErr = errdefs.Unavailable(err, "port allocation still conflicting after %d attempts", attempts)
	case errors.Is(err, store.ErrDeviceNotFound):
		kindErr = errdefs.NotFound(err, "device vanished during port insert")
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		kindErr = errdefs.Unavailable(err, "store")
	default:
		kindErr = errdefs.Internal(err, "register device")
	}

	e.log.Error().Err(err).Str("kind", errdefs.KindOf(kindErr).String()).Msg("registration failed")
	return kindErr
}

// forward hands the credential to the key service without blocking or
// failing the registration.
func (e *Engine) forward(mac, credential string) {
	e.forwards.Add(1)
	go func() {
		defer e.forwards.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ForwardTimeout)
		defer cancel()

		if err := e.forwarder.Forward(ctx, credential); err != nil {
			e.metrics.ForwardFailure()
			e.log.Warn().Err(err).Str("address_mac", mac).Msg("credential forwarding failed")
		}
	}()
}

// Drain blocks until in-flight credential forwards finish.
func (e *Engine) Drain() {
	e.forwards.Wait()
}

// backoffDelay grows exponentially with a random jitter of up to one base
// interval so competing writers do not retry in lockstep.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := baseBackoff * time.Duration(1<<(attempt-1))
	return backoff + time.Duration(rand.Int64N(int64(baseBackoff)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
