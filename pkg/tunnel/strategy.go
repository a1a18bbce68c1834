// Package tunnel enforces rules by intercepting DNS on a local virtual
// interface. Queries for blocked and redirected names are answered on the
// device; everything else goes to the configured upstream resolvers.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"hostguard/pkg/dnscache"
	"hostguard/pkg/enforce"
	"hostguard/pkg/executor"
	"hostguard/pkg/handler"
	"hostguard/pkg/hosterr"
	"hostguard/pkg/metrics"
	"hostguard/pkg/rules"
)

const defaultMTU = 1500

// Options configures the tunnel strategy.
type Options struct {
	Device    DeviceConfig
	Forwarder handler.Upstream
	Cache     *dnscache.DNSCache
	Network   *executor.Domain
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Open defaults to OpenDevice.
	Open Opener
	// Passthrough defaults to NewRawPassthrough. A failure to open it is
	// logged and non-DNS traffic is dropped.
	Passthrough func() (Passthrough, error)
}

// Strategy runs at most one packet loop at a time.
type Strategy struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	sess *session
}

// New creates a Strategy. Nothing is opened until Install.
func New(opts Options) *Strategy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Open == nil {
		opts.Open = OpenDevice
	}
	if opts.Passthrough == nil {
		opts.Passthrough = func() (Passthrough, error) { return NewRawPassthrough() }
	}
	if opts.Network == nil {
		opts.Network = executor.New(0).Network
	}
	if opts.Device.MTU <= 0 {
		opts.Device.MTU = defaultMTU
	}
	return &Strategy{opts: opts, log: opts.Logger}
}

func (s *Strategy) Method() enforce.Method { return enforce.MethodVPN }

// Running reports whether the packet loop is up.
func (s *Strategy) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// Install opens the device and starts the packet loop. When the loop is
// already running it keeps serving provider's current set, so repeated
// installs are no-ops.
func (s *Strategy) Install(ctx context.Context, provider rules.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, err := s.opts.Open(s.opts.Device)
	if err != nil {
		var he *hosterr.HostError
		if errors.As(err, &he) {
			return err
		}
		return hosterr.Wrap(err, hosterr.InterfaceUnavailable, "open tunnel device")
	}

	pass, err := s.opts.Passthrough()
	if err != nil {
		s.log.Warn("passthrough unavailable, non-DNS packets will be dropped", "error", err)
		pass = nil
	}

	sess := &session{
		dev:      dev,
		handler:  handler.New(provider, s.opts.Cache, s.opts.Forwarder, s.log, s.opts.Metrics),
		pass:     pass,
		network:  s.opts.Network,
		local:    s.opts.Device.Address,
		resolver: s.opts.Device.DNSAddress,
		mtu:      s.opts.Device.MTU,
		log:      s.log.With("device", dev.Name()),
	}
	sess.start()
	s.sess = sess
	s.log.Info("tunnel started", "device", dev.Name(), "address", s.opts.Device.Address, "dns", s.opts.Device.DNSAddress)
	return nil
}

// Uninstall stops the loop, removes the device and waits for in-flight
// queries to drain. When the device cannot be closed the session is kept,
// Running stays true and a later Uninstall retries the close.
func (s *Strategy) Uninstall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	closeErr, drainErr := s.sess.stop(ctx)
	if closeErr != nil {
		return hosterr.Wrap(closeErr, hosterr.InterfaceUnavailable, "close tunnel device")
	}
	s.sess = nil
	if s.opts.Cache != nil {
		s.opts.Cache.Clear()
	}
	// The device is gone, so enforcement has ended even if queries were
	// still in flight.
	if drainErr != nil {
		s.log.Warn("tunnel stopped before in-flight queries drained", "error", drainErr)
		return nil
	}
	s.log.Info("tunnel stopped")
	return nil
}
