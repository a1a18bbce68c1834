package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"hostguard/pkg/executor"
	"hostguard/pkg/handler"
)

// session is one running packet loop over an open device.
type session struct {
	dev      Device
	handler  *handler.Handler
	pass     Passthrough
	network  *executor.Domain
	local    netip.Prefix
	resolver netip.Addr
	mtu      int
	log      *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu  sync.Mutex
	inflight sync.WaitGroup

	tcpMu sync.Mutex
	flows map[flowKey]*tcpFlow
}

func (s *session) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.flows = make(map[flowKey]*tcpFlow)
	if s.now == nil {
		s.now = time.Now
	}
	go s.run()
}

func (s *session) run() {
	defer close(s.done)
	buf := make([]byte, s.mtu)
	for {
		n, err := s.dev.Read(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return
			}
			s.log.Warn("tunnel read failed", "device", s.dev.Name(), "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.process(raw)
	}
}

// process handles one packet. Nothing here waits on the network: local
// answers are written straight back and forwards are dispatched.
func (s *session) process(raw []byte) {
	p, err := decode(raw)
	if err != nil {
		s.log.Debug("undecodable packet", "error", err, "size", len(raw))
		s.passthrough(raw, nil)
		return
	}
	if !p.isDNS() {
		s.passthrough(raw, p)
		return
	}
	if p.tcp != nil {
		s.processTCP(p)
		return
	}

	if out, _, ok := s.handler.Answer(p.payload, true); ok {
		s.write(p, out)
		return
	}

	s.inflight.Add(1)
	dispatched := s.network.Go(s.ctx, func(ctx context.Context) {
		defer s.inflight.Done()
		out, verdict, err := s.handler.Handle(ctx, p.payload, true)
		if err != nil && ctx.Err() == nil {
			s.log.Debug("forward failed", "verdict", verdict, "error", err)
		}
		if len(out) > 0 {
			s.write(p, out)
		}
	})
	if !dispatched {
		s.inflight.Done()
		s.log.Debug("forward pool full, dropping query", "src", p.src)
	}
}

func (s *session) write(p *packet, payload []byte) {
	out, err := p.reply(payload)
	if err != nil {
		s.log.Warn("build reply failed", "error", err)
		return
	}
	s.writeRaw(out)
}

func (s *session) writeRaw(out []byte) {
	s.writeMu.Lock()
	_, err := s.dev.Write(out)
	s.writeMu.Unlock()
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn("tunnel write failed", "device", s.dev.Name(), "error", err)
	}
}

// passthrough re-injects raw unless it is addressed into the tunnel itself,
// which would loop it straight back.
func (s *session) passthrough(raw []byte, p *packet) {
	if s.pass == nil {
		return
	}
	if p != nil && s.routedIntoTunnel(p.destination()) {
		s.log.Debug("dropping packet addressed into the tunnel", "dst", p.dst, "port", p.dstPort)
		return
	}
	if err := s.pass.Send(raw); err != nil {
		s.log.Debug("passthrough failed", "error", err)
	}
}

// routedIntoTunnel reports whether the kernel sends dst back into the
// device: the interface prefix and the resolver route.
func (s *session) routedIntoTunnel(dst netip.Addr) bool {
	if s.local.IsValid() && s.local.Masked().Contains(dst) {
		return true
	}
	return s.resolver.IsValid() && s.resolver.Unmap() == dst
}

// stop cancels outstanding forwards, closes the device and waits for the
// loop and every in-flight query to finish. closeErr is the device's close
// failure; the loop keeps reading an open device, so stop returns at once
// and may be called again. drainErr is set when ctx ended before the loop
// drained.
func (s *session) stop(ctx context.Context) (closeErr, drainErr error) {
	s.cancel()
	if closeErr = s.dev.Close(); closeErr != nil {
		return closeErr, nil
	}

	drained := make(chan struct{})
	go func() {
		<-s.done
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = ctx.Err()
	}
	if s.pass != nil {
		if err := s.pass.Close(); err != nil {
			s.log.Debug("close passthrough", "error", err)
		}
	}
	return closeErr, drainErr
}
