// Package forward relays DNS queries to the configured upstream resolvers.
package forward

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"hostguard/pkg/hosterr"
	"hostguard/pkg/metrics"
)

const defaultTimeout = 3 * time.Second

// Forwarder tries each upstream in order until one answers.
type Forwarder struct {
	upstreamServers []string
	udp             *dns.Client
	tcp             *dns.Client
	log             *slog.Logger
	metrics         *metrics.Metrics
}

// New creates a Forwarder. Upstreams are host:port strings.
func New(upstreamServers []string, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		upstreamServers: upstreamServers,
		udp:             &dns.Client{Net: "udp", Timeout: timeout},
		tcp:             &dns.Client{Net: "tcp", Timeout: timeout},
		log:             log,
		metrics:         m,
	}
}

// Upstreams returns the configured servers.
func (f *Forwarder) Upstreams() []string {
	return f.upstreamServers
}

// Forward exchanges r with the first upstream that answers. A truncated UDP
// answer is retried over TCP on the same upstream. When every upstream fails
// the error is an UPSTREAM_UNREACHABLE HostError.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(f.upstreamServers) == 0 {
		return nil, hosterr.New(hosterr.UpstreamUnreachable, "no upstream servers configured")
	}

	var errs []error
	for _, server := range f.upstreamServers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		msg, _, err := f.udp.ExchangeContext(ctx, r, server)
		if err == nil && msg.Truncated {
			msg, _, err = f.tcp.ExchangeContext(ctx, r, server)
		}
		f.metrics.Upstream(server, time.Since(start), err)
		if err == nil {
			return msg, nil
		}
		f.log.Debug("upstream query failed, trying next server", "upstream", server, "error", err)
		errs = append(errs, err)
	}
	return nil, hosterr.Wrap(errors.Join(errs...), hosterr.UpstreamUnreachable, "all upstream servers failed")
}

// ForwardRaw relays a payload that could not be parsed, byte for byte, and
// returns the first upstream reply as received.
func (f *Forwarder) ForwardRaw(ctx context.Context, payload []byte) ([]byte, error) {
	if len(f.upstreamServers) == 0 {
		return nil, hosterr.New(hosterr.UpstreamUnreachable, "no upstream servers configured")
	}
	var errs []error
	for _, server := range f.upstreamServers {
		start := time.Now()
		reply, err := f.exchangeRaw(ctx, server, payload)
		f.metrics.Upstream(server, time.Since(start), err)
		if err == nil {
			return reply, nil
		}
		errs = append(errs, err)
	}
	return nil, hosterr.Wrap(errors.Join(errs...), hosterr.UpstreamUnreachable, "all upstream servers failed")
}

func (f *Forwarder) exchangeRaw(ctx context.Context, server string, payload []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: f.udp.Timeout}
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(f.udp.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
