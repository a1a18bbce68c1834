// Package handler decides what happens to one intercepted DNS query.
package handler

import (
	"context"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"hostguard/pkg/dnscache"
	"hostguard/pkg/metrics"
	"hostguard/pkg/rules"
)

const (
	DefaultTTL = 600
	MaxMsgSize = 512
)

// Verdict is the classification of a query.
type Verdict int

const (
	Forward Verdict = iota
	Allow
	Block
	Redirect
	Malformed
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Redirect:
		return "redirect"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Local reports whether the verdict is answered without upstream.
func (v Verdict) Local() bool {
	return v == Block || v == Redirect
}

// Upstream is the forwarder used for queries the rule set does not answer.
type Upstream interface {
	Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
	ForwardRaw(ctx context.Context, payload []byte) ([]byte, error)
}

// Handler classifies queries against the current rule set and produces the
// wire reply.
type Handler struct {
	rules     rules.Provider
	cache     *dnscache.DNSCache
	forwarder Upstream
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a Handler. cache may be nil.
func New(provider rules.Provider, cache *dnscache.DNSCache, forwarder Upstream, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		rules:     provider,
		cache:     cache,
		forwarder: forwarder,
		log:       log,
		metrics:   m,
	}
}

// Classify looks the first question up in the current rule set. The lookup
// is one map access on an immutable set.
func (h *Handler) Classify(r *dns.Msg) (rules.Entry, Verdict) {
	if r == nil || r.Response || r.Opcode != dns.OpcodeQuery || len(r.Question) != 1 {
		return rules.Entry{}, Malformed
	}
	name := rules.Normalize(r.Question[0].Name)
	entry, ok := h.rules.Current().Lookup(name)
	if !ok {
		return rules.Entry{}, Forward
	}
	switch entry.Kind {
	case rules.Block:
		return entry, Block
	case rules.Redirect:
		return entry, Redirect
	default:
		return entry, Allow
	}
}

// Synthesize builds the local answer for a Block or Redirect verdict.
// Blocked names get NXDOMAIN. Redirects answer A or AAAA according to the
// target's family; other query types get an empty NOERROR.
func Synthesize(r *dns.Msg, entry rules.Entry) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.RecursionAvailable = true
	msg.Authoritative = true

	if entry.Kind != rules.Redirect {
		msg.Rcode = dns.RcodeNameError
		return msg
	}

	q := r.Question[0]
	target := entry.Target
	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: DefaultTTL}
	switch {
	case q.Qtype == dns.TypeA && target.Is4():
		hdr.Rrtype = dns.TypeA
		msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: net.IP(target.AsSlice())})
	case q.Qtype == dns.TypeAAAA && target.Is6():
		hdr.Rrtype = dns.TypeAAAA
		msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(target.AsSlice())})
	}
	return msg
}

// Answer replies to payload without touching the network: Block and Redirect
// verdicts, and cache hits. ok is false when the query has to go upstream
// through Handle.
func (h *Handler) Answer(payload []byte, udp bool) (out []byte, verdict Verdict, ok bool) {
	r := new(dns.Msg)
	if err := r.Unpack(payload); err != nil {
		return nil, Malformed, false
	}
	entry, verdict := h.Classify(r)
	switch verdict {
	case Malformed:
		return nil, verdict, false
	case Block, Redirect:
		h.metrics.Query(verdict.String())
		out, _, err := h.pack(r, Synthesize(r, entry), udp, verdict)
		return out, verdict, err == nil
	}
	if cached, hit := h.cachedReply(r); hit {
		h.metrics.Query(verdict.String())
		out, _, err := h.pack(r, cached, udp, verdict)
		return out, verdict, err == nil
	}
	return nil, verdict, false
}

// Handle answers one wire-format query. Local verdicts never reach the
// upstream. Queries that fail to parse are relayed to the upstream
// unmodified. The reply always carries the query's transaction ID.
func (h *Handler) Handle(ctx context.Context, payload []byte, udp bool) ([]byte, Verdict, error) {
	r := new(dns.Msg)
	if err := r.Unpack(payload); err != nil {
		h.metrics.Query(Malformed.String())
		reply, ferr := h.forwarder.ForwardRaw(ctx, payload)
		return reply, Malformed, ferr
	}

	entry, verdict := h.Classify(r)
	h.metrics.Query(verdict.String())
	switch verdict {
	case Malformed:
		reply, err := h.forwarder.ForwardRaw(ctx, payload)
		return reply, verdict, err
	case Block, Redirect:
		h.log.Debug("answered locally", "host", entry.Host, "verdict", verdict, "type", dns.TypeToString[r.Question[0].Qtype])
		return h.pack(r, Synthesize(r, entry), udp, verdict)
	}

	if cached, ok := h.cachedReply(r); ok {
		h.log.Debug("cache hit", "name", r.Question[0].Name)
		return h.pack(r, cached, udp, verdict)
	}

	resp, err := h.forwarder.Forward(ctx, r)
	if err != nil {
		h.log.Warn("upstream DNS servers failed", "name", r.Question[0].Name, "error", err)
		fail := new(dns.Msg)
		fail.SetRcode(r, dns.RcodeServerFailure)
		fail.RecursionAvailable = true
		out, _, perr := h.pack(r, fail, udp, verdict)
		if perr != nil {
			return nil, verdict, perr
		}
		return out, verdict, err
	}
	if h.cache != nil {
		h.cache.Set(resp)
	}
	resp.Id = r.Id
	return h.pack(r, resp, udp, verdict)
}

func (h *Handler) cachedReply(r *dns.Msg) (*dns.Msg, bool) {
	if h.cache == nil {
		return nil, false
	}
	msg, ok := h.cache.Get(r)
	if ok {
		msg.RecursionAvailable = true
	}
	return msg, ok
}

// pack serialises msg, truncating UDP replies to the client's buffer size.
func (h *Handler) pack(r, msg *dns.Msg, udp bool, verdict Verdict) ([]byte, Verdict, error) {
	if udp {
		size := MaxMsgSize
		if opt := r.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
			size = int(opt.UDPSize())
		}
		if msg.Len() > size {
			h.log.Debug("message too large", "size", msg.Len(), "max", size)
			msg.Truncate(size)
		}
	}
	out, err := msg.Pack()
	return out, verdict, err
}
