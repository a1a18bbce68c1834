package tunnel

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket/layers"
)

const (
	tcpWindow      = 65535
	tcpIdleTimeout = 30 * time.Second
	maxTCPFlows    = 1024
	defaultMSS     = 536
)

type flowKey struct {
	client, server netip.AddrPort
}

func flowKeyOf(p *packet) flowKey {
	src, _ := netip.AddrFromSlice(p.src)
	return flowKey{
		client: netip.AddrPortFrom(src.Unmap(), p.srcPort),
		server: netip.AddrPortFrom(p.destination(), p.dstPort),
	}
}

// tcpFlow is the resolver side of one DNS-over-TCP connection. The tunnel
// terminates these connections itself. Sequence numbers are tracked only far
// enough to serve an in-order local client; nothing is retransmitted since
// the device does not drop packets.
type tcpFlow struct {
	origin   *packet
	sendNext uint32
	recvNext uint32
	mss      int
	buf      []byte
	pending  int
	finRecv  bool
	lastSeen time.Time
}

// processTCP runs the connection state machine for one segment addressed to
// a DNS port.
func (s *session) processTCP(p *packet) {
	seg := p.tcp
	key := flowKeyOf(p)

	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	f := s.flows[key]
	switch {
	case seg.RST:
		delete(s.flows, key)
		return
	case seg.SYN && !seg.ACK:
		s.acceptLocked(key, p)
		return
	case f == nil:
		// The final ACK of a closed flow lands here and is ignored.
		if len(p.payload) > 0 || seg.FIN || seg.SYN {
			s.resetLocked(p)
		}
		return
	}
	f.lastSeen = s.now()

	end := seg.Seq + uint32(len(p.payload))
	replied := false
	if len(p.payload) > 0 {
		if seg.Seq != f.recvNext {
			s.sendLocked(f, &layers.TCP{ACK: true}, nil)
			return
		}
		f.recvNext = end
		f.buf = append(f.buf, p.payload...)
		var alive bool
		replied, alive = s.consumeLocked(key, f)
		if !alive {
			return
		}
	}

	if seg.FIN && end == f.recvNext {
		f.recvNext++
		f.finRecv = true
		if f.pending == 0 {
			s.closeLocked(key, f)
			return
		}
		replied = false
	}
	if (len(p.payload) > 0 || seg.FIN) && !replied {
		s.sendLocked(f, &layers.TCP{ACK: true}, nil)
	}
}

func (s *session) acceptLocked(key flowKey, p *packet) {
	s.pruneLocked()
	if len(s.flows) >= maxTCPFlows {
		s.log.Debug("too many tcp flows, refusing connection", "src", p.src)
		s.resetLocked(p)
		return
	}
	ours := s.mtu - p.headerLen()
	f := &tcpFlow{
		origin:   p,
		sendNext: rand.Uint32(),
		recvNext: p.tcp.Seq + 1,
		mss:      min(peerMSS(p.tcp), ours),
		lastSeen: s.now(),
	}
	s.flows[key] = f
	mss := make([]byte, 2)
	binary.BigEndian.PutUint16(mss, uint16(ours))
	s.sendLocked(f, &layers.TCP{
		SYN: true,
		ACK: true,
		Options: []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		}},
	}, nil)
}

// consumeLocked answers every complete message buffered on f. Local verdicts
// are written inline and the rest is forwarded. alive is false when the flow
// had to be reset.
func (s *session) consumeLocked(key flowKey, f *tcpFlow) (replied, alive bool) {
	for {
		msg, rest, ok := nextTCPMessage(f.buf)
		if !ok {
			break
		}
		f.buf = rest
		if len(msg) == 0 {
			continue
		}
		if out, _, answered := s.handler.Answer(msg, false); answered {
			s.sendLocked(f, &layers.TCP{ACK: true, PSH: true}, frameTCP(out))
			replied = true
			continue
		}
		if !s.forwardTCPLocked(key, f, append([]byte(nil), msg...)) {
			return replied, false
		}
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return replied, true
}

func (s *session) forwardTCPLocked(key flowKey, f *tcpFlow, msg []byte) bool {
	f.pending++
	s.inflight.Add(1)
	dispatched := s.network.Go(s.ctx, func(ctx context.Context) {
		defer s.inflight.Done()
		out, verdict, err := s.handler.Handle(ctx, msg, false)
		if err != nil && ctx.Err() == nil {
			s.log.Debug("forward failed", "verdict", verdict, "error", err)
		}

		s.tcpMu.Lock()
		defer s.tcpMu.Unlock()
		if s.flows[key] != f {
			return
		}
		f.pending--
		if len(out) > 0 {
			s.sendLocked(f, &layers.TCP{ACK: true, PSH: true}, frameTCP(out))
		}
		if f.finRecv && f.pending == 0 {
			s.closeLocked(key, f)
		}
	})
	if dispatched {
		return true
	}
	s.inflight.Done()
	s.log.Debug("forward pool full, resetting tcp query", "src", f.origin.src)
	s.sendLocked(f, &layers.TCP{RST: true, ACK: true}, nil)
	delete(s.flows, key)
	return false
}

func (s *session) closeLocked(key flowKey, f *tcpFlow) {
	s.sendLocked(f, &layers.TCP{FIN: true, ACK: true}, nil)
	delete(s.flows, key)
}

// sendLocked writes tmpl to the client of f, splitting payload into
// segments that fit the negotiated MSS.
func (s *session) sendLocked(f *tcpFlow, tmpl *layers.TCP, payload []byte) {
	for {
		chunk := payload
		if len(chunk) > f.mss {
			chunk = chunk[:f.mss]
		}
		seg := &layers.TCP{
			Seq:     f.sendNext,
			Ack:     f.recvNext,
			SYN:     tmpl.SYN,
			ACK:     tmpl.ACK,
			PSH:     tmpl.PSH,
			FIN:     tmpl.FIN,
			RST:     tmpl.RST,
			Options: tmpl.Options,
		}
		out, err := f.origin.replyTCP(seg, chunk)
		if err != nil {
			s.log.Warn("build tcp reply failed", "error", err)
			return
		}
		s.writeRaw(out)
		f.sendNext += uint32(len(chunk))
		if tmpl.SYN || tmpl.FIN {
			f.sendNext++
		}
		payload = payload[len(chunk):]
		if len(payload) == 0 {
			return
		}
	}
}

// resetLocked refuses a segment that belongs to no flow.
func (s *session) resetLocked(p *packet) {
	seg := &layers.TCP{RST: true}
	if p.tcp.ACK {
		seg.Seq = p.tcp.Ack
	} else {
		seg.ACK = true
		seg.Ack = p.tcp.Seq + uint32(len(p.payload))
		if p.tcp.SYN || p.tcp.FIN {
			seg.Ack++
		}
	}
	out, err := p.replyTCP(seg, nil)
	if err != nil {
		s.log.Warn("build tcp reset failed", "error", err)
		return
	}
	s.writeRaw(out)
}

func (s *session) pruneLocked() {
	cutoff := s.now().Add(-tcpIdleTimeout)
	for key, f := range s.flows {
		if f.lastSeen.Before(cutoff) {
			delete(s.flows, key)
		}
	}
}

func peerMSS(seg *layers.TCP) int {
	for _, o := range seg.Options {
		if o.OptionType == layers.TCPOptionKindMSS && len(o.OptionData) == 2 {
			return int(binary.BigEndian.Uint16(o.OptionData))
		}
	}
	return defaultMSS
}
