package tunnel

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Passthrough re-injects packets the tunnel does not handle.
type Passthrough interface {
	Send(pkt []byte) error
	Close() error
}

var errIPv6Passthrough = errors.New("ipv6 passthrough is not supported")

// RawPassthrough writes complete IPv4 packets to a raw socket so the kernel
// routes them as if they never entered the tunnel. It needs CAP_NET_RAW.
type RawPassthrough struct {
	pc   net.PacketConn
	conn *ipv4.RawConn
}

// NewRawPassthrough opens the raw socket.
func NewRawPassthrough() (*RawPassthrough, error) {
	pc, err := net.ListenPacket("ip4:255", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	return &RawPassthrough{pc: pc, conn: conn}, nil
}

func (r *RawPassthrough) Send(pkt []byte) error {
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		return errIPv6Passthrough
	}
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return fmt.Errorf("parse ipv4 header: %w", err)
	}
	if h.Len > len(pkt) {
		return fmt.Errorf("short packet: header %d, packet %d", h.Len, len(pkt))
	}
	return r.conn.WriteTo(h, pkt[h.Len:], nil)
}

func (r *RawPassthrough) Close() error {
	return r.conn.Close()
}
