package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const dnsPort = 53

var errNoNetworkLayer = errors.New("packet has no IP header")

// packet is the part of an intercepted IP packet the loop cares about.
type packet struct {
	version  int
	src, dst net.IP
	proto    layers.IPProtocol
	srcPort  uint16
	dstPort  uint16
	udp      bool
	tcp      *layers.TCP
	fragment bool
	payload  []byte
}

// decode parses the IP and transport headers of raw. The payload aliases raw.
func decode(raw []byte) (*packet, error) {
	if len(raw) == 0 {
		return nil, errNoNetworkLayer
	}
	var first gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("unsupported IP version %d", raw[0]>>4)
	}

	pkt := gopacket.NewPacket(raw, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	p := &packet{}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.version = 4
		p.src, p.dst = ip.SrcIP, ip.DstIP
		p.proto = ip.Protocol
		p.fragment = ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
	case *layers.IPv6:
		p.version = 6
		p.src, p.dst = ip.SrcIP, ip.DstIP
		p.proto = ip.NextHeader
	default:
		return nil, errNoNetworkLayer
	}
	if p.fragment {
		return p, nil
	}

	switch t := pkt.TransportLayer().(type) {
	case *layers.UDP:
		p.udp = true
		p.srcPort, p.dstPort = uint16(t.SrcPort), uint16(t.DstPort)
		p.payload = t.Payload
	case *layers.TCP:
		p.tcp = t
		p.srcPort, p.dstPort = uint16(t.SrcPort), uint16(t.DstPort)
		p.payload = t.Payload
	}
	return p, nil
}

// isDNS reports whether the packet is addressed to a DNS port.
func (p *packet) isDNS() bool {
	return !p.fragment && (p.udp || p.tcp != nil) && p.dstPort == dnsPort
}

func (p *packet) destination() netip.Addr {
	addr, _ := netip.AddrFromSlice(p.dst)
	return addr.Unmap()
}

// reply builds the UDP datagram carrying payload back to the sender of p,
// with addresses and ports swapped.
func (p *packet) reply(payload []byte) ([]byte, error) {
	return p.build(payload, func(network gopacket.NetworkLayer) (gopacket.SerializableLayer, error) {
		dgram := &layers.UDP{
			SrcPort: layers.UDPPort(p.dstPort),
			DstPort: layers.UDPPort(p.srcPort),
		}
		return dgram, dgram.SetNetworkLayerForChecksum(network)
	})
}

// replyTCP builds a segment back to the sender of p. seg carries sequence
// numbers, flags and options; ports and window are filled in here.
func (p *packet) replyTCP(seg *layers.TCP, payload []byte) ([]byte, error) {
	return p.build(payload, func(network gopacket.NetworkLayer) (gopacket.SerializableLayer, error) {
		seg.SrcPort = layers.TCPPort(p.dstPort)
		seg.DstPort = layers.TCPPort(p.srcPort)
		if seg.Window == 0 {
			seg.Window = tcpWindow
		}
		return seg, seg.SetNetworkLayerForChecksum(network)
	})
}

func (p *packet) build(payload []byte, transport func(gopacket.NetworkLayer) (gopacket.SerializableLayer, error)) ([]byte, error) {
	var (
		network    gopacket.NetworkLayer
		networkSer gopacket.SerializableLayer
	)
	if p.version == 4 {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: p.proto,
			SrcIP:    p.dst,
			DstIP:    p.src,
		}
		network, networkSer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: p.proto,
			SrcIP:      p.dst,
			DstIP:      p.src,
		}
		network, networkSer = ip, ip
	}

	tl, err := transport(network)
	if err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, networkSer, tl, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize reply: %w", err)
	}
	return buf.Bytes(), nil
}

// headerLen is the IP plus TCP header overhead of a reply without options.
func (p *packet) headerLen() int {
	if p.version == 4 {
		return 20 + 20
	}
	return 40 + 20
}

// nextTCPMessage splits the first complete length-prefixed DNS message off
// buf. ok is false while the message is still incomplete.
func nextTCPMessage(buf []byte) (msg, rest []byte, ok bool) {
	if len(buf) < 2 {
		return nil, buf, false
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < n+2 {
		return nil, buf, false
	}
	return buf[2 : n+2], buf[n+2:], true
}

func frameTCP(msg []byte) []byte {
	out := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[2:], msg)
	return out
}
