package spoof

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/checksum"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	tcpHeaderLen  = 20
	maxIPLength   = 0xFFFF
)

// zeroPayload backs every synthesized payload. It is only ever read.
var zeroPayload [MaxPayloadLen]byte

// Synthesizer builds a synthesized packet for one address family.
type Synthesizer interface {
	Family() core.Family
	// Size is the length of the packet built for opts, without headroom.
	Size(opts Options) int
	// Synthesize serializes the packet into buf, which must be empty.
	Synthesize(view *core.OriginalView, opts Options, buf gopacket.SerializeBuffer) (*Packet, error)
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// networkLayer is a network header gopacket can serialize and derive the TCP
// pseudo-header from.
type networkLayer interface {
	gopacket.NetworkLayer
	gopacket.SerializableLayer
}

// synthesizer holds the logic shared by both families: the TCP header and
// payload, plus the optional checksum corruption.
type synthesizer struct{}

func (synthesizer) tcp(view *core.OriginalView, opts Options) *layers.TCP {
	seq := view.SeqNum
	if opts.CorruptSeq {
		seq = ^seq
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(view.SrcPort),
		DstPort:    layers.TCPPort(view.DstPort),
		Seq:        seq,
		Ack:        view.AckNum,
		DataOffset: tcpHeaderLen / 4,
	}
	setFlags(tcp, opts.TCPFlags)
	return tcp
}

func (synthesizer) ttl(view *core.OriginalView, opts Options) uint8 {
	if opts.TTL != 0 {
		return opts.TTL
	}
	return view.TTL
}

// finish inverts the TCP checksum gopacket stored during serialization.
func (synthesizer) finish(pkt *Packet, opts Options) {
	if !opts.CorruptChecksum {
		return
	}
	seg := pkt.Segment()
	c := binary.BigEndian.Uint16(seg[checksum.TCPChecksumOffset:])
	binary.BigEndian.PutUint16(seg[checksum.TCPChecksumOffset:], checksum.Corrupt(c))
}

func (s synthesizer) serialize(view *core.OriginalView, opts Options, buf gopacket.SerializeBuffer, network networkLayer, hdrLen int) (*Packet, error) {
	tcp := s.tcp(view, opts)
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, fmt.Errorf("serialize %s packet: %w", view.Family, err)
	}
	if err := gopacket.SerializeLayers(buf, serializeOpts, network, tcp, gopacket.Payload(zeroPayload[:opts.PayloadLen])); err != nil {
		return nil, fmt.Errorf("serialize %s packet: %w", view.Family, err)
	}
	pkt := &Packet{
		family: view.Family,
		src:    view.SrcIP,
		dst:    view.DstIP,
		data:   buf.Bytes(),
		hdrLen: hdrLen,
	}
	s.finish(pkt, opts)
	return pkt, nil
}

func setFlags(tcp *layers.TCP, f uint8) {
	tcp.FIN = f&FlagFIN != 0
	tcp.SYN = f&FlagSYN != 0
	tcp.RST = f&FlagRST != 0
	tcp.PSH = f&FlagPSH != 0
	tcp.ACK = f&FlagACK != 0
	tcp.URG = f&FlagURG != 0
	tcp.ECE = f&FlagECE != 0
	tcp.CWR = f&FlagCWR != 0
}

// IPv4Synthesizer builds IPv4 packets with DF set, ID 0 and no options.
type IPv4Synthesizer struct {
	synthesizer
}

// Family implements Synthesizer.
func (IPv4Synthesizer) Family() core.Family { return core.FamilyIPv4 }

// Size implements Synthesizer.
func (IPv4Synthesizer) Size(opts Options) int {
	return ipv4HeaderLen + tcpHeaderLen + int(opts.PayloadLen)
}

// Synthesize implements Synthesizer.
func (s IPv4Synthesizer) Synthesize(view *core.OriginalView, opts Options, buf gopacket.SerializeBuffer) (*Packet, error) {
	if !view.SrcIP.Is4() || !view.DstIP.Is4() {
		return nil, core.ErrFamilyMismatch
	}
	if n := s.Size(opts); n > maxIPLength {
		return nil, fmt.Errorf("%w: %w: ipv4 total length %d", core.ErrResourceExhausted, core.ErrSegmentTooLarge, n)
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      ipv4HeaderLen / 4,
		Flags:    layers.IPv4DontFragment,
		TTL:      s.ttl(view, opts),
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(view.SrcIP.AsSlice()),
		DstIP:    net.IP(view.DstIP.AsSlice()),
	}
	return s.serialize(view, opts, buf, ip, ipv4HeaderLen)
}

// IPv6Synthesizer builds IPv6 packets with a zero flow label and no
// extension headers.
type IPv6Synthesizer struct {
	synthesizer
}

// Family implements Synthesizer.
func (IPv6Synthesizer) Family() core.Family { return core.FamilyIPv6 }

// Size implements Synthesizer.
func (IPv6Synthesizer) Size(opts Options) int {
	return ipv6HeaderLen + tcpHeaderLen + int(opts.PayloadLen)
}

// Synthesize implements Synthesizer.
func (s IPv6Synthesizer) Synthesize(view *core.OriginalView, opts Options, buf gopacket.SerializeBuffer) (*Packet, error) {
	if !view.SrcIP.Is6() || !view.DstIP.Is6() {
		return nil, core.ErrFamilyMismatch
	}
	if n := tcpHeaderLen + int(opts.PayloadLen); n > maxIPLength {
		return nil, fmt.Errorf("%w: %w: ipv6 payload length %d", core.ErrResourceExhausted, core.ErrSegmentTooLarge, n)
	}

	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   s.ttl(view, opts),
		SrcIP:      net.IP(view.SrcIP.AsSlice()),
		DstIP:      net.IP(view.DstIP.AsSlice()),
	}
	return s.serialize(view, opts, buf, ip, ipv6HeaderLen)
}

// SynthesizerFor returns the synthesizer for a family.
func SynthesizerFor(f core.Family) (Synthesizer, error) {
	switch f {
	case core.FamilyIPv4:
		return IPv4Synthesizer{}, nil
	case core.FamilyIPv6:
		return IPv6Synthesizer{}, nil
	default:
		return nil, fmt.Errorf("%w: family %d", core.ErrUnsupportedProto, f)
	}
}
