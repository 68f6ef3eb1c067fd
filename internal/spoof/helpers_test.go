package spoof

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/decoder"
)

// original describes a packet as the host would hand it to the engine.
type original struct {
	src, dst string
	ttl      uint8
	seq, ack uint32
	flags    uint8
	payload  []byte
}

func (o original) tcp() *layers.TCP {
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 443,
		Seq:     o.seq,
		Ack:     o.ack,
		Window:  1024,
	}
	setFlags(tcp, o.flags)
	return tcp
}

func (o original) ipv4(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      o.ttl,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(o.src).To4(),
		DstIP:    net.ParseIP(o.dst).To4(),
	}
	return serialize(t, ip, o.tcp(), o.payload)
}

func (o original) ipv6(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   o.ttl,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP(o.src),
		DstIP:      net.ParseIP(o.dst),
	}
	return serialize(t, ip, o.tcp(), o.payload)
}

func serialize(t *testing.T, ip gopacket.NetworkLayer, tcp *layers.TCP, payload []byte) []byte {
	t.Helper()
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts,
		ip.(gopacket.SerializableLayer), tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// view extracts the header view the engine would build for data.
func view(t *testing.T, data []byte, fam core.Family) *core.OriginalView {
	t.Helper()
	res := decoder.Extract(core.Packet{Data: data}, fam)
	require.True(t, res.OK(), "extract: %v", res.Reason)
	return &res.View
}

var (
	v4Orig = original{src: "192.0.2.10", dst: "198.51.100.7", ttl: 30, seq: 1000, ack: 5000, flags: FlagSYN | FlagACK}
	v6Orig = original{src: "2001:db8::10", dst: "2001:db8:1::7", ttl: 30, seq: 1000, ack: 5000, flags: FlagSYN | FlagACK}
)

// decoded holds the layers of a synthesized packet after decoding it back.
type decoded struct {
	ip4 *layers.IPv4
	ip6 *layers.IPv6
	tcp *layers.TCP
}

func decode(t *testing.T, pkt *Packet) decoded {
	t.Helper()
	first := layers.LayerTypeIPv4
	if pkt.Family() == core.FamilyIPv6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt.Bytes(), first, gopacket.Default)
	require.Nil(t, p.ErrorLayer(), "decode synthesized packet")

	var d decoded
	if l := p.Layer(layers.LayerTypeIPv4); l != nil {
		d.ip4 = l.(*layers.IPv4)
	}
	if l := p.Layer(layers.LayerTypeIPv6); l != nil {
		d.ip6 = l.(*layers.IPv6)
	}
	l := p.Layer(layers.LayerTypeTCP)
	require.NotNil(t, l, "synthesized packet has no TCP layer")
	d.tcp = l.(*layers.TCP)
	return d
}
