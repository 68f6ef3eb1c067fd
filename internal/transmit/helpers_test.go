package transmit

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/decoder"
	"firestige.xyz/spooftcp/internal/spoof"
)

// synthesize returns a packet built the same way the engine builds one.
func synthesize(t *testing.T, fam core.Family, opts spoof.Options) *spoof.Packet {
	t.Helper()

	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1, Ack: 2, SYN: true}
	var ip gopacket.NetworkLayer
	if fam == core.FamilyIPv4 {
		ip = &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IPv4(192, 0, 2, 1).To4(), DstIP: net.IPv4(198, 51, 100, 2).To4()}
	} else {
		ip = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
			SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip.(gopacket.SerializableLayer), tcp))

	res := decoder.Extract(core.Packet{Data: buf.Bytes()}, fam)
	require.True(t, res.OK())

	s, err := spoof.SynthesizerFor(fam)
	require.NoError(t, err)
	out, err := spoof.HeapAllocator{}.Allocate(0, s.Size(opts))
	require.NoError(t, err)
	pkt, err := s.Synthesize(&res.View, opts, out)
	require.NoError(t, err)
	return pkt
}
