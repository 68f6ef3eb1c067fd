package cmd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	routerMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func ethernetIPv4(t *testing.T, l4 gopacket.SerializableLayer, proto layers.IPProtocol) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(192, 0, 2, 10).To4(),
		DstIP:    net.IPv4(198, 51, 100, 7).To4(),
	}
	switch l := l4.(type) {
	case *layers.TCP:
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.UDP:
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload("hello")))
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   clientMAC,
		SourceProtAddress: net.IPv4(192, 0, 2, 10).To4(),
		DstHwAddress:      make(net.HardwareAddr, 6),
		DstProtAddress:    net.IPv4(192, 0, 2, 1).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))
	return buf.Bytes()
}

// writeCapture writes two TCP segments, one UDP datagram and one ARP frame.
func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	frames := [][]byte{
		ethernetIPv4(t, &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 100, Ack: 200, ACK: true, PSH: true, Window: 512}, layers.IPProtocolTCP),
		ethernetIPv4(t, &layers.UDP{SrcPort: 5353, DstPort: 53}, layers.IPProtocolUDP),
		arpFrame(t),
		ethernetIPv4(t, &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 105, Ack: 200, ACK: true, Window: 512}, layers.IPProtocolTCP),
	}
	for _, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func readSynthesized(t *testing.T, path string) []*layers.TCP {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	var out []*layers.TCP
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		p := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, uint8(3), ip.TTL)
		out = append(out, p.Layer(layers.LayerTypeTCP).(*layers.TCP))
	}
	return out
}

func TestRunCraft(t *testing.T) {
	in := writeCapture(t)
	outPath := filepath.Join(t.TempDir(), "out.pcap")

	var buf bytes.Buffer
	err := runCraft(context.Background(), craftOptions{
		Input:  in,
		Output: outPath,
		Spoof:  map[string]any{"tcp_flags": "RST", "ttl": 3},
	}, &buf)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "3 packet(s) read, 1 ignored, 2 synthesized")
	assert.Contains(t, buf.String(), "not_tcp=1")

	segs := readSynthesized(t, outPath)
	require.Len(t, segs, 2)
	for i, seq := range []uint32{100, 105} {
		assert.True(t, segs[i].RST)
		assert.False(t, segs[i].ACK)
		assert.Equal(t, seq, segs[i].Seq)
		assert.Equal(t, layers.TCPPort(443), segs[i].DstPort)
	}
}

func TestRunCraft_FamilyFilter(t *testing.T) {
	in := writeCapture(t)
	outPath := filepath.Join(t.TempDir(), "out.pcap")

	var buf bytes.Buffer
	require.NoError(t, runCraft(context.Background(), craftOptions{
		Input:    in,
		Output:   outPath,
		Families: []string{"ipv6"},
	}, &buf))
	assert.Contains(t, buf.String(), "0 packet(s) read, 4 ignored, 0 synthesized")
}

func TestRunCraft_Errors(t *testing.T) {
	in := writeCapture(t)
	dir := t.TempDir()

	err := runCraft(context.Background(), craftOptions{Input: in, Output: filepath.Join(dir, "a.pcap"),
		Spoof: map[string]any{"ttl": 999}}, &bytes.Buffer{})
	assert.Error(t, err)

	err = runCraft(context.Background(), craftOptions{Input: in, Output: filepath.Join(dir, "b.pcap"),
		Families: []string{"ipx"}}, &bytes.Buffer{})
	assert.Error(t, err)

	err = runCraft(context.Background(), craftOptions{Input: filepath.Join(dir, "missing.pcap"),
		Output: filepath.Join(dir, "c.pcap")}, &bytes.Buffer{})
	assert.Error(t, err)

	err = runCraft(context.Background(), craftOptions{Input: in,
		Output: filepath.Join(dir, "no", "such", "dir.pcap")}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCraftCmd_Flags(t *testing.T) {
	in := writeCapture(t)
	outPath := filepath.Join(t.TempDir(), "out.pcap")

	rootCmd := &cobra.Command{Use: "spooftcp"}
	rootCmd.AddCommand(craftCmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"craft", "-i", in, "-o", outPath, "--tcp-flags", "RST", "--ttl", "3"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "2 synthesized")
	assert.Len(t, readSynthesized(t, outPath), 2)
}
