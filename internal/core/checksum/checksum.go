// Package checksum computes and checks TCP and IPv4 header checksums on top
// of gopacket's RFC 1071 implementation and its per-family pseudo-headers.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Offset of the checksum field inside a TCP header.
const TCPChecksumOffset = 16

const tcpMinLen = 20

var ErrShortSegment = errors.New("segment shorter than a TCP header")

// network returns the layer gopacket derives the pseudo-header from.
func network(src, dst netip.Addr) (gopacket.NetworkLayer, error) {
	switch {
	case src.Is4() && dst.Is4():
		return &layers.IPv4{
			Version:  4,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}, nil
	case src.Is6() && dst.Is6():
		return &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}, nil
	default:
		return nil, fmt.Errorf("address families differ: %s, %s", src, dst)
	}
}

// sum returns the complemented one's-complement sum of segment under the
// pseudo-header for src/dst, checksum field included as stored.
func sum(src, dst netip.Addr, segment []byte) (uint16, error) {
	nl, err := network(src, dst)
	if err != nil {
		return 0, err
	}
	tcp := &layers.TCP{}
	tcp.Contents = segment
	if err := tcp.SetNetworkLayerForChecksum(nl); err != nil {
		return 0, err
	}
	return tcp.ComputeChecksum()
}

// TCP computes the checksum of segment (header + payload) under the
// pseudo-header for src/dst. The checksum field in segment is treated as
// zero regardless of its content.
func TCP(src, dst netip.Addr, segment []byte) (uint16, error) {
	if len(segment) < tcpMinLen {
		return 0, ErrShortSegment
	}
	scratch := make([]byte, len(segment))
	copy(scratch, segment)
	binary.BigEndian.PutUint16(scratch[TCPChecksumOffset:], 0)
	return sum(src, dst, scratch)
}

// IPv4Header recomputes the header checksum of the IPv4 header at the start
// of pkt. The stored checksum field is ignored.
func IPv4Header(pkt []byte) (uint16, error) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return 0, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := ip.SerializeTo(buf, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
		return 0, err
	}
	return ip.Checksum, nil
}

// Corrupt returns the deliberately invalid checksum derived from a correct one.
func Corrupt(c uint16) uint16 {
	return ^c
}

// Verify reports whether the checksum stored in segment is valid for src/dst.
func Verify(src, dst netip.Addr, segment []byte) bool {
	if len(segment) < tcpMinLen {
		return false
	}
	c, err := sum(src, dst, segment)
	return err == nil && c == 0
}
