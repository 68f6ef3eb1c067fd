// Package decoder implements IP header validation.
package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/spooftcp/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	ipv4OffsetMask = 0x1FFF // Fragment offset bits of flags/offset
	ipv6OffsetMask = 0xFFF8 // Fragment offset bits of the fragment header

	protocolTCP = 6
)

// IPv6 next-header values walked while looking for the transport header.
const (
	nextHopByHop = 0
	nextRouting  = 43
	nextFragment = 44
	nextESP      = 50
	nextAH       = 51
	nextNone     = 59
	nextDestOpts = 60
)

// extractIPv4 validates the IPv4 header and fills the network part of the view.
func extractIPv4(data []byte) (core.OriginalView, core.SkipReason) {
	if len(data) < ipv4HeaderMinLen {
		return core.OriginalView{}, core.SkipTruncated
	}
	if data[0]>>4 != 4 {
		return core.OriginalView{}, core.SkipMalformed
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.OriginalView{}, core.SkipMalformed
	}

	// Only non-initial fragments are rejected; the first fragment carries the TCP header.
	if binary.BigEndian.Uint16(data[6:8])&ipv4OffsetMask != 0 {
		return core.OriginalView{}, core.SkipFragment
	}

	if data[9] != protocolTCP {
		return core.OriginalView{}, core.SkipNotTCP
	}

	view := core.OriginalView{
		Family:          core.FamilyIPv4,
		TTL:             data[8],
		SrcIP:           netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:           netip.AddrFrom4([4]byte(data[16:20])),
		TransportOffset: headerLen,
	}
	return view, core.SkipNone
}

// extractIPv6 validates the IPv6 header, walks the extension header chain
// and fills the network part of the view.
func extractIPv6(data []byte) (core.OriginalView, core.SkipReason) {
	if len(data) < ipv6HeaderLen {
		return core.OriginalView{}, core.SkipTruncated
	}
	if data[0]>>4 != 6 {
		return core.OriginalView{}, core.SkipMalformed
	}

	src := netip.AddrFrom16([16]byte(data[8:24]))
	dst := netip.AddrFrom16([16]byte(data[24:40]))
	if !isUnicast(src) || !isUnicast(dst) {
		return core.OriginalView{}, core.SkipNotUnicast
	}

	offset, reason := skipExtensionHeaders(data, data[6], ipv6HeaderLen)
	if reason != core.SkipNone {
		return core.OriginalView{}, reason
	}

	view := core.OriginalView{
		Family:          core.FamilyIPv6,
		TTL:             data[7], // Hop Limit
		SrcIP:           src,
		DstIP:           dst,
		TransportOffset: offset,
	}
	return view, core.SkipNone
}

// skipExtensionHeaders follows the IPv6 next-header chain starting at offset
// and returns the offset of the TCP header.
func skipExtensionHeaders(data []byte, next uint8, offset int) (int, core.SkipReason) {
	for {
		switch next {
		case protocolTCP:
			return offset, core.SkipNone

		case nextHopByHop, nextRouting, nextDestOpts:
			if len(data) < offset+2 {
				return 0, core.SkipTruncated
			}
			next, offset = data[offset], offset+(int(data[offset+1])+1)*8

		case nextAH:
			if len(data) < offset+2 {
				return 0, core.SkipTruncated
			}
			next, offset = data[offset], offset+(int(data[offset+1])+2)*4

		case nextFragment:
			if len(data) < offset+8 {
				return 0, core.SkipTruncated
			}
			if binary.BigEndian.Uint16(data[offset+2:offset+4])&ipv6OffsetMask != 0 {
				return 0, core.SkipFragment
			}
			next, offset = data[offset], offset+8

		default:
			// ESP, No Next Header, UDP, ICMPv6, ...
			return 0, core.SkipNotTCP
		}

		if offset > len(data) {
			return 0, core.SkipTruncated
		}
	}
}

// isUnicast follows ipv6_addr_type: multicast, the unspecified address and
// IPv4-mapped addresses (::ffff:0:0/96) are not unicast.
func isUnicast(addr netip.Addr) bool {
	return !addr.IsMulticast() && !addr.IsUnspecified() && !addr.Is4In6()
}
