// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// Family is the address family a hook is registered for.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// ParseFamily accepts "ipv4"/"ip4"/"4" and "ipv6"/"ip6"/"6".
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4", "ip4", "4", "inet":
		return FamilyIPv4, nil
	case "ipv6", "ip6", "6", "inet6":
		return FamilyIPv6, nil
	default:
		return 0, ErrUnsupportedProto
	}
}

// Verdict is returned to the host pipeline for the original packet.
type Verdict uint8

const (
	// VerdictAccept lets the original packet continue unchanged.
	VerdictAccept Verdict = iota
)

// OriginalView is a read-only view over one received packet.
// It is built per packet event and never retained past the processing call.
type OriginalView struct {
	Family Family
	SrcIP  netip.Addr
	DstIP  netip.Addr
	TTL    uint8 // TTL for IPv4, hop limit for IPv6

	TransportOffset int // Byte offset of the TCP header within the packet
	TransportLen    int // Bytes from TransportOffset to end of packet

	// Original TCP header fields
	SrcPort  uint16
	DstPort  uint16
	SeqNum   uint32
	AckNum   uint32
	TCPFlags uint8

	WellFormed bool
}
