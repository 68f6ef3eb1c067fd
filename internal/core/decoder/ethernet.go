// Package decoder implements link-layer stripping for captured frames.
package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/spooftcp/internal/core"
)

const (
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4
	sllHeaderLen      = 16
)

// SupportsLink reports whether NetworkLayer can strip frames of link type lt.
func SupportsLink(lt layers.LinkType) error {
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL,
		layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return nil
	default:
		return fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
	}
}

// NetworkLayer strips the link-layer header (including VLAN tags) from frame
// and returns the IP packet with its family.
func NetworkLayer(frame []byte, link layers.LinkType) ([]byte, core.Family, error) {
	var (
		etherType layers.EthernetType
		offset    int
	)

	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return rawFamily(frame)

	case layers.LinkTypeEthernet:
		if len(frame) < ethernetHeaderLen {
			return nil, 0, core.ErrPacketTooShort
		}
		etherType = layers.EthernetType(binary.BigEndian.Uint16(frame[12:14]))
		offset = ethernetHeaderLen

	case layers.LinkTypeLinuxSLL:
		if len(frame) < sllHeaderLen {
			return nil, 0, core.ErrPacketTooShort
		}
		etherType = layers.EthernetType(binary.BigEndian.Uint16(frame[14:16]))
		offset = sllHeaderLen

	default:
		return nil, 0, core.ErrUnsupportedProto
	}

	// Handle VLAN tags (can be nested: QinQ)
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		if len(frame) < offset+vlanHeaderLen {
			return nil, 0, core.ErrPacketTooShort
		}
		etherType = layers.EthernetType(binary.BigEndian.Uint16(frame[offset+2 : offset+4]))
		offset += vlanHeaderLen
	}

	switch etherType {
	case layers.EthernetTypeIPv4:
		return frame[offset:], core.FamilyIPv4, nil
	case layers.EthernetTypeIPv6:
		return frame[offset:], core.FamilyIPv6, nil
	default:
		// ARP, LLDP, ...
		return nil, 0, core.ErrUnsupportedProto
	}
}

// rawFamily picks the family of a frame that starts at the IP header.
func rawFamily(frame []byte) ([]byte, core.Family, error) {
	if len(frame) < 1 {
		return nil, 0, core.ErrPacketTooShort
	}
	switch frame[0] >> 4 {
	case 4:
		return frame, core.FamilyIPv4, nil
	case 6:
		return frame, core.FamilyIPv6, nil
	default:
		return nil, 0, core.ErrUnsupportedProto
	}
}
