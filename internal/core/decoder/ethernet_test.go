package decoder

import (
	"errors"
	"testing"

	"github.com/google/gopacket/layers"

	"firestige.xyz/spooftcp/internal/core"
)

func TestNetworkLayerEthernet(t *testing.T) {
	frame := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, // Dst MAC
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, // Src MAC
		0x08, 0x00, // EtherType: IPv4
		0x45, 0x00, // Start of IP header
	}

	ip, family, err := NetworkLayer(frame, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("NetworkLayer failed: %v", err)
	}
	if family != core.FamilyIPv4 {
		t.Errorf("Expected ipv4, got %v", family)
	}
	if len(ip) != 2 || ip[0] != 0x45 {
		t.Errorf("Expected IP payload [0x45 0x00], got %v", ip)
	}
}

func TestNetworkLayerVLAN(t *testing.T) {
	frame := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
		0x88, 0xA8, // QinQ
		0x00, 0x64, // Outer VLAN 100
		0x81, 0x00, // VLAN
		0x00, 0x0A, // Inner VLAN 10
		0x86, 0xDD, // IPv6
		0x60, 0x00,
	}

	ip, family, err := NetworkLayer(frame, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("NetworkLayer failed: %v", err)
	}
	if family != core.FamilyIPv6 {
		t.Errorf("Expected ipv6, got %v", family)
	}
	if len(ip) != 2 || ip[0] != 0x60 {
		t.Errorf("unexpected payload %v", ip)
	}
}

func TestNetworkLayerLinuxSLL(t *testing.T) {
	frame := make([]byte, 16, 18)
	frame[14], frame[15] = 0x08, 0x00
	frame = append(frame, 0x45, 0x00)

	_, family, err := NetworkLayer(frame, layers.LinkTypeLinuxSLL)
	if err != nil {
		t.Fatalf("NetworkLayer failed: %v", err)
	}
	if family != core.FamilyIPv4 {
		t.Errorf("Expected ipv4, got %v", family)
	}
}

func TestNetworkLayerRaw(t *testing.T) {
	tests := []struct {
		frame  []byte
		family core.Family
		err    error
	}{
		{[]byte{0x45}, core.FamilyIPv4, nil},
		{[]byte{0x60}, core.FamilyIPv6, nil},
		{[]byte{0x10}, 0, core.ErrUnsupportedProto},
		{nil, 0, core.ErrPacketTooShort},
	}

	for _, tt := range tests {
		_, family, err := NetworkLayer(tt.frame, layers.LinkTypeRaw)
		if !errors.Is(err, tt.err) {
			t.Errorf("frame %v: expected error %v, got %v", tt.frame, tt.err, err)
		}
		if family != tt.family {
			t.Errorf("frame %v: expected family %v, got %v", tt.frame, tt.family, family)
		}
	}
}

func TestNetworkLayerErrors(t *testing.T) {
	arp := make([]byte, 14)
	arp[12], arp[13] = 0x08, 0x06

	truncatedVLAN := make([]byte, 16)
	truncatedVLAN[12], truncatedVLAN[13] = 0x81, 0x00

	tests := []struct {
		name  string
		frame []byte
		link  layers.LinkType
		err   error
	}{
		{"short ethernet", make([]byte, 10), layers.LinkTypeEthernet, core.ErrPacketTooShort},
		{"short sll", make([]byte, 10), layers.LinkTypeLinuxSLL, core.ErrPacketTooShort},
		{"arp", arp, layers.LinkTypeEthernet, core.ErrUnsupportedProto},
		{"truncated vlan", truncatedVLAN, layers.LinkTypeEthernet, core.ErrPacketTooShort},
		{"unknown link", make([]byte, 40), layers.LinkTypeIEEE802_11, core.ErrUnsupportedProto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NetworkLayer(tt.frame, tt.link)
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestSupportsLink(t *testing.T) {
	for _, lt := range []layers.LinkType{layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL, layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6} {
		if err := SupportsLink(lt); err != nil {
			t.Errorf("%s should be supported: %v", lt, err)
		}
	}
	if err := SupportsLink(layers.LinkTypeIEEE802_11); !errors.Is(err, core.ErrUnsupportedProto) {
		t.Errorf("Expected ErrUnsupportedProto, got %v", err)
	}
}

func TestNetworkLayerRawIPv6LinkType(t *testing.T) {
	_, family, err := NetworkLayer([]byte{0x60, 0x00}, layers.LinkTypeIPv6)
	if err != nil || family != core.FamilyIPv6 {
		t.Errorf("NetworkLayer = %v, %v", family, err)
	}
}
