// Package decoder locates and validates the network and TCP headers of a
// packet before any spoofed segment is derived from it.
package decoder

import "firestige.xyz/spooftcp/internal/core"

// Extract validates pkt for the declared family and returns a view over its
// headers, or the reason the packet must pass through untouched.
// A skip is not an error: it is the expected outcome for most traffic.
func Extract(pkt core.Packet, family core.Family) core.Result {
	if pkt.Meta.Broadcast || pkt.Meta.Multicast {
		return core.Skip(core.SkipNotUnicast)
	}

	var (
		view   core.OriginalView
		reason core.SkipReason
	)
	switch family {
	case core.FamilyIPv4:
		view, reason = extractIPv4(pkt.Data)
	case core.FamilyIPv6:
		view, reason = extractIPv6(pkt.Data)
	default:
		return core.Skip(core.SkipMalformed)
	}
	if reason != core.SkipNone {
		return core.Skip(reason)
	}

	if reason := readTCP(pkt.Data, &view); reason != core.SkipNone {
		return core.Skip(reason)
	}
	return core.Proceed(view)
}
