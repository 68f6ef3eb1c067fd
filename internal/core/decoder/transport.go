// Package decoder implements TCP header reading.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/spooftcp/internal/core"
)

const tcpHeaderMinLen = 20

// readTCP reads the fixed TCP header at view.TransportOffset into view.
// Options are ignored; only the 20 fixed bytes must be present.
func readTCP(data []byte, view *core.OriginalView) core.SkipReason {
	if view.TransportOffset > len(data) {
		return core.SkipTruncated
	}

	view.TransportLen = len(data) - view.TransportOffset
	if view.TransportLen < tcpHeaderMinLen {
		return core.SkipTruncated
	}

	tcp := data[view.TransportOffset : view.TransportOffset+tcpHeaderMinLen]

	view.SrcPort = binary.BigEndian.Uint16(tcp[0:2])
	view.DstPort = binary.BigEndian.Uint16(tcp[2:4])
	view.SeqNum = binary.BigEndian.Uint32(tcp[4:8])
	view.AckNum = binary.BigEndian.Uint32(tcp[8:12])
	view.TCPFlags = tcp[13]

	return core.SkipNone
}
