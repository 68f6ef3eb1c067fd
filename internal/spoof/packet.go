package spoof

import (
	"net/netip"

	"firestige.xyz/spooftcp/internal/core"
)

// Packet is a synthesized segment: one network header, a 20-byte TCP header
// and a zero-filled payload. Ownership passes to the Transmitter; the engine
// keeps no reference after the hand-off.
type Packet struct {
	family  core.Family
	src     netip.Addr
	dst     netip.Addr
	data    []byte
	hdrLen  int
	mark    uint32
	untrack bool
}

// Bytes returns the packet starting at the network header.
func (p *Packet) Bytes() []byte { return p.data }

// Family returns the address family of the network header.
func (p *Packet) Family() core.Family { return p.family }

// Src returns the source address written into the network header.
func (p *Packet) Src() netip.Addr { return p.src }

// Dst returns the destination address written into the network header.
func (p *Packet) Dst() netip.Addr { return p.dst }

// Segment returns the TCP header and payload.
func (p *Packet) Segment() []byte { return p.data[p.hdrLen:] }

// Mark returns the firewall mark requested for the packet.
func (p *Packet) Mark() uint32 { return p.mark }

// SetMark requests a firewall mark for transmission.
func (p *Packet) SetMark(m uint32) { p.mark = m }

// Untracked reports whether connection tracking was asked to ignore the packet.
func (p *Packet) Untracked() bool { return p.untrack }

// Untracker asks downstream state tracking to ignore a packet.
type Untracker interface {
	MarkUntracked(pkt *Packet)
}

// UntrackerFunc adapts a function to Untracker.
type UntrackerFunc func(pkt *Packet)

// MarkUntracked implements Untracker.
func (f UntrackerFunc) MarkUntracked(pkt *Packet) {
	pkt.untrack = true
	f(pkt)
}

// MarkUntracker untracks packets by setting a firewall mark that a
// "CT --notrack" rule matches on.
type MarkUntracker uint32

// MarkUntracked implements Untracker.
func (m MarkUntracker) MarkUntracked(pkt *Packet) {
	pkt.untrack = true
	pkt.SetMark(uint32(m))
}
