// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Meta carries host routing metadata for a packet.
type Meta struct {
	Broadcast bool // Route for the packet is a broadcast route
	Multicast bool // Route for the packet is a multicast route
	Mark      uint32
	OutIfIdx  uint32 // Output interface index, 0 if unknown
}

// Packet is a network-layer packet handed to the core by the host pipeline.
// Data starts at the IP header; the core never modifies it.
type Packet struct {
	Data      []byte
	Timestamp time.Time
	Meta      Meta
}
