// Package route resolves where a synthesized packet leaves the host and how
// much link-layer headroom its buffer needs.
package route

import (
	"fmt"

	"firestige.xyz/spooftcp/internal/core"
)

// LLMaxHeader is the link-layer reserve used when the output device is
// unknown. It matches the largest LL_MAX_HEADER a Linux kernel is built with.
const LLMaxHeader = 128

// Type classifies the route chosen for a destination.
type Type uint8

const (
	TypeUnicast Type = iota
	TypeLocal
	TypeBroadcast
	TypeMulticast
)

func (t Type) String() string {
	switch t {
	case TypeUnicast:
		return "unicast"
	case TypeLocal:
		return "local"
	case TypeBroadcast:
		return "broadcast"
	case TypeMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// Unicast reports whether a packet may be injected along a route of this type.
func (t Type) Unicast() bool {
	return t == TypeUnicast || t == TypeLocal
}

// Destination is the routing handle for one synthesized packet.
type Destination struct {
	LinkIndex int
	Headroom  int // Bytes to reserve in front of the network header
	MTU       int // Largest packet the route carries; 0 when unknown
	Type      Type
}

// Router resolves the destination for the packet a view was taken from.
type Router interface {
	Lookup(view *core.OriginalView) (Destination, error)
}

// Static returns the same destination for every packet. It is used offline,
// where no real route exists.
type Static struct {
	Dest Destination
}

// NewStatic returns a static unicast router with the default headroom.
func NewStatic() *Static {
	return &Static{Dest: Destination{Headroom: LLMaxHeader, MTU: 65535, Type: TypeUnicast}}
}

// Lookup implements Router.
func (s *Static) Lookup(view *core.OriginalView) (Destination, error) {
	if !view.DstIP.IsValid() {
		return Destination{}, fmt.Errorf("%w: invalid destination address", core.ErrNoRoute)
	}
	return s.Dest, nil
}

// Func adapts a function to Router.
type Func func(view *core.OriginalView) (Destination, error)

// Lookup implements Router.
func (f Func) Lookup(view *core.OriginalView) (Destination, error) { return f(view) }

// Align16 rounds a link-layer header length up to a 16-byte boundary, the
// way the kernel sizes hard-header space.
func Align16(n int) int {
	return (n + 15) &^ 15
}
