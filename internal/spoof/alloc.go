package spoof

import (
	"fmt"

	"github.com/google/gopacket"

	"firestige.xyz/spooftcp/internal/core"
)

// maxHeadroom bounds the link-layer reserve a router may ask for.
const maxHeadroom = 4096

// Allocator obtains transmission-ready buffers. size is the packet length;
// headroom is reserved in front of it for link-layer framing.
type Allocator interface {
	Allocate(headroom, size int) (gopacket.SerializeBuffer, error)
}

// HeapAllocator allocates a fresh zeroed buffer per packet.
type HeapAllocator struct{}

// Allocate implements Allocator.
func (HeapAllocator) Allocate(headroom, size int) (gopacket.SerializeBuffer, error) {
	if headroom < 0 || headroom > maxHeadroom || size <= 0 || size > maxIPLength+ipv6HeaderLen {
		return nil, fmt.Errorf("%w: buffer of %d+%d bytes", core.ErrResourceExhausted, headroom, size)
	}
	// gopacket serializes by prepending layers from the end, so everything
	// goes into the prepend area and the remainder is the headroom.
	return gopacket.NewSerializeBufferExpectedSize(headroom+size, 0), nil
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(headroom, size int) (gopacket.SerializeBuffer, error)

// Allocate implements Allocator.
func (f AllocatorFunc) Allocate(headroom, size int) (gopacket.SerializeBuffer, error) {
	return f(headroom, size)
}
