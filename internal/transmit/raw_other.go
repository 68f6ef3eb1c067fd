//go:build !linux

package transmit

import (
	"errors"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/spoof"
)

// Raw is only available on Linux.
type Raw struct{}

// NewRaw always fails outside Linux.
func NewRaw(uint32, ...core.Family) (*Raw, error) {
	return nil, errors.ErrUnsupported
}

// Transmit implements spoof.Transmitter.
func (*Raw) Transmit(*spoof.Packet, route.Destination) error { return errors.ErrUnsupported }

// Close is a no-op.
func (*Raw) Close() error { return nil }
