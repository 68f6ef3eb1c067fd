//go:build !linux

package route

import (
	"errors"

	"firestige.xyz/spooftcp/internal/core"
)

// Netlink is only available on Linux.
type Netlink struct{}

// NewNetlink always fails outside Linux.
func NewNetlink() (*Netlink, error) { return nil, errors.ErrUnsupported }

// Lookup implements Router.
func (*Netlink) Lookup(*core.OriginalView) (Destination, error) {
	return Destination{}, errors.ErrUnsupported
}

// Invalidate is a no-op.
func (*Netlink) Invalidate() {}

// Close is a no-op.
func (*Netlink) Close() error { return nil }
