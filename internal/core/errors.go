// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the decoder, the spoof engine and its collaborators.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("spooftcp: packet too short")
	ErrUnsupportedProto = errors.New("spooftcp: unsupported protocol")
	ErrFamilyMismatch   = errors.New("spooftcp: address family mismatch")

	// Injection errors
	ErrResourceExhausted = errors.New("spooftcp: resource exhausted")
	ErrSegmentTooLarge   = errors.New("spooftcp: segment exceeds length field")
	ErrNoRoute           = errors.New("spooftcp: no route to destination")
	ErrExceedsMTU        = errors.New("spooftcp: packet exceeds route mtu")
	ErrTransmitFailed    = errors.New("spooftcp: transmit failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("spooftcp: invalid configuration")
)
