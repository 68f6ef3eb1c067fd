// Package core defines the validation result.
package core

// SkipReason tags why a packet did not lead to an injection.
type SkipReason uint8

const (
	SkipNone SkipReason = iota
	SkipReentrant
	SkipFragment
	SkipNotUnicast
	SkipNotTCP
	SkipTruncated
	SkipMalformed
	SkipNoRoute
	SkipResourceExhausted
	SkipExceedsMTU
)

var skipReasonNames = [...]string{
	SkipNone:              "none",
	SkipReentrant:         "reentrant",
	SkipFragment:          "fragment",
	SkipNotUnicast:        "not_unicast",
	SkipNotTCP:            "not_tcp",
	SkipTruncated:         "truncated",
	SkipMalformed:         "malformed",
	SkipNoRoute:           "no_route",
	SkipResourceExhausted: "resource_exhausted",
	SkipExceedsMTU:        "exceeds_mtu",
}

// String returns the metric label for the reason.
func (r SkipReason) String() string {
	if int(r) < len(skipReasonNames) {
		return skipReasonNames[r]
	}
	return "unknown"
}

// Precondition reports whether the reason is an expected, silent pass-through.
func (r SkipReason) Precondition() bool {
	return r >= SkipReentrant && r <= SkipMalformed
}

// Result is the outcome of validating a packet: Proceed(view) or Skip(reason).
type Result struct {
	View   OriginalView
	Reason SkipReason
}

// Proceed wraps a validated view.
func Proceed(view OriginalView) Result {
	view.WellFormed = true
	return Result{View: view}
}

// Skip wraps a rejection reason.
func Skip(reason SkipReason) Result {
	return Result{Reason: reason}
}

// OK reports whether the packet passed validation.
func (r Result) OK() bool {
	return r.Reason == SkipNone && r.View.WellFormed
}
