// Package spoof synthesizes and injects TCP segments that mimic a response
// to the flow of an intercepted packet.
package spoof

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/decoder"
	"firestige.xyz/spooftcp/internal/log"
	"firestige.xyz/spooftcp/internal/metrics"
	"firestige.xyz/spooftcp/internal/route"
)

// Transmitter hands a synthesized packet to the host's output path.
type Transmitter interface {
	Transmit(pkt *Packet, dst route.Destination) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(pkt *Packet, dst route.Destination) error

// Transmit implements Transmitter.
func (f TransmitterFunc) Transmit(pkt *Packet, dst route.Destination) error { return f(pkt, dst) }

// Config wires an Engine. Router and Transmitter are required.
type Config struct {
	Options     Options
	Router      route.Router
	Allocator   Allocator   // Defaults to HeapAllocator
	Untracker   Untracker   // Defaults to a no-op
	Transmitter Transmitter
	Limiter     *log.Limiter

	// Sleep implements the post-injection delay. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Engine is the per-rule packet processor. It holds only read-only state
// and is shared by every execution context.
type Engine struct {
	opts    Options
	v4      Synthesizer
	v6      Synthesizer
	router  route.Router
	alloc   Allocator
	untrack Untracker
	tx      Transmitter
	limiter *log.Limiter
	sleep   func(time.Duration)
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Router == nil {
		return nil, errors.New("spoof: engine requires a router")
	}
	if cfg.Transmitter == nil {
		return nil, errors.New("spoof: engine requires a transmitter")
	}
	if cfg.Allocator == nil {
		cfg.Allocator = HeapAllocator{}
	}
	if cfg.Untracker == nil {
		cfg.Untracker = UntrackerFunc(func(*Packet) {})
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}

	return &Engine{
		opts:    cfg.Options,
		v4:      IPv4Synthesizer{},
		v6:      IPv6Synthesizer{},
		router:  cfg.Router,
		alloc:   cfg.Allocator,
		untrack: cfg.Untracker,
		tx:      cfg.Transmitter,
		limiter: cfg.Limiter,
		sleep:   cfg.Sleep,
	}, nil
}

// Options returns the rule options of the engine.
func (e *Engine) Options() Options { return e.opts }

// ProcessIPv4 is the entry point of the IPv4 hook.
func (e *Engine) ProcessIPv4(xc *Context, pkt core.Packet) core.Verdict {
	return e.Process(xc, pkt, core.FamilyIPv4)
}

// ProcessIPv6 is the entry point of the IPv6 hook.
func (e *Engine) ProcessIPv6(xc *Context, pkt core.Packet) core.Verdict {
	return e.Process(xc, pkt, core.FamilyIPv6)
}

// Process runs one packet through the engine in execution context xc. At
// most one synthesized packet is emitted as a side effect. The verdict for
// the original packet is always VerdictAccept.
func (e *Engine) Process(xc *Context, pkt core.Packet, fam core.Family) core.Verdict {
	xc.stats.Received.Add(1)
	metrics.PacketsTotal.WithLabelValues(fam.String()).Inc()

	if xc.guard.Active() {
		e.skip(xc, fam, core.SkipReentrant)
		return core.VerdictAccept
	}

	res := decoder.Extract(pkt, fam)
	if !res.OK() {
		e.skip(xc, fam, res.Reason)
		return core.VerdictAccept
	}

	if e.inject(xc, &res.View) && e.opts.Delay > 0 {
		// Blocks this context only; the guard is already released.
		e.sleep(e.opts.Delay)
	}
	return core.VerdictAccept
}

// inject builds and hands off one packet. It reports whether the hand-off
// was attempted, which is when the delay applies.
func (e *Engine) inject(xc *Context, view *core.OriginalView) bool {
	release, ok := xc.guard.Enter()
	if !ok {
		e.skip(xc, view.Family, core.SkipReentrant)
		return false
	}
	defer release()

	fam := view.Family.String()
	start := time.Now()

	dst, err := e.router.Lookup(view)
	if err != nil {
		e.fail(xc, view, core.SkipNoRoute, err)
		return false
	}
	if !dst.Type.Unicast() {
		e.skip(xc, view.Family, core.SkipNotUnicast)
		return false
	}

	synth := e.synthesizer(view.Family)
	size := synth.Size(e.opts)
	if dst.MTU > 0 && size > dst.MTU {
		// Neither family is fragmented on the way out.
		e.fail(xc, view, core.SkipExceedsMTU, fmt.Errorf("%w: %d bytes, mtu %d", core.ErrExceedsMTU, size, dst.MTU))
		return false
	}
	buf, err := e.alloc.Allocate(dst.Headroom, size)
	if err != nil {
		e.fail(xc, view, core.SkipResourceExhausted, err)
		return false
	}
	pkt, err := synth.Synthesize(view, e.opts, buf)
	if err != nil {
		e.fail(xc, view, core.SkipResourceExhausted, err)
		return false
	}

	e.untrack.MarkUntracked(pkt)

	if err := e.tx.Transmit(pkt, dst); err != nil {
		xc.stats.TransmitErrors.Add(1)
		metrics.InjectErrorsTotal.WithLabelValues(fam).Inc()
		e.limiter.Warn("transmit:"+fam, "synthesized packet rejected by output path",
			"context", xc.id,
			"family", fam,
			"dst", view.DstIP.String(),
			"error", fmt.Errorf("%w: %v", core.ErrTransmitFailed, err),
		)
		return true
	}

	xc.stats.Injected.Add(1)
	metrics.InjectedTotal.WithLabelValues(fam).Inc()
	metrics.InjectLatencySeconds.WithLabelValues(fam).Observe(time.Since(start).Seconds())
	slog.Debug("injected synthesized packet",
		"context", xc.id,
		"family", fam,
		"src", view.SrcIP.String(),
		"dst", view.DstIP.String(),
		"sport", view.SrcPort,
		"dport", view.DstPort,
		"bytes", len(pkt.Bytes()),
	)
	return true
}

func (e *Engine) synthesizer(f core.Family) Synthesizer {
	if f == core.FamilyIPv6 {
		return e.v6
	}
	return e.v4
}

// skip records a silent pass-through.
func (e *Engine) skip(xc *Context, fam core.Family, reason core.SkipReason) {
	xc.stats.skip(reason)
	metrics.SkippedTotal.WithLabelValues(fam.String(), reason.String()).Inc()
}

// fail records a resource failure and logs it at a rate-limited severity.
func (e *Engine) fail(xc *Context, view *core.OriginalView, reason core.SkipReason, err error) {
	e.skip(xc, view.Family, reason)
	e.limiter.Warn(reason.String()+":"+view.Family.String(), "injection abandoned",
		"context", xc.id,
		"family", view.Family.String(),
		"reason", reason.String(),
		"dst", view.DstIP.String(),
		"error", err,
	)
}
