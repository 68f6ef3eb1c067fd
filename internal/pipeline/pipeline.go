// Package pipeline drives packets from a source through the spoof engine.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/spoof"
)

// Frame is one packet delivered by a Source for the hook of Family.
type Frame struct {
	Packet core.Packet
	Family core.Family

	// Verdict, when set, receives the verdict for the packet once the
	// engine is done with it.
	Verdict func(core.Verdict)
}

func (f Frame) done(v core.Verdict) {
	if f.Verdict != nil {
		f.Verdict(v)
	}
}

// Source produces frames until ctx is cancelled or the input is exhausted.
// Capture must not block on out once ctx is done.
type Source interface {
	Name() string
	Capture(ctx context.Context, out chan<- Frame) error
}

// Pipeline runs one execution context: frames are processed one at a time,
// in arrival order, so the context's guard never sees concurrent use.
type Pipeline struct {
	id     int
	source Source
	engine *spoof.Engine
	xc     *spoof.Context

	// Runtime state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errMu  sync.Mutex
	err    error

	frames chan Frame
}

// Config contains pipeline configuration.
type Config struct {
	ID         int
	Source     Source
	Engine     *spoof.Engine
	Context    *spoof.Context // Defaults to a fresh context with ID
	BufferSize int            // Frame channel buffer size
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Context == nil {
		cfg.Context = spoof.NewContext(cfg.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		id:     cfg.ID,
		source: cfg.Source,
		engine: cfg.Engine,
		xc:     cfg.Context,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan Frame, cfg.BufferSize),
	}
}

// ID returns the pipeline ID.
func (p *Pipeline) ID() int { return p.id }

// Context returns the execution context owned by the pipeline.
func (p *Pipeline) Context() *spoof.Context { return p.xc }

// Start starts capturing and processing.
func (p *Pipeline) Start() error {
	if p.source == nil || p.engine == nil {
		return errors.New("pipeline: source and engine are required")
	}
	slog.Info("pipeline starting", "pipeline_id", p.id, "source", p.source.Name())

	p.wg.Add(2)
	go p.captureLoop()
	go p.processLoop()

	return nil
}

// Stop cancels capture and waits for the loops to exit.
func (p *Pipeline) Stop() error {
	slog.Info("pipeline stopping", "pipeline_id", p.id)
	p.cancel()
	p.wg.Wait()
	slog.Info("pipeline stopped", "pipeline_id", p.id, "stats", p.Stats())
	return p.Err()
}

// Wait blocks until the source is exhausted and every frame is processed.
func (p *Pipeline) Wait() error {
	p.wg.Wait()
	return p.Err()
}

// Err returns the error the source stopped with, if any.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Pipeline) captureLoop() {
	defer p.wg.Done()

	if err := p.source.Capture(p.ctx, p.frames); err != nil && p.ctx.Err() == nil {
		slog.Error("capture failed", "error", err, "pipeline_id", p.id, "source", p.source.Name())
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()
	}

	close(p.frames)
}

func (p *Pipeline) processLoop() {
	defer p.wg.Done()
	p.Run(p.ctx, p.frames)
}

// Run processes frames from in until it is closed or ctx is done. Frames
// still queued after cancellation are released with VerdictAccept without
// being processed.
func (p *Pipeline) Run(ctx context.Context, in <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			for f := range in {
				f.done(core.VerdictAccept)
			}
			return

		case f, ok := <-in:
			if !ok {
				return
			}
			f.done(p.engine.Process(p.xc, f.Packet, f.Family))
		}
	}
}

// Stats returns the counters of the pipeline's execution context.
func (p *Pipeline) Stats() spoof.Snapshot {
	return p.xc.Counters().Snapshot()
}
