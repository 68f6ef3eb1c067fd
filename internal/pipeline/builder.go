package pipeline

import "firestige.xyz/spooftcp/internal/spoof"

// Builder provides a fluent interface for building pipelines.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{config: Config{BufferSize: 1024}}
}

// WithID sets the pipeline ID.
func (b *Builder) WithID(id int) *Builder {
	b.config.ID = id
	return b
}

// WithSource sets the packet source.
func (b *Builder) WithSource(s Source) *Builder {
	b.config.Source = s
	return b
}

// WithEngine sets the engine shared with the other pipelines.
func (b *Builder) WithEngine(e *spoof.Engine) *Builder {
	b.config.Engine = e
	return b
}

// WithContext sets the execution context.
func (b *Builder) WithContext(xc *spoof.Context) *Builder {
	b.config.Context = xc
	return b
}

// WithBufferSize sets the frame channel buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
