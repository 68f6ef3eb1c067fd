//go:build !linux

package netfilter

import (
	"context"
	"errors"
	"strconv"

	"firestige.xyz/spooftcp/internal/log"
	"firestige.xyz/spooftcp/internal/pipeline"
)

// QueueConfig configures one NFQUEUE binding.
type QueueConfig struct {
	Num         uint16
	Mark        uint32
	MaxQueueLen uint32
	FailOpen    bool
}

// Queue is only available on Linux.
type Queue struct {
	cfg QueueConfig
}

// NewQueue creates a source for cfg.
func NewQueue(cfg QueueConfig, _ *log.Limiter) *Queue { return &Queue{cfg: cfg} }

// Name implements pipeline.Source.
func (q *Queue) Name() string { return "nfqueue:" + strconv.Itoa(int(q.cfg.Num)) }

// Capture always fails outside Linux.
func (q *Queue) Capture(context.Context, chan<- pipeline.Frame) error {
	return errors.ErrUnsupported
}
