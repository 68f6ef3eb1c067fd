package netfilter

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/florianl/go-nfqueue"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/log"
	"firestige.xyz/spooftcp/internal/metrics"
	"firestige.xyz/spooftcp/internal/pipeline"
)

// QueueConfig configures one NFQUEUE binding.
type QueueConfig struct {
	Num         uint16
	Mark        uint32 // Packets carrying it are accepted without processing
	MaxQueueLen uint32
	FailOpen    bool
}

// queue is the subset of *nfqueue.Nfqueue used by Queue.
type queue interface {
	RegisterWithErrorFunc(ctx context.Context, fn nfqueue.HookFunc, errfn nfqueue.ErrorFunc) error
	SetVerdict(id uint32, verdict int) error
	Close() error
}

// Queue is a pipeline source bound to one NFQUEUE number.
type Queue struct {
	cfg     QueueConfig
	limiter *log.Limiter
	open    func(*nfqueue.Config) (queue, error)
}

// NewQueue creates a source for cfg.
func NewQueue(cfg QueueConfig, limiter *log.Limiter) *Queue {
	return &Queue{
		cfg:     cfg,
		limiter: limiter,
		open: func(c *nfqueue.Config) (queue, error) {
			return nfqueue.Open(c)
		},
	}
}

// Name implements pipeline.Source.
func (q *Queue) Name() string { return "nfqueue:" + strconv.Itoa(int(q.cfg.Num)) }

// Capture implements pipeline.Source. It binds the queue and delivers
// packets until ctx is cancelled.
func (q *Queue) Capture(ctx context.Context, out chan<- pipeline.Frame) error {
	c := nfqueue.Config{
		NfQueue:      q.cfg.Num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  q.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	if q.cfg.FailOpen {
		c.Flags = nfqueue.NfQaCfgFlagFailOpen
	}

	nf, err := q.open(&c)
	if err != nil {
		return fmt.Errorf("open nfqueue %d: %w", q.cfg.Num, err)
	}
	defer nf.Close()

	label := strconv.Itoa(int(q.cfg.Num))
	hook := func(a nfqueue.Attribute) int {
		return q.handle(ctx, nf, a, out)
	}
	onError := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		metrics.QueueErrorsTotal.WithLabelValues(label).Inc()
		q.limiter.Warn("nfqueue:"+label, "netfilter queue error", "queue", q.cfg.Num, "error", err)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, onError); err != nil {
		return fmt.Errorf("register nfqueue %d: %w", q.cfg.Num, err)
	}

	metrics.QueueWorkers.Inc()
	defer metrics.QueueWorkers.Dec()

	<-ctx.Done()
	return nil
}

func (q *Queue) handle(ctx context.Context, nf queue, a nfqueue.Attribute, out chan<- pipeline.Frame) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	accept := func(v core.Verdict) {
		if err := nf.SetVerdict(id, verdict(v)); err != nil {
			q.limiter.Warn("verdict:"+strconv.Itoa(int(q.cfg.Num)), "set verdict failed", "queue", q.cfg.Num, "error", err)
		}
	}

	frame, ok := toFrame(a, q.cfg.Mark)
	if !ok {
		accept(core.VerdictAccept)
		return 0
	}
	frame.Verdict = accept

	select {
	case out <- frame:
	case <-ctx.Done():
		accept(core.VerdictAccept)
	}
	return 0
}

// toFrame converts a queued packet. It reports false for packets that must
// be accepted untouched: our own marked packets and anything that is not IP.
func toFrame(a nfqueue.Attribute, mark uint32) (pipeline.Frame, bool) {
	if a.Mark != nil && *a.Mark == mark {
		return pipeline.Frame{}, false
	}
	if a.Payload == nil || len(*a.Payload) == 0 {
		return pipeline.Frame{}, false
	}
	payload := *a.Payload

	var fam core.Family
	switch payload[0] >> 4 {
	case 4:
		fam = core.FamilyIPv4
	case 6:
		fam = core.FamilyIPv6
	default:
		return pipeline.Frame{}, false
	}

	pkt := core.Packet{Data: bytes.Clone(payload)}
	if a.Timestamp != nil {
		pkt.Timestamp = *a.Timestamp
	}
	if a.Mark != nil {
		pkt.Meta.Mark = *a.Mark
	}
	if a.OutDev != nil {
		pkt.Meta.OutIfIdx = *a.OutDev
	}
	return pipeline.Frame{Packet: pkt, Family: fam}, true
}

// verdict maps an engine verdict to a queue verdict. The engine only ever
// accepts.
func verdict(core.Verdict) int { return nfqueue.NfAccept }
