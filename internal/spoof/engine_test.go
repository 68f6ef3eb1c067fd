package spoof

import (
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/checksum"
	"firestige.xyz/spooftcp/internal/route"
)

// recorder is a Transmitter that keeps a copy of every packet it is handed.
type recorder struct {
	sent  []*Packet
	dsts  []route.Destination
	err   error
	onTx  func(pkt *Packet)
	xc    *Context
	guard []bool // guard state observed while transmitting
}

func (r *recorder) Transmit(pkt *Packet, dst route.Destination) error {
	cp := *pkt
	cp.data = append([]byte(nil), pkt.data...)
	r.sent = append(r.sent, &cp)
	r.dsts = append(r.dsts, dst)
	if r.xc != nil {
		r.guard = append(r.guard, r.xc.Guard().Active())
	}
	if r.onTx != nil {
		r.onTx(pkt)
	}
	return r.err
}

type sleeper struct {
	calls []time.Duration
	xc    *Context
	guard []bool
}

func (s *sleeper) sleep(d time.Duration) {
	s.calls = append(s.calls, d)
	if s.xc != nil {
		s.guard = append(s.guard, s.xc.Guard().Active())
	}
}

func newTestEngine(t *testing.T, opts Options, tx Transmitter, cfg ...func(*Config)) (*Engine, *sleeper) {
	t.Helper()
	sl := &sleeper{}
	c := Config{
		Options:     opts,
		Router:      route.NewStatic(),
		Transmitter: tx,
		Sleep:       sl.sleep,
	}
	for _, f := range cfg {
		f(&c)
	}
	e, err := NewEngine(c)
	require.NoError(t, err)
	return e, sl
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{Transmitter: &recorder{}})
	assert.Error(t, err)
	_, err = NewEngine(Config{Router: route.NewStatic()})
	assert.Error(t, err)

	e, err := NewEngine(Config{Router: route.NewStatic(), Transmitter: &recorder{}, Options: Options{TTL: 9}})
	require.NoError(t, err)
	assert.Equal(t, uint8(9), e.Options().TTL)
}

func TestProcessInjectsOnce(t *testing.T) {
	tx := &recorder{}
	e, _ := newTestEngine(t, Options{TCPFlags: FlagRST}, tx)
	xc := NewContext(0)

	assert.Equal(t, core.VerdictAccept, e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)}))
	assert.Equal(t, core.VerdictAccept, e.ProcessIPv6(xc, core.Packet{Data: v6Orig.ipv6(t)}))

	require.Len(t, tx.sent, 2)
	assert.Equal(t, core.FamilyIPv4, tx.sent[0].Family())
	assert.Equal(t, core.FamilyIPv6, tx.sent[1].Family())
	for _, p := range tx.sent {
		assert.Equal(t, FlagRST, p.Segment()[13])
		assert.True(t, p.Untracked())
	}

	s := xc.Counters().Snapshot()
	assert.Equal(t, uint64(2), s.Received)
	assert.Equal(t, uint64(2), s.Injected)
	assert.Zero(t, s.TotalSkipped())
	assert.False(t, xc.Guard().Active())
}

func TestProcessSkipsPreconditions(t *testing.T) {
	frag := v4Orig.ipv4(t)
	frag[6], frag[7] = 0x00, 0x10 // fragment offset 16

	udp := v4Orig.ipv4(t)
	udp[9] = 17

	multicast := v6Orig
	multicast.dst = "ff02::1"

	tests := []struct {
		name   string
		pkt    core.Packet
		fam    core.Family
		reason string
	}{
		{"non-initial fragment", core.Packet{Data: frag}, core.FamilyIPv4, "fragment"},
		{"not tcp", core.Packet{Data: udp}, core.FamilyIPv4, "not_tcp"},
		{"broadcast route", core.Packet{Data: v4Orig.ipv4(t), Meta: core.Meta{Broadcast: true}}, core.FamilyIPv4, "not_unicast"},
		{"multicast route", core.Packet{Data: v4Orig.ipv4(t), Meta: core.Meta{Multicast: true}}, core.FamilyIPv4, "not_unicast"},
		{"ipv6 multicast dst", core.Packet{Data: multicast.ipv6(t)}, core.FamilyIPv6, "not_unicast"},
		{"truncated", core.Packet{Data: v4Orig.ipv4(t)[:30]}, core.FamilyIPv4, "truncated"},
		{"empty", core.Packet{}, core.FamilyIPv6, "truncated"},
		{"wrong family", core.Packet{Data: v4Orig.ipv4(t)}, core.FamilyIPv6, "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &recorder{}
			e, sl := newTestEngine(t, Options{Delay: time.Second}, tx)
			xc := NewContext(0)

			assert.Equal(t, core.VerdictAccept, e.Process(xc, tt.pkt, tt.fam))
			assert.Empty(t, tx.sent, "no packet for a failed precondition")
			assert.Empty(t, sl.calls, "no delay without a hand-off")
			assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped[tt.reason])
		})
	}
}

func TestReentrantInvocationIsPassThrough(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{xc: xc}
	e, _ := newTestEngine(t, Options{}, tx)

	// The output path feeds the synthesized packet back into the same context.
	var inner core.Verdict = 99
	tx.onTx = func(pkt *Packet) {
		inner = e.ProcessIPv4(xc, core.Packet{Data: pkt.Bytes()})
	}

	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})

	assert.Equal(t, core.VerdictAccept, inner)
	assert.Len(t, tx.sent, 1, "re-entrant call must not inject")
	assert.Equal(t, []bool{true}, tx.guard, "guard is active during hand-off")
	assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped["reentrant"])
	assert.False(t, xc.Guard().Active())

	// After exit a valid packet produces a packet again.
	tx.onTx = nil
	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})
	assert.Len(t, tx.sent, 2)
}

func TestActiveGuardSkipsAnyInput(t *testing.T) {
	tx := &recorder{}
	e, _ := newTestEngine(t, Options{}, tx)
	xc := NewContext(0)

	release, ok := xc.Guard().Enter()
	require.True(t, ok)

	for _, pkt := range []core.Packet{{Data: v4Orig.ipv4(t)}, {}, {Data: []byte{0x45}}} {
		assert.Equal(t, core.VerdictAccept, e.ProcessIPv4(xc, pkt))
	}
	assert.Empty(t, tx.sent)
	assert.Equal(t, uint64(3), xc.Counters().Snapshot().Skipped["reentrant"])

	release()
	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})
	assert.Len(t, tx.sent, 1)
}

func TestContextsDoNotShareGuard(t *testing.T) {
	a, b := NewContext(0), NewContext(1)
	tx := &recorder{}
	e, _ := newTestEngine(t, Options{}, tx)

	// While a hands off, b processes an unrelated packet.
	tx.onTx = func(*Packet) {
		if len(tx.sent) == 1 {
			e.ProcessIPv6(b, core.Packet{Data: v6Orig.ipv6(t)})
		}
	}
	e.ProcessIPv4(a, core.Packet{Data: v4Orig.ipv4(t)})

	assert.Len(t, tx.sent, 2)
	assert.Equal(t, uint64(1), b.Counters().Snapshot().Injected)
}

func TestDelayAfterGuardRelease(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{}
	e, sl := newTestEngine(t, Options{Delay: 25 * time.Millisecond}, tx)
	sl.xc = xc

	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})

	assert.Equal(t, []time.Duration{25 * time.Millisecond}, sl.calls)
	assert.Equal(t, []bool{false}, sl.guard, "delay runs with the guard idle")
}

func TestZeroDelayDoesNotSleep(t *testing.T) {
	e, sl := newTestEngine(t, Options{}, &recorder{})
	e.ProcessIPv4(NewContext(0), core.Packet{Data: v4Orig.ipv4(t)})
	assert.Empty(t, sl.calls)
}

func TestTransmitFailureReleasesGuard(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{err: errors.New("EPERM")}
	e, sl := newTestEngine(t, Options{Delay: time.Millisecond}, tx)

	assert.Equal(t, core.VerdictAccept, e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)}))
	assert.False(t, xc.Guard().Active())
	assert.Len(t, sl.calls, 1, "delay follows an attempted hand-off even if it failed")

	s := xc.Counters().Snapshot()
	assert.Equal(t, uint64(1), s.TransmitErrors)
	assert.Zero(t, s.Injected)

	// Not retried.
	assert.Len(t, tx.sent, 1)
}

func TestRouteFailureReleasesGuard(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{}
	e, sl := newTestEngine(t, Options{Delay: time.Millisecond}, tx, func(c *Config) {
		c.Router = route.Func(func(*core.OriginalView) (route.Destination, error) {
			return route.Destination{}, core.ErrNoRoute
		})
	})

	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})

	assert.Empty(t, tx.sent)
	assert.Empty(t, sl.calls)
	assert.False(t, xc.Guard().Active())
	assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped["no_route"])
}

func TestNonUnicastRouteSkips(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{}
	e, _ := newTestEngine(t, Options{}, tx, func(c *Config) {
		c.Router = &route.Static{Dest: route.Destination{Type: route.TypeBroadcast}}
	})

	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})

	assert.Empty(t, tx.sent)
	assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped["not_unicast"])
	assert.False(t, xc.Guard().Active())
}

func TestAllocationFailureReleasesGuard(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{}
	var asked [2]int
	e, sl := newTestEngine(t, Options{PayloadLen: 10, Delay: time.Millisecond}, tx, func(c *Config) {
		c.Router = &route.Static{Dest: route.Destination{Headroom: 48, Type: route.TypeUnicast}}
		c.Allocator = AllocatorFunc(func(headroom, size int) (gopacket.SerializeBuffer, error) {
			asked = [2]int{headroom, size}
			return nil, core.ErrResourceExhausted
		})
	})

	assert.Equal(t, core.VerdictAccept, e.ProcessIPv6(xc, core.Packet{Data: v6Orig.ipv6(t)}))

	assert.Equal(t, [2]int{48, 40 + 20 + 10}, asked, "headroom comes from the route")
	assert.Empty(t, tx.sent)
	assert.Empty(t, sl.calls)
	assert.False(t, xc.Guard().Active())
	assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped["resource_exhausted"])
}

func TestOversizePacketSkipsBeforeAllocation(t *testing.T) {
	xc := NewContext(0)
	tx := &recorder{}
	allocated := false
	withMTU := func(c *Config) {
		c.Router = &route.Static{Dest: route.Destination{MTU: 1500, Type: route.TypeUnicast}}
		c.Allocator = AllocatorFunc(func(headroom, size int) (gopacket.SerializeBuffer, error) {
			allocated = true
			return HeapAllocator{}.Allocate(headroom, size)
		})
	}
	big, sl := newTestEngine(t, Options{PayloadLen: 1461, Delay: time.Millisecond}, tx, withMTU)

	big.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})

	assert.False(t, allocated)
	assert.Empty(t, tx.sent)
	assert.Empty(t, sl.calls, "no hand-off, no delay")
	assert.False(t, xc.Guard().Active())
	assert.Equal(t, uint64(1), xc.Counters().Snapshot().Skipped["exceeds_mtu"])

	// 20 + 20 + 1460 fits exactly.
	e, _ := newTestEngine(t, Options{PayloadLen: 1460}, tx, withMTU)
	e.ProcessIPv4(xc, core.Packet{Data: v4Orig.ipv4(t)})
	assert.True(t, allocated)
	require.Len(t, tx.sent, 1)
	assert.Len(t, tx.sent[0].Bytes(), 1500)

	// IPv6 carries a 40 byte header, so the same payload no longer fits.
	e.ProcessIPv6(xc, core.Packet{Data: v6Orig.ipv6(t)})
	assert.Len(t, tx.sent, 1)
	assert.Equal(t, uint64(2), xc.Counters().Snapshot().Skipped["exceeds_mtu"])
}

type mockUntracker struct {
	mock.Mock
}

func (m *mockUntracker) MarkUntracked(pkt *Packet) {
	m.Called(pkt)
	pkt.SetMark(0x77)
}

type mockTransmitter struct {
	mock.Mock
}

func (m *mockTransmitter) Transmit(pkt *Packet, dst route.Destination) error {
	args := m.Called(pkt, dst)
	return args.Error(0)
}

func TestUntrackedBeforeTransmit(t *testing.T) {
	un := &mockUntracker{}
	tx := &mockTransmitter{}
	dst := route.Destination{LinkIndex: 3, Headroom: 16, Type: route.TypeUnicast}

	un.On("MarkUntracked", mock.AnythingOfType("*spoof.Packet")).Once()
	tx.On("Transmit", mock.MatchedBy(func(p *Packet) bool { return p.Mark() == 0x77 }), dst).Return(nil).Once()

	e, _ := newTestEngine(t, Options{}, tx, func(c *Config) {
		c.Untracker = un
		c.Router = &route.Static{Dest: dst}
	})
	e.ProcessIPv4(NewContext(0), core.Packet{Data: v4Orig.ipv4(t)})

	un.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestEngineExampleEndToEnd(t *testing.T) {
	tx := &recorder{}
	e, _ := newTestEngine(t, Options{TCPFlags: FlagACK, CorruptSeq: true}, tx)
	e.ProcessIPv4(NewContext(0), core.Packet{Data: v4Orig.ipv4(t)})

	require.Len(t, tx.sent, 1)
	pkt := tx.sent[0]
	d := decode(t, pkt)
	assert.Equal(t, uint32(0xFFFFFC17), d.tcp.Seq)
	assert.True(t, d.tcp.ACK)
	assert.False(t, d.tcp.SYN)
	assert.Equal(t, uint8(30), d.ip4.TTL)
	assert.Empty(t, d.tcp.Payload)
	assert.True(t, checksum.Verify(pkt.Src(), pkt.Dst(), pkt.Segment()))
}
