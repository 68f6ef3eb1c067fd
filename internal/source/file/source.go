// Package file replays packets from a capture file into a pipeline.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/core/decoder"
	"firestige.xyz/spooftcp/internal/pipeline"
)

const Name = "file"

var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Source reads pcap or pcapng captures. Frames that are not IP, or whose
// family is not enabled, are counted and dropped.
type Source struct {
	path     string
	r        io.Reader
	families map[core.Family]bool

	frames  atomic.Uint64
	ignored atomic.Uint64
}

// New creates a source reading the file at path. With no families given,
// both are enabled.
func New(path string, families ...core.Family) *Source {
	return &Source{path: path, families: familySet(families)}
}

// NewFromReader creates a source reading r.
func NewFromReader(name string, r io.Reader, families ...core.Family) *Source {
	return &Source{path: name, r: r, families: familySet(families)}
}

func familySet(families []core.Family) map[core.Family]bool {
	if len(families) == 0 {
		families = []core.Family{core.FamilyIPv4, core.FamilyIPv6}
	}
	m := make(map[core.Family]bool, len(families))
	for _, f := range families {
		m[f] = true
	}
	return m
}

// Name implements pipeline.Source.
func (s *Source) Name() string { return Name + ":" + s.path }

// Frames returns the number of frames delivered.
func (s *Source) Frames() uint64 { return s.frames.Load() }

// Ignored returns the number of frames dropped before the engine.
func (s *Source) Ignored() uint64 { return s.ignored.Load() }

// Capture implements pipeline.Source. It returns nil at end of file.
func (s *Source) Capture(ctx context.Context, out chan<- pipeline.Frame) error {
	r := s.r
	if r == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return fmt.Errorf("failed to open capture file %s: %w", s.path, err)
		}
		defer f.Close()
		r = f
	}

	pr, link, err := openReader(r)
	if err != nil {
		return fmt.Errorf("failed to read capture file %s: %w", s.path, err)
	}

	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		ip, fam, err := decoder.NetworkLayer(data, link)
		if err != nil || !s.families[fam] {
			s.ignored.Add(1)
			continue
		}

		// The reader may reuse its buffer.
		frame := pipeline.Frame{
			Packet: core.Packet{Data: bytes.Clone(ip), Timestamp: ci.Timestamp},
			Family: fam,
		}
		select {
		case out <- frame:
			s.frames.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// openReader detects pcap or pcapng framing.
func openReader(r io.Reader) (packetReader, layers.LinkType, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, err
	}

	var (
		pr packetReader
		lt layers.LinkType
	)
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, err
		}
		pr, lt = ng, ng.LinkType()
	} else {
		rd, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, 0, err
		}
		pr, lt = rd, rd.LinkType()
	}

	if err := decoder.SupportsLink(lt); err != nil {
		return nil, 0, err
	}
	slog.Debug("capture file opened", "link_type", lt.String())
	return pr, lt, nil
}
