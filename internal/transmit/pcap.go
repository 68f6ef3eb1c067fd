// Package transmit delivers synthesized packets: onto the wire through raw
// sockets, or into a capture file for offline inspection.
package transmit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/spoof"
)

const snapLen = 262144

// PcapWriter records synthesized packets as raw IP frames in pcap format.
// It is safe for concurrent use.
type PcapWriter struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	count  uint64

	now func() time.Time
}

// NewPcapWriter writes a pcap file header to w and returns a writer for it.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapWriter{w: pw, now: time.Now}, nil
}

// CreatePcap creates (or truncates) the file at path and records into it.
func CreatePcap(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file %s: %w", path, err)
	}
	pw, err := NewPcapWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	pw.closer = f
	return pw, nil
}

// Transmit implements spoof.Transmitter.
func (p *PcapWriter) Transmit(pkt *spoof.Packet, _ route.Destination) error {
	data := pkt.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     p.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write pcap record: %w", err)
	}
	p.count++
	return nil
}

// Count returns the number of packets recorded so far.
func (p *PcapWriter) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Close closes the underlying file when the writer owns one.
func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}
