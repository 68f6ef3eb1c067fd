package spoof

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/spooftcp/internal/core"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{}, opts)
}

func TestParseOptionsFull(t *testing.T) {
	opts, err := ParseOptions(map[string]any{
		"payload_len":    "32",
		"tcp_flags":      "RST|ACK",
		"ttl":            64,
		"corrupt_seq":    "true",
		"corrupt_chksum": true,
		"delay":          250,
	})
	require.NoError(t, err)

	assert.Equal(t, Options{
		PayloadLen:      32,
		TCPFlags:        FlagRST | FlagACK,
		TTL:             64,
		CorruptSeq:      true,
		CorruptChecksum: true,
		Delay:           250 * time.Millisecond,
	}, opts)
}

func TestParseOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"unknown key", map[string]any{"corrupt_ack": true}},
		{"negative payload", map[string]any{"payload_len": -1}},
		{"payload too large", map[string]any{"payload_len": MaxPayloadLen + 1}},
		{"ttl too large", map[string]any{"ttl": 256}},
		{"negative delay", map[string]any{"delay": -5}},
		{"bad flag name", map[string]any{"tcp_flags": "SYN,BOGUS"}},
		{"flags out of range", map[string]any{"tcp_flags": 300}},
		{"not a number", map[string]any{"payload_len": "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.in)
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestParseTCPFlags(t *testing.T) {
	tests := []struct {
		in   any
		want uint8
	}{
		{nil, 0},
		{"", 0},
		{"NONE", 0},
		{"SYN", FlagSYN},
		{"syn,ack", FlagSYN | FlagACK},
		{"ACK|PSH", FlagACK | FlagPSH},
		{"FIN+URG", FlagFIN | FlagURG},
		{"ECE CWR", FlagECE | FlagCWR},
		{"ALL", 0xFF},
		{"0x12", 0x12},
		{"18", 18},
		{18, 18},
		{int64(4), 4},
		{uint64(255), 255},
		{float64(16), 16},
		{uint8(1), 1},
		{[]any{"SYN", "ACK"}, FlagSYN | FlagACK},
	}

	for _, tt := range tests {
		got, err := ParseTCPFlags(tt.in)
		if err != nil {
			t.Errorf("ParseTCPFlags(%v) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTCPFlags(%v) = %#x, want %#x", tt.in, got, tt.want)
		}
	}

	for _, bad := range []any{-1, 256, uint64(1000), 1.5, "0x100", []any{1}, true} {
		if _, err := ParseTCPFlags(bad); !errors.Is(err, core.ErrConfigInvalid) {
			t.Errorf("ParseTCPFlags(%v) should fail with ErrConfigInvalid, got %v", bad, err)
		}
	}
}

func TestFormatTCPFlags(t *testing.T) {
	assert.Equal(t, "NONE", FormatTCPFlags(0))
	assert.Equal(t, "SYN,ACK", FormatTCPFlags(FlagSYN|FlagACK))
	assert.Equal(t, "FIN,SYN,RST,PSH,ACK,URG,ECE,CWR", FormatTCPFlags(0xFF))

	for f := 0; f <= 0xFF; f++ {
		got, err := ParseTCPFlags(FormatTCPFlags(uint8(f)))
		require.NoError(t, err)
		require.Equal(t, uint8(f), got)
	}
}

func TestOptionsMapRoundTrip(t *testing.T) {
	want := Options{
		PayloadLen:      100,
		TCPFlags:        FlagFIN | FlagPSH,
		TTL:             3,
		CorruptChecksum: true,
		Delay:           2 * time.Second,
	}
	got, err := ParseOptions(want.Map())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
