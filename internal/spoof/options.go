package spoof

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/spooftcp/internal/core"
)

// TCP control flag bits as they appear in byte 13 of the TCP header.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// MaxPayloadLen is the largest payload an IPv6 segment can carry without a
// jumbogram: 65535 minus the 20-byte TCP header.
const MaxPayloadLen = 65515

var flagNames = map[string]uint8{
	"FIN":  FlagFIN,
	"SYN":  FlagSYN,
	"RST":  FlagRST,
	"PSH":  FlagPSH,
	"ACK":  FlagACK,
	"URG":  FlagURG,
	"ECE":  FlagECE,
	"CWR":  FlagCWR,
	"ALL":  0xFF,
	"NONE": 0,
}

// Options is the configuration attached to one rule. It is immutable after
// ParseOptions returns and shared by every execution context.
type Options struct {
	PayloadLen      uint16
	TCPFlags        uint8
	TTL             uint8 // 0 copies the original TTL / hop limit
	CorruptSeq      bool
	CorruptChecksum bool
	Delay           time.Duration
}

// rawOptions mirrors the operator-facing keys before range checks.
type rawOptions struct {
	PayloadLen      int  `mapstructure:"payload_len"`
	TCPFlags        any  `mapstructure:"tcp_flags"`
	TTL             int  `mapstructure:"ttl"`
	CorruptSeq      bool `mapstructure:"corrupt_seq"`
	CorruptChecksum bool `mapstructure:"corrupt_chksum"`
	Delay           int  `mapstructure:"delay"` // milliseconds
}

// ParseOptions decodes the opaque option map of a rule.
func ParseOptions(m map[string]any) (Options, error) {
	var raw rawOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Options{}, fmt.Errorf("%w: spoof options: %v", core.ErrConfigInvalid, err)
	}

	if raw.PayloadLen < 0 || raw.PayloadLen > MaxPayloadLen {
		return Options{}, fmt.Errorf("%w: payload_len %d out of range [0, %d]", core.ErrConfigInvalid, raw.PayloadLen, MaxPayloadLen)
	}
	if raw.TTL < 0 || raw.TTL > 255 {
		return Options{}, fmt.Errorf("%w: ttl %d out of range [0, 255]", core.ErrConfigInvalid, raw.TTL)
	}
	if raw.Delay < 0 {
		return Options{}, fmt.Errorf("%w: delay %d is negative", core.ErrConfigInvalid, raw.Delay)
	}
	flags, err := ParseTCPFlags(raw.TCPFlags)
	if err != nil {
		return Options{}, err
	}

	return Options{
		PayloadLen:      uint16(raw.PayloadLen),
		TCPFlags:        flags,
		TTL:             uint8(raw.TTL),
		CorruptSeq:      raw.CorruptSeq,
		CorruptChecksum: raw.CorruptChecksum,
		Delay:           time.Duration(raw.Delay) * time.Millisecond,
	}, nil
}

// ParseTCPFlags accepts a number (18, "0x12") or a list of flag names
// separated by ',', '|' or '+' ("SYN,ACK"). nil means no flags.
func ParseTCPFlags(v any) (uint8, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uint8:
		return x, nil
	case int:
		return flagsFromInt(int64(x))
	case int64:
		return flagsFromInt(x)
	case uint64:
		if x > 0xFF {
			return 0, fmt.Errorf("%w: tcp_flags %d out of range", core.ErrConfigInvalid, x)
		}
		return uint8(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("%w: tcp_flags %v is not an integer", core.ErrConfigInvalid, x)
		}
		return flagsFromInt(int64(x))
	case string:
		return flagsFromString(x)
	case []any:
		var out uint8
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return 0, fmt.Errorf("%w: tcp_flags list entry %v", core.ErrConfigInvalid, e)
			}
			f, err := flagsFromString(s)
			if err != nil {
				return 0, err
			}
			out |= f
		}
		return out, nil
	default:
		return 0, fmt.Errorf("%w: tcp_flags has type %T", core.ErrConfigInvalid, v)
	}
}

func flagsFromInt(n int64) (uint8, error) {
	if n < 0 || n > 0xFF {
		return 0, fmt.Errorf("%w: tcp_flags %d out of range", core.ErrConfigInvalid, n)
	}
	return uint8(n), nil
}

func flagsFromString(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(n), nil
	}

	var out uint8
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || r == '+' || r == ' '
	})
	for _, p := range parts {
		f, ok := flagNames[strings.ToUpper(p)]
		if !ok {
			return 0, fmt.Errorf("%w: unknown tcp flag %q", core.ErrConfigInvalid, p)
		}
		out |= f
	}
	return out, nil
}

// FormatTCPFlags renders a flag byte the way ParseTCPFlags reads it.
func FormatTCPFlags(f uint8) string {
	if f == 0 {
		return "NONE"
	}
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ",")
}

// Map returns the option map that ParseOptions turns back into o.
func (o Options) Map() map[string]any {
	return map[string]any{
		"payload_len":    int(o.PayloadLen),
		"tcp_flags":      FormatTCPFlags(o.TCPFlags),
		"ttl":            int(o.TTL),
		"corrupt_seq":    o.CorruptSeq,
		"corrupt_chksum": o.CorruptChecksum,
		"delay":          int(o.Delay / time.Millisecond),
	}
}
