// Package flirt loads FLIRT signatures from .pat, .pat.gz and .sig files
// and matches them against byte buffers.
package flirt

import (
	"fmt"
	"strings"
)

// PatternSize is the number of leading function bytes covered by a pattern.
const PatternSize = 32

// Pattern is a byte pattern where some positions match any byte.
type Pattern struct {
	Bytes []byte
	// Wildcards[i] is set when Bytes[i] matches any byte.
	Wildcards []bool
}

func (p Pattern) Len() int {
	return len(p.Bytes)
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.Bytes {
		if p.Wildcards[i] {
			sb.WriteString("..")
		} else {
			fmt.Fprintf(&sb, "%02X", b)
		}
	}
	return sb.String()
}

// MatchAt returns true when the pattern matches buf at the given offset.
func (p Pattern) MatchAt(buf []byte, offset int) bool {
	if offset < 0 || offset+len(p.Bytes) > len(buf) {
		return false
	}
	for i, b := range p.Bytes {
		if p.Wildcards[i] {
			continue
		}
		if buf[offset+i] != b {
			return false
		}
	}
	return true
}

type NameType uint8

const (
	NamePublic NameType = iota
	NameLocal
	NameReference
)

func (t NameType) String() string {
	switch t {
	case NamePublic:
		return "public"
	case NameLocal:
		return "local"
	case NameReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Name is a symbol at an offset from the start of the matched function.
type Name struct {
	Offset int64
	Name   string
	Type   NameType
}

// TailByte is a byte that must be present beyond the checksummed region.
type TailByte struct {
	// Offset from the start of the function.
	Offset uint64
	Value  byte
}

// Signature recognizes one library function.
type Signature struct {
	Pattern Pattern
	// CRCLength bytes following the pattern are checksummed.
	CRCLength uint8
	CRC16     uint16
	// Size is the length of the function, in bytes.
	Size       uint64
	Names      []Name
	References []Name
	TailBytes  []TailByte
}

// Name returns the primary public name of the signature:
// the public name at offset zero, or the first public name.
func (s *Signature) Name() (string, bool) {
	for _, n := range s.Names {
		if n.Type == NamePublic && n.Offset == 0 {
			return n.Name, true
		}
	}
	for _, n := range s.Names {
		if n.Type == NamePublic {
			return n.Name, true
		}
	}
	return "", false
}

func (s *Signature) String() string {
	name, ok := s.Name()
	if !ok {
		name = "(anonymous)"
	}
	return fmt.Sprintf("%s: %s %02X %04X %04X", name, s.Pattern, s.CRCLength, s.CRC16, s.Size)
}

// MatchAt returns true when the signature matches the function starting at `offset`.
func (s *Signature) MatchAt(buf []byte, offset int) bool {
	if !s.Pattern.MatchAt(buf, offset) {
		return false
	}
	if uint64(offset)+s.Size > uint64(len(buf)) {
		return false
	}

	if s.CRCLength > 0 {
		start := offset + s.Pattern.Len()
		end := start + int(s.CRCLength)
		if end > len(buf) {
			return false
		}
		if crc16(buf[start:end]) != s.CRC16 {
			return false
		}
	}

	for _, tb := range s.TailBytes {
		i := offset + int(tb.Offset)
		if i >= len(buf) || buf[i] != tb.Value {
			return false
		}
	}

	return true
}

// confidence counts the concrete bytes that a match verified.
func (s *Signature) confidence() int {
	n := int(s.CRCLength) + len(s.TailBytes)
	for _, w := range s.Pattern.Wildcards {
		if !w {
			n++
		}
	}
	return n
}
