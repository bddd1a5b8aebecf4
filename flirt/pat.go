package flirt

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// patTerminator marks the end of the signatures in a .pat file.
const patTerminator = "---"

// ParsePat parses the text .pat format, one signature per line:
//
//	558BEC........ 1F 5A7E 00A1 :0000 _memcpy ^0010 ___security_cookie 8B4DFC
//
// fields: leading pattern, crc length, crc16, function size, names, tail bytes.
// `source` names the input in errors.
func ParsePat(r io.Reader, source string) ([]Signature, error) {
	var sigs []Signature

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 0x1000), 0x100000)

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == patTerminator {
			return sigs, nil
		}

		sig, e := parsePatLine(line)
		if e != nil {
			return nil, &ParseError{Source: source, Line: lineno, Offset: -1, Msg: e.Error()}
		}
		sigs = append(sigs, sig)
	}
	if e := scanner.Err(); e != nil {
		return nil, errors.Wrapf(e, "failed to read %s", source)
	}

	// some tools omit the terminator.
	return sigs, nil
}

func parsePatLine(line string) (Signature, error) {
	var sig Signature

	fields := strings.Fields(line)
	if len(fields) < 4 {
		return sig, fmt.Errorf("expected at least 4 fields, found %d", len(fields))
	}

	pattern, e := parsePatternHex(fields[0])
	if e != nil {
		return sig, e
	}
	if pattern.Len() > PatternSize {
		return sig, fmt.Errorf("pattern too long: %d bytes", pattern.Len())
	}
	sig.Pattern = pattern

	crcLen, e := strconv.ParseUint(fields[1], 16, 8)
	if e != nil {
		return sig, fmt.Errorf("invalid crc length: %q", fields[1])
	}
	sig.CRCLength = uint8(crcLen)

	crc, e := strconv.ParseUint(fields[2], 16, 16)
	if e != nil {
		return sig, fmt.Errorf("invalid crc16: %q", fields[2])
	}
	sig.CRC16 = uint16(crc)

	size, e := strconv.ParseUint(fields[3], 16, 64)
	if e != nil {
		return sig, fmt.Errorf("invalid function size: %q", fields[3])
	}
	sig.Size = size

	for i := 4; i < len(fields); i++ {
		field := fields[i]
		switch {
		case strings.HasPrefix(field, ":") || strings.HasPrefix(field, "^"):
			if i+1 >= len(fields) {
				return sig, fmt.Errorf("missing name after %q", field)
			}
			name, e := parsePatName(field, fields[i+1])
			if e != nil {
				return sig, e
			}
			if name.Type == NameReference {
				sig.References = append(sig.References, name)
			} else {
				sig.Names = append(sig.Names, name)
			}
			i++

		case strings.HasPrefix(field, "("):
			// explicit tail byte: (OFFSET: VALUE), possibly split across fields.
			group := field
			for !strings.HasSuffix(group, ")") {
				i++
				if i >= len(fields) {
					return sig, fmt.Errorf("unterminated tail byte: %q", group)
				}
				group += fields[i]
			}
			tb, e := parseTailGroup(group)
			if e != nil {
				return sig, e
			}
			sig.TailBytes = append(sig.TailBytes, tb)

		default:
			// trailing bytes follow the checksummed region.
			if i != len(fields)-1 {
				return sig, fmt.Errorf("unexpected field: %q", field)
			}
			tail, e := parsePatternHex(field)
			if e != nil {
				return sig, e
			}
			base := uint64(sig.Pattern.Len()) + uint64(sig.CRCLength)
			for j, b := range tail.Bytes {
				if tail.Wildcards[j] {
					continue
				}
				sig.TailBytes = append(sig.TailBytes, TailByte{Offset: base + uint64(j), Value: b})
			}
		}
	}

	return sig, nil
}

// parsePatternHex parses hex bytes where `..` is a wildcard.
func parsePatternHex(s string) (Pattern, error) {
	if len(s)%2 != 0 {
		return Pattern{}, fmt.Errorf("odd pattern length: %q", s)
	}

	p := Pattern{
		Bytes:     make([]byte, len(s)/2),
		Wildcards: make([]bool, len(s)/2),
	}
	for i := 0; i < len(s); i += 2 {
		pair := s[i : i+2]
		if pair == ".." {
			p.Wildcards[i/2] = true
			continue
		}
		b, e := hex.DecodeString(pair)
		if e != nil {
			return Pattern{}, fmt.Errorf("invalid pattern byte: %q", pair)
		}
		p.Bytes[i/2] = b[0]
	}
	return p, nil
}

// parsePatName parses `:0000 name`, `:0000@ name`, or `^0000 name`.
func parsePatName(field string, name string) (Name, error) {
	n := Name{Name: name, Type: NamePublic}
	if field[0] == '^' {
		n.Type = NameReference
	}

	off := field[1:]
	if strings.HasSuffix(off, "@") {
		off = strings.TrimSuffix(off, "@")
		n.Type = NameLocal
	}

	v, e := strconv.ParseInt(off, 16, 64)
	if e != nil {
		return n, fmt.Errorf("invalid name offset: %q", field)
	}
	n.Offset = v
	return n, nil
}

func parseTailGroup(group string) (TailByte, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(group, "("), ")")
	off, val, ok := strings.Cut(inner, ":")
	if !ok {
		return TailByte{}, fmt.Errorf("invalid tail byte: %q", group)
	}
	o, e := strconv.ParseUint(strings.TrimSpace(off), 16, 64)
	if e != nil {
		return TailByte{}, fmt.Errorf("invalid tail byte offset: %q", group)
	}
	v, e := strconv.ParseUint(strings.TrimSpace(val), 16, 8)
	if e != nil {
		return TailByte{}, fmt.Errorf("invalid tail byte value: %q", group)
	}
	return TailByte{Offset: o, Value: byte(v)}, nil
}
