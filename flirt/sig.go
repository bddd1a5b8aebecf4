package flirt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const sigMagic = "IDASGN"

// .sig header feature flags.
const (
	FeatureStartup    = 0x01
	FeatureCtype      = 0x02
	Feature2Byte      = 0x04
	FeatureAltCtype   = 0x08
	FeatureCompressed = 0x10
	FeatureCtypeCRC   = 0x20
)

// leaf parse flags, as the terminator of a name list.
const (
	parseMorePublicNames     = 0x01
	parseReadTailBytes       = 0x02
	parseReadReferencedNames = 0x04
	parseMoreModulesSameCRC  = 0x08
	parseMoreModules         = 0x10
)

// public name flags.
const (
	functionLocal               = 0x02
	functionUnresolvedCollision = 0x08
)

const maxNameLength = 1024

// SigHeader is the fixed header of a .sig file.
type SigHeader struct {
	Version       uint8
	Arch          uint8
	FileTypes     uint32
	OSTypes       uint16
	AppTypes      uint16
	Features      uint16
	OldNFunctions uint16
	CRC16         uint16
	Ctype         [12]byte
	CtypesCRC16   uint16
	NFunctions    uint32
	PatternSize   uint16
	LibraryName   string
}

// SigFile is a parsed .sig file.
type SigFile struct {
	Header     SigHeader
	Signatures []Signature
}

// ParseSig parses the binary .sig format.
func ParseSig(buf []byte, source string) ([]Signature, error) {
	f, e := ParseSigFile(buf, source)
	if e != nil {
		return nil, e
	}
	return f.Signatures, nil
}

func ParseSigFile(buf []byte, source string) (*SigFile, error) {
	r := bytes.NewReader(buf)
	fail := func(msg string, args ...interface{}) error {
		return &ParseError{Source: source, Offset: -1, Msg: fmt.Sprintf(msg, args...)}
	}

	magic := make([]byte, len(sigMagic))
	if _, e := io.ReadFull(r, magic); e != nil || string(magic) != sigMagic {
		return nil, fail("bad magic")
	}

	var h SigHeader
	var fixed struct {
		Version       uint8
		Arch          uint8
		FileTypes     uint32
		OSTypes       uint16
		AppTypes      uint16
		Features      uint16
		OldNFunctions uint16
		CRC16         uint16
		Ctype         [12]byte
		NameLength    uint8
		CtypesCRC16   uint16
	}
	if e := binary.Read(r, binary.LittleEndian, &fixed); e != nil {
		return nil, fail("truncated header")
	}
	h.Version = fixed.Version
	h.Arch = fixed.Arch
	h.FileTypes = fixed.FileTypes
	h.OSTypes = fixed.OSTypes
	h.AppTypes = fixed.AppTypes
	h.Features = fixed.Features
	h.OldNFunctions = fixed.OldNFunctions
	h.CRC16 = fixed.CRC16
	h.Ctype = fixed.Ctype
	h.CtypesCRC16 = fixed.CtypesCRC16
	h.NFunctions = uint32(fixed.OldNFunctions)

	if h.Version < 5 || h.Version > 10 {
		return nil, fail("unsupported version: %d", h.Version)
	}

	if h.Version >= 6 {
		if e := binary.Read(r, binary.LittleEndian, &h.NFunctions); e != nil {
			return nil, fail("truncated header")
		}
	}
	if h.Version >= 8 {
		if e := binary.Read(r, binary.LittleEndian, &h.PatternSize); e != nil {
			return nil, fail("truncated header")
		}
	}
	if h.Version > 9 {
		var unknown uint16
		if e := binary.Read(r, binary.LittleEndian, &unknown); e != nil {
			return nil, fail("truncated header")
		}
	}

	name := make([]byte, fixed.NameLength)
	if _, e := io.ReadFull(r, name); e != nil {
		return nil, fail("truncated library name")
	}
	h.LibraryName = string(name)

	body := buf[len(buf)-r.Len():]
	if h.Features&FeatureCompressed != 0 {
		var dec io.ReadCloser
		if h.Version == 5 || h.Version == 6 {
			dec = flate.NewReader(bytes.NewReader(body))
		} else {
			var e error
			dec, e = zlib.NewReader(bytes.NewReader(body))
			if e != nil {
				return nil, fail("bad compressed body: %v", e)
			}
		}
		defer dec.Close()

		inflated, e := io.ReadAll(dec)
		if e != nil {
			return nil, fail("bad compressed body: %v", e)
		}
		body = inflated
	}

	logrus.Debugf("sig: %s: version %d, library %q, %d functions", source, h.Version, h.LibraryName, h.NFunctions)

	p := &sigParser{
		buf:     body,
		version: h.Version,
	}
	if e := p.parseTree(nil, nil); e != nil {
		var pe *parseFailure
		if errors.As(e, &pe) {
			return nil, &ParseError{Source: source, Offset: pe.offset, Msg: pe.msg}
		}
		return nil, e
	}

	return &SigFile{
		Header:     h,
		Signatures: p.sigs,
	}, nil
}

type parseFailure struct {
	offset int64
	msg    string
}

func (e *parseFailure) Error() string {
	return fmt.Sprintf("0x%x: %s", e.offset, e.msg)
}

// sigParser walks the prefix tree in the body of a .sig file.
type sigParser struct {
	buf     []byte
	off     int
	version uint8
	sigs    []Signature
}

func (p *sigParser) fail(msg string, args ...interface{}) error {
	return &parseFailure{offset: int64(p.off), msg: fmt.Sprintf(msg, args...)}
}

func (p *sigParser) readByte() (byte, error) {
	if p.off >= len(p.buf) {
		return 0, p.fail("unexpected end of data")
	}
	b := p.buf[p.off]
	p.off++
	return b, nil
}

func (p *sigParser) readShort() (uint32, error) {
	hi, e := p.readByte()
	if e != nil {
		return 0, e
	}
	lo, e := p.readByte()
	if e != nil {
		return 0, e
	}
	return uint32(hi)<<8 | uint32(lo), nil
}

func (p *sigParser) readWord() (uint32, error) {
	hi, e := p.readShort()
	if e != nil {
		return 0, e
	}
	lo, e := p.readShort()
	if e != nil {
		return 0, e
	}
	return hi<<16 | lo, nil
}

// readMax2Bytes reads a one or two byte big-endian integer.
func (p *sigParser) readMax2Bytes() (uint32, error) {
	b, e := p.readByte()
	if e != nil {
		return 0, e
	}
	if b&0x80 == 0 {
		return uint32(b), nil
	}
	lo, e := p.readByte()
	if e != nil {
		return 0, e
	}
	return uint32(b&0x7F)<<8 | uint32(lo), nil
}

// readMultipleBytes reads a one to five byte big-endian integer.
func (p *sigParser) readMultipleBytes() (uint32, error) {
	b, e := p.readByte()
	if e != nil {
		return 0, e
	}
	switch {
	case b&0x80 != 0x80:
		return uint32(b), nil
	case b&0xC0 != 0xC0:
		lo, e := p.readByte()
		if e != nil {
			return 0, e
		}
		return uint32(b&0x7F)<<8 | uint32(lo), nil
	case b&0xE0 != 0xE0:
		mid, e := p.readByte()
		if e != nil {
			return 0, e
		}
		lo, e := p.readShort()
		if e != nil {
			return 0, e
		}
		return uint32(b&0x3F)<<24 | uint32(mid)<<16 | lo, nil
	default:
		return p.readWord()
	}
}

// readOffset reads an integer whose width depends on the file version.
func (p *sigParser) readOffset() (uint32, error) {
	if p.version >= 9 {
		return p.readMultipleBytes()
	}
	return p.readMax2Bytes()
}

func (p *sigParser) readVariantMask(length int) (uint64, error) {
	switch {
	case length < 0x10:
		v, e := p.readMax2Bytes()
		return uint64(v), e
	case length <= 0x20:
		v, e := p.readMultipleBytes()
		return uint64(v), e
	case length <= 0x40:
		hi, e := p.readMultipleBytes()
		if e != nil {
			return 0, e
		}
		lo, e := p.readMultipleBytes()
		if e != nil {
			return 0, e
		}
		return uint64(hi)<<32 | uint64(lo), nil
	default:
		return 0, p.fail("node too long: 0x%x", length)
	}
}

// parseTree parses a node's children, or its leaf modules.
// prefix is the pattern accumulated from the root to this node.
func (p *sigParser) parseTree(prefix []byte, wildcards []bool) error {
	count, e := p.readMax2Bytes()
	if e != nil {
		return e
	}
	if count == 0 {
		return p.parseLeaf(prefix, wildcards)
	}

	for i := uint32(0); i < count; i++ {
		l, e := p.readByte()
		if e != nil {
			return e
		}
		length := int(l)

		mask, e := p.readVariantMask(length)
		if e != nil {
			return e
		}

		pattern := make([]byte, len(prefix), len(prefix)+length)
		copy(pattern, prefix)
		wild := make([]bool, len(wildcards), len(wildcards)+length)
		copy(wild, wildcards)

		for j := 0; j < length; j++ {
			if mask&(uint64(1)<<uint(length-j-1)) != 0 {
				pattern = append(pattern, 0)
				wild = append(wild, true)
				continue
			}
			b, e := p.readByte()
			if e != nil {
				return e
			}
			pattern = append(pattern, b)
			wild = append(wild, false)
		}

		if e := p.parseTree(pattern, wild); e != nil {
			return e
		}
	}
	return nil
}

func (p *sigParser) parseLeaf(pattern []byte, wildcards []bool) error {
	var flags byte
	for {
		crcLen, e := p.readByte()
		if e != nil {
			return e
		}
		crc, e := p.readShort()
		if e != nil {
			return e
		}

		for {
			sig := Signature{
				Pattern:   Pattern{Bytes: pattern, Wildcards: wildcards},
				CRCLength: crcLen,
				CRC16:     uint16(crc),
			}

			size, e := p.readOffset()
			if e != nil {
				return e
			}
			sig.Size = uint64(size)

			flags, e = p.parsePublicNames(&sig)
			if e != nil {
				return e
			}
			if flags&parseReadTailBytes != 0 {
				if e := p.parseTailBytes(&sig); e != nil {
					return e
				}
			}
			if flags&parseReadReferencedNames != 0 {
				if e := p.parseReferencedNames(&sig); e != nil {
					return e
				}
			}

			p.sigs = append(p.sigs, sig)

			if flags&parseMoreModulesSameCRC == 0 {
				break
			}
		}

		if flags&parseMoreModules == 0 {
			return nil
		}
	}
}

// parsePublicNames reads the public names of a module and returns the terminating flags.
func (p *sigParser) parsePublicNames(sig *Signature) (byte, error) {
	var offset int64
	for {
		delta, e := p.readOffset()
		if e != nil {
			return 0, e
		}
		offset += int64(delta)

		b, e := p.readByte()
		if e != nil {
			return 0, e
		}

		nameType := NamePublic
		if b < 0x20 {
			if b&functionLocal != 0 {
				nameType = NameLocal
			}
			if b&functionUnresolvedCollision != 0 {
				logrus.Debugf("sig: unresolved collision at 0x%x", p.off)
			}
			b, e = p.readByte()
			if e != nil {
				return 0, e
			}
		}

		var name []byte
		for b >= 0x20 {
			if len(name) >= maxNameLength {
				return 0, p.fail("name too long")
			}
			name = append(name, b)
			b, e = p.readByte()
			if e != nil {
				return 0, e
			}
		}

		sig.Names = append(sig.Names, Name{Offset: offset, Name: string(name), Type: nameType})

		if b&parseMorePublicNames == 0 {
			return b, nil
		}
	}
}

func (p *sigParser) readCount() (int, error) {
	if p.version >= 8 {
		n, e := p.readByte()
		return int(n), e
	}
	return 1, nil
}

// parseTailBytes reads tail bytes, whose offsets are relative to the end of the checksummed region.
func (p *sigParser) parseTailBytes(sig *Signature) error {
	n, e := p.readCount()
	if e != nil {
		return e
	}
	base := uint64(sig.Pattern.Len()) + uint64(sig.CRCLength)
	for i := 0; i < n; i++ {
		off, e := p.readOffset()
		if e != nil {
			return e
		}
		v, e := p.readByte()
		if e != nil {
			return e
		}
		sig.TailBytes = append(sig.TailBytes, TailByte{Offset: base + uint64(off), Value: v})
	}
	return nil
}

func (p *sigParser) parseReferencedNames(sig *Signature) error {
	n, e := p.readCount()
	if e != nil {
		return e
	}
	for i := 0; i < n; i++ {
		off, e := p.readOffset()
		if e != nil {
			return e
		}

		l, e := p.readByte()
		if e != nil {
			return e
		}
		length := uint32(l)
		if length == 0 {
			length, e = p.readMultipleBytes()
			if e != nil {
				return e
			}
		}
		if length > maxNameLength || p.off+int(length) > len(p.buf) {
			return p.fail("bad reference name length: %d", length)
		}
		name := p.buf[p.off : p.off+int(length)]
		p.off += int(length)

		offset := int64(off)
		// a trailing NUL marks a negative offset.
		if len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
			offset = -offset
		}

		sig.References = append(sig.References, Name{Offset: offset, Name: string(name), Type: NameReference})
	}
	return nil
}
