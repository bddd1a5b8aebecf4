package disassembly

import (
	"sort"

	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
)

type Arch string

const ARCH_X86 Arch = "i386"
const ARCH_X64 Arch = "amd64"

var InvalidArchError = errors.New("Invalid ARCH provided.")
var ErrUnknownDecoder = errors.New("Unknown decoder backend")

// PointerSize returns the width of a pointer, in bytes, for the given architecture.
func PointerSize(arch Arch) (int, error) {
	switch arch {
	case ARCH_X86:
		return 4, nil
	case ARCH_X64:
		return 8, nil
	default:
		return 0, InvalidArchError
	}
}

// Decoder parses the bytes found at an address into a single instruction.
// Implementations never report the fallthrough edge.
type Decoder interface {
	Decode(buf []byte, va AS.VA) (*OpCode, error)
}

type DecoderFactory func(arch Arch) (Decoder, error)

const DefaultDecoder = "x86asm"

var decoders = map[string]DecoderFactory{
	DefaultDecoder: func(arch Arch) (Decoder, error) {
		return NewX86Decoder(arch)
	},
}

// RegisterDecoder makes a decoder backend available by name.
// Backends that need cgo register themselves from build-tagged files.
func RegisterDecoder(name string, factory DecoderFactory) {
	decoders[name] = factory
}

// NewDecoder constructs the named decoder backend.
// The empty name selects the default.
func NewDecoder(name string, arch Arch) (Decoder, error) {
	if name == "" {
		name = DefaultDecoder
	}
	factory, ok := decoders[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDecoder, "decoder %q", name)
	}
	return factory(arch)
}

// Decoders lists the registered backend names.
func Decoders() []string {
	ret := make([]string, 0, len(decoders))
	for name := range decoders {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}
