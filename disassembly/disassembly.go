// TODO: consider renaming to "disassembler"
package disassembly

import (
	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
)

const MAX_INSN_SIZE = 0x10

var ErrFailedToDisassembleInstruction = errors.New("Failed to disassemble an instruction")

// ErrFailedToResolveJumpTarget is an error to be returned when the target
// of a jump cannot be computed.
// For example, in an indirect jump, during non-emulation-based analysis.
var ErrFailedToResolveJumpTarget = errors.New("Failed to resolve jump target")

// readCodeBytes fetches up to MAX_INSN_SIZE bytes at the given address,
// fewer when the address is near the end of its memory region.
func readCodeBytes(as AS.AddressSpace, va AS.VA) ([]byte, error) {
	for length := uint64(MAX_INSN_SIZE); length > 0; length-- {
		d, e := as.MemRead(va, length)
		if e == nil {
			return d, nil
		}
		if e != AS.MemoryMapOverrun {
			return nil, AS.ErrInvalidMemoryRead
		}
	}
	return nil, AS.ErrInvalidMemoryRead
}

// ReadInstruction fetches bytes from the provided address space at the given
// address and parses them into a single instruction instance.
func ReadInstruction(dis Decoder, as AS.AddressSpace, va AS.VA) (*OpCode, error) {
	d, e := readCodeBytes(as, va)
	if e != nil {
		return nil, errors.Wrapf(e, "read instruction at %s", va)
	}
	return dis.Decode(d, va)
}

func GetInstructionLength(dis Decoder, as AS.AddressSpace, va AS.VA) (uint64, error) {
	op, e := ReadInstruction(dis, as, va)
	if e != nil {
		return 0, e
	}
	return op.Size, nil
}

// GetJumpTarget gets the address to which a known jump instruction
// transfers control.
// If the instruction is a conditional jump, then this function returns
// the "jump is taken" target.
// Dereferenced and table targets are not code addresses, so they
// are reported as unresolvable.
func GetJumpTarget(op *OpCode) (AS.VA, error) {
	for _, br := range op.Branches {
		if br.Flags&(BranchProc|BranchDeref) != 0 {
			continue
		}
		return br.To, nil
	}
	return AS.VA(0), ErrFailedToResolveJumpTarget
}

// IterateInstructions decodes instructions linearly from the given address
// until the callback returns false or decoding fails.
func IterateInstructions(dis Decoder, as AS.AddressSpace, va AS.VA, f func(op *OpCode) (bool, error)) error {
	for {
		op, e := ReadInstruction(dis, as, va)
		if e != nil {
			return e
		}
		ok, e := f(op)
		if e != nil {
			return e
		}
		if !ok {
			return nil
		}
		va = op.Fallthrough()
	}
}
