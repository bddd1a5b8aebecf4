package disassembly

import (
	"fmt"

	AS "github.com/williballenthin/vivutils/address_space"
)

// BranchFlags describe a single control-transfer edge.
// The values match vivisect's envi BR_* constants.
type BranchFlags uint32

const (
	// BranchProc marks a procedure call target.
	BranchProc BranchFlags = 1 << iota
	// BranchCond marks the taken edge of a conditional branch.
	BranchCond
	// BranchDeref means the target is the address of a pointer to the real target.
	BranchDeref
	// BranchTable means the target is the base of a branch table.
	BranchTable
	// BranchFall marks a fallthrough edge.
	// Decoders never emit it; see workspace.GetAllXrefsFrom.
	BranchFall
)

func (f BranchFlags) String() string {
	s := ""
	add := func(flag BranchFlags, name string) {
		if f&flag != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(BranchProc, "PROC")
	add(BranchCond, "COND")
	add(BranchDeref, "DEREF")
	add(BranchTable, "TABLE")
	add(BranchFall, "FALL")
	if s == "" {
		return "NONE"
	}
	return s
}

// InstructionFlags describe the instruction as a whole.
type InstructionFlags uint32

const (
	InsnNoFall InstructionFlags = 1 << iota
	InsnPriv
	InsnCall
	InsnBranch
	InsnRet
	InsnCond
	InsnRepeat
	// InsnIndirect marks a branch whose target cannot be computed statically,
	// like `jmp eax` or `jmp [ebx+4]`.
	InsnIndirect
)

type Branch struct {
	To    AS.VA
	Flags BranchFlags
}

// OpCode is a decoded instruction.
type OpCode struct {
	VA       AS.VA
	Size     uint64
	Mnemonic string
	// Text is the rendered instruction, like `mov eax, 0x1`.
	Text     string
	Bytes    []byte
	Flags    InstructionFlags
	Branches []Branch
}

func (op *OpCode) String() string {
	return fmt.Sprintf("%s: %s", op.VA, op.Text)
}

func (op *OpCode) Fallthrough() AS.VA {
	return op.VA.Add(op.Size)
}

func (op *OpCode) GetBranches() []Branch {
	return op.Branches
}

func (op *OpCode) HasFlag(flag InstructionFlags) bool {
	return op.Flags&flag != 0
}

func (op *OpCode) IsCall() bool {
	return op.HasFlag(InsnCall)
}

func (op *OpCode) IsReturn() bool {
	return op.HasFlag(InsnRet)
}

func (op *OpCode) IsNoFall() bool {
	return op.HasFlag(InsnNoFall)
}

func (op *OpCode) IsConditional() bool {
	return op.HasFlag(InsnCond)
}

func (op *OpCode) IsRepeat() bool {
	return op.HasFlag(InsnRepeat)
}

func (op *OpCode) IsIndirect() bool {
	return op.HasFlag(InsnIndirect)
}

// IsTableBranch returns true when any branch of the instruction is flagged as a table dispatch.
func (op *OpCode) IsTableBranch() bool {
	for _, br := range op.Branches {
		if br.Flags&BranchTable != 0 {
			return true
		}
	}
	return false
}

// EndsBasicBlock returns true when control does not simply continue
// at the next instruction. Calls do not end a block.
func (op *OpCode) EndsBasicBlock() bool {
	if op.IsCall() {
		return false
	}
	return op.HasFlag(InsnNoFall | InsnBranch | InsnRet)
}
