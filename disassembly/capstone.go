//go:build capstone

package disassembly

import (
	"github.com/bnagy/gapstone"
	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
)

func init() {
	RegisterDecoder("capstone", func(arch Arch) (Decoder, error) {
		return NewCapstoneDecoder(arch)
	})
}

// CapstoneDecoder decodes with the capstone engine.
type CapstoneDecoder struct {
	engine *gapstone.Engine
	arch   Arch
}

func NewCapstoneDecoder(arch Arch) (*CapstoneDecoder, error) {
	var mode uint
	switch arch {
	case ARCH_X86:
		mode = gapstone.CS_MODE_32
	case ARCH_X64:
		mode = gapstone.CS_MODE_64
	default:
		return nil, InvalidArchError
	}

	engine, e := gapstone.New(gapstone.CS_ARCH_X86, mode)
	if e != nil {
		return nil, e
	}
	e = engine.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON)
	if e != nil {
		return nil, e
	}

	return &CapstoneDecoder{
		engine: &engine,
		arch:   arch,
	}, nil
}

func (d *CapstoneDecoder) Close() error {
	return d.engine.Close()
}

func doesInstructionHaveGroup(i gapstone.Instruction, group uint) bool {
	for _, g := range i.Groups {
		if group == g {
			return true
		}
	}
	return false
}

func (d *CapstoneDecoder) addr(v int64) AS.VA {
	if d.arch == ARCH_X86 {
		return AS.VA(uint32(v))
	}
	return AS.VA(uint64(v))
}

func (d *CapstoneDecoder) Decode(buf []byte, va AS.VA) (*OpCode, error) {
	insns, e := d.engine.Disasm(buf, uint64(va), 1)
	if e != nil || len(insns) == 0 {
		return nil, errors.Wrapf(ErrFailedToDisassembleInstruction, "%s", va)
	}
	insn := insns[0]

	op := &OpCode{
		VA:       va,
		Size:     uint64(insn.Size),
		Mnemonic: insn.Mnemonic,
		Text:     insn.Mnemonic + " " + insn.OpStr,
		Bytes:    insn.Bytes,
	}

	if insn.X86 == nil {
		return op, nil
	}

	for _, p := range insn.X86.Prefix {
		if (p == gapstone.X86_PREFIX_REP || p == gapstone.X86_PREFIX_REPNE) && repeatableMnemonics[insn.Mnemonic] {
			op.Flags |= InsnRepeat
		}
	}

	var flags BranchFlags
	switch {
	case doesInstructionHaveGroup(insn, gapstone.X86_GRP_RET) || doesInstructionHaveGroup(insn, gapstone.X86_GRP_IRET):
		op.Flags |= InsnRet | InsnNoFall
		return op, nil
	case insn.Mnemonic == "hlt":
		op.Flags |= InsnNoFall | InsnPriv
		return op, nil
	case doesInstructionHaveGroup(insn, gapstone.X86_GRP_CALL):
		op.Flags |= InsnCall
		flags = BranchProc
	case doesInstructionHaveGroup(insn, gapstone.X86_GRP_JUMP) && (insn.Mnemonic == "jmp" || insn.Mnemonic == "ljmp"):
		op.Flags |= InsnBranch | InsnNoFall
	case doesInstructionHaveGroup(insn, gapstone.X86_GRP_JUMP):
		op.Flags |= InsnBranch | InsnCond
		flags = BranchCond
	default:
		return op, nil
	}

	if len(insn.X86.Operands) == 0 {
		op.Flags |= InsnIndirect
		return op, nil
	}

	operand := insn.X86.Operands[0]
	switch operand.Type {
	case gapstone.X86_OP_IMM:
		op.Branches = append(op.Branches, Branch{To: d.addr(operand.Imm), Flags: flags})
	case gapstone.X86_OP_MEM:
		mem := operand.Mem
		switch {
		case mem.Base == gapstone.X86_REG_RIP:
			to := AS.VA(int64(va) + int64(insn.Size) + mem.Disp)
			op.Branches = append(op.Branches, Branch{To: to, Flags: flags | BranchDeref})
		case mem.Base == gapstone.X86_REG_INVALID && mem.Index == gapstone.X86_REG_INVALID:
			op.Branches = append(op.Branches, Branch{To: d.addr(mem.Disp), Flags: flags | BranchDeref})
		case mem.Base == gapstone.X86_REG_INVALID && (mem.Scale == 4 || mem.Scale == 8) && flags&BranchProc == 0:
			op.Branches = append(op.Branches, Branch{To: d.addr(mem.Disp), Flags: flags | BranchDeref | BranchTable})
		default:
			op.Flags |= InsnIndirect
		}
	default:
		op.Flags |= InsnIndirect
	}

	return op, nil
}
