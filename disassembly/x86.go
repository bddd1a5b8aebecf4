package disassembly

import (
	"strings"

	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
	"golang.org/x/arch/x86/x86asm"
)

// X86Decoder decodes x86 and x86-64 with golang.org/x/arch.
type X86Decoder struct {
	arch Arch
	mode int
}

func NewX86Decoder(arch Arch) (*X86Decoder, error) {
	switch arch {
	case ARCH_X86:
		return &X86Decoder{arch: arch, mode: 32}, nil
	case ARCH_X64:
		return &X86Decoder{arch: arch, mode: 64}, nil
	default:
		return nil, InvalidArchError
	}
}

// string instructions honor the rep prefixes.
var repeatableMnemonics = map[string]bool{
	"movsb": true, "movsw": true, "movsd": true, "movsq": true,
	"stosb": true, "stosw": true, "stosd": true, "stosq": true,
	"lodsb": true, "lodsw": true, "lodsd": true, "lodsq": true,
	"scasb": true, "scasw": true, "scasd": true, "scasq": true,
	"cmpsb": true, "cmpsw": true, "cmpsd": true, "cmpsq": true,
	"insb": true, "insw": true, "insd": true,
	"outsb": true, "outsw": true, "outsd": true,
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

func (d *X86Decoder) Decode(buf []byte, va AS.VA) (*OpCode, error) {
	insn, e := x86asm.Decode(buf, d.mode)
	if e != nil {
		return nil, errors.Wrapf(ErrFailedToDisassembleInstruction, "%s: %s", va, e.Error())
	}

	mnem := strings.ToLower(insn.Op.String())
	bytes := make([]byte, insn.Len)
	copy(bytes, buf[:insn.Len])

	op := &OpCode{
		VA:       va,
		Size:     uint64(insn.Len),
		Mnemonic: mnem,
		Text:     x86asm.IntelSyntax(insn, uint64(va), nil),
		Bytes:    bytes,
	}

	for _, p := range insn.Prefix {
		if p == 0 {
			break
		}
		if (p&0xFF == x86asm.PrefixREP || p&0xFF == x86asm.PrefixREPN) && repeatableMnemonics[mnem] {
			op.Flags |= InsnRepeat
		}
	}

	switch {
	case insn.Op == x86asm.RET || insn.Op == x86asm.LRET || insn.Op == x86asm.IRET ||
		insn.Op == x86asm.IRETD || insn.Op == x86asm.IRETQ:
		op.Flags |= InsnRet | InsnNoFall
	case insn.Op == x86asm.HLT:
		op.Flags |= InsnNoFall | InsnPriv
	case insn.Op == x86asm.JMP || insn.Op == x86asm.LJMP:
		op.Flags |= InsnBranch | InsnNoFall
		d.addTarget(op, insn, 0)
	case insn.Op == x86asm.CALL || insn.Op == x86asm.LCALL:
		op.Flags |= InsnCall
		d.addTarget(op, insn, BranchProc)
	case isConditionalJump(insn.Op):
		op.Flags |= InsnBranch | InsnCond
		d.addTarget(op, insn, BranchCond)
	}

	return op, nil
}

func (d *X86Decoder) addr(disp int64) AS.VA {
	if d.mode == 32 {
		return AS.VA(uint32(disp))
	}
	return AS.VA(uint64(disp))
}

func (d *X86Decoder) addTarget(op *OpCode, insn x86asm.Inst, flags BranchFlags) {
	switch arg := insn.Args[0].(type) {
	case x86asm.Rel:
		to := d.addr(int64(op.VA) + int64(insn.Len) + int64(arg))
		op.Branches = append(op.Branches, Branch{To: to, Flags: flags})
	case x86asm.Mem:
		switch {
		case arg.Base == x86asm.RIP:
			to := AS.VA(int64(op.VA) + int64(insn.Len) + arg.Disp)
			op.Branches = append(op.Branches, Branch{To: to, Flags: flags | BranchDeref})
		case arg.Base == 0 && arg.Index == 0:
			// jmp [0x401000]
			op.Branches = append(op.Branches, Branch{To: d.addr(arg.Disp), Flags: flags | BranchDeref})
		case arg.Base == 0 && (arg.Scale == 4 || arg.Scale == 8) && flags&BranchProc == 0:
			// jmp [0x401000+eax*4]
			op.Branches = append(op.Branches, Branch{To: d.addr(arg.Disp), Flags: flags | BranchDeref | BranchTable})
		default:
			op.Flags |= InsnIndirect
		}
	default:
		// registers and far pointers.
		op.Flags |= InsnIndirect
	}
}
