package emulator

import (
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// StaticEmulator tracks the program counter and stack pointer only.
// It follows direct jumps, pops on return, and falls through everything else,
// which is enough to walk every path of a function.
type StaticEmulator struct {
	// reference:
	ws *W.Workspace

	// own:
	mem     *AS.OverlayAddressSpace
	ptrSize int
	pc      AS.VA
	sp      AS.VA
	retval  uint64
}

type staticSnapshot struct {
	emu    *StaticEmulator
	mem    *AS.MemorySnapshot
	pc     AS.VA
	sp     AS.VA
	retval uint64
}

func NewStaticEmulator(ws *W.Workspace) (*StaticEmulator, error) {
	logrus.Debug("emulator: new static emulator")
	mem, e := AS.NewOverlayAddressSpace(ws)
	if e != nil {
		return nil, e
	}

	e = mem.MemMap(StackAddress-AS.VA(StackSize/2), StackSize, AS.PermRead|AS.PermWrite, "stack")
	if e != nil {
		return nil, e
	}

	return &StaticEmulator{
		ws:      ws,
		mem:     mem,
		ptrSize: ws.PointerSize(),
		sp:      StackAddress,
	}, nil
}

func (emu *StaticEmulator) Close() error {
	logrus.Debug("emulator: close")
	return emu.mem.Close()
}

func (emu *StaticEmulator) GetProgramCounter() AS.VA {
	return emu.pc
}

func (emu *StaticEmulator) SetProgramCounter(va AS.VA) error {
	emu.pc = va
	return nil
}

func (emu *StaticEmulator) GetStackPointer() AS.VA {
	return emu.sp
}

func (emu *StaticEmulator) SetStackPointer(va AS.VA) error {
	emu.sp = va
	return nil
}

func (emu *StaticEmulator) PointerSize() int {
	return emu.ptrSize
}

// ReturnValue is the value most recently returned by a skipped call.
func (emu *StaticEmulator) ReturnValue() uint64 {
	return emu.retval
}

func (emu *StaticEmulator) MemRead(va AS.VA, length uint64) ([]byte, error) {
	return emu.mem.MemRead(va, length)
}

func (emu *StaticEmulator) MemWrite(va AS.VA, data []byte) error {
	return emu.mem.MemWrite(va, data)
}

func (emu *StaticEmulator) push(va AS.VA) error {
	emu.sp = AS.VA(uint64(emu.sp) - uint64(emu.ptrSize))
	buf := make([]byte, emu.ptrSize)
	for i := 0; i < emu.ptrSize; i++ {
		buf[i] = byte(uint64(va) >> (8 * uint(i)))
	}
	return emu.mem.MemWrite(emu.sp, buf)
}

func (emu *StaticEmulator) pop() (AS.VA, error) {
	va, e := AS.MemReadPointer(emu.mem, emu.sp, emu.ptrSize)
	if e != nil {
		return 0, e
	}
	emu.sp = emu.sp.Add(uint64(emu.ptrSize))
	return va, nil
}

// target computes where a transfer goes, when that is knowable without registers.
func (emu *StaticEmulator) target(op *disassembly.OpCode) (AS.VA, bool) {
	for _, br := range op.Branches {
		if br.Flags&disassembly.BranchTable != 0 {
			continue
		}
		if br.Flags&disassembly.BranchDeref != 0 {
			ptr, e := AS.MemReadPointer(emu.mem, br.To, emu.ptrSize)
			if e != nil {
				continue
			}
			return ptr, true
		}
		return br.To, true
	}
	return 0, false
}

func (emu *StaticEmulator) Step(op *disassembly.OpCode) error {
	switch {
	case op.IsReturn():
		va, e := emu.pop()
		if e != nil {
			return e
		}
		emu.pc = va

	case op.IsCall():
		if e := emu.push(op.Fallthrough()); e != nil {
			return e
		}
		if va, ok := emu.target(op); ok {
			emu.pc = va
		} else {
			emu.pc = op.Fallthrough()
		}

	case op.IsNoFall() && op.HasFlag(disassembly.InsnPriv):
		return ErrHalted

	case op.IsNoFall():
		// unresolved indirect jumps leave the program counter in place.
		if va, ok := emu.target(op); ok {
			emu.pc = va
		}

	default:
		// conditional branches are not evaluated.
		emu.pc = op.Fallthrough()
	}
	return nil
}

func (emu *StaticEmulator) SkipCall(op *disassembly.OpCode, retval uint64, stackCleanup uint64) error {
	emu.retval = retval
	if op.IsCall() {
		emu.pc = op.Fallthrough()
	} else {
		// a jump into an API returns to our caller.
		va, e := emu.pop()
		if e != nil {
			return e
		}
		emu.pc = va
	}
	emu.sp = emu.sp.Add(stackCleanup)
	return nil
}

func (emu *StaticEmulator) Snapshot() (Snapshot, error) {
	mem, e := emu.mem.Snapshot()
	if e != nil {
		return nil, e
	}
	return &staticSnapshot{
		emu:    emu,
		mem:    mem,
		pc:     emu.pc,
		sp:     emu.sp,
		retval: emu.retval,
	}, nil
}

func (emu *StaticEmulator) Restore(snap Snapshot) error {
	s, ok := snap.(*staticSnapshot)
	if !ok || s.emu != emu {
		return ErrInvalidSnapshot
	}
	if e := emu.mem.Revert(s.mem); e != nil {
		return e
	}
	emu.pc = s.pc
	emu.sp = s.sp
	emu.retval = s.retval
	return nil
}
