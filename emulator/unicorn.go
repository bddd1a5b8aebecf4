//go:build unicorn

package emulator

import (
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// New creates the default emulator for the workspace.
func New(ws *W.Workspace) (Emulator, error) {
	return NewUnicornEmulator(ws)
}

type registers struct {
	pc  int
	sp  int
	ret int
}

var x86Registers = registers{pc: uc.X86_REG_EIP, sp: uc.X86_REG_ESP, ret: uc.X86_REG_EAX}
var x64Registers = registers{pc: uc.X86_REG_RIP, sp: uc.X86_REG_RSP, ret: uc.X86_REG_RAX}

// UnicornEmulator emulates instructions with the unicorn engine.
type UnicornEmulator struct {
	// reference:
	ws *W.Workspace

	// own:
	u         uc.Unicorn
	regs      registers
	ptrSize   int
	writeHook uc.Hook
	// page contents before the first write to the page.
	pristine map[AS.VA][]byte
}

func roundUpToPage(i uint64) uint64 {
	return (i + AS.PAGE_SIZE - 1) &^ (AS.PAGE_SIZE - 1)
}

// pageRanges covers the workspace maps with page aligned, disjoint ranges.
func pageRanges(maps []AS.MemoryRegion) []AS.MemoryRegion {
	ranges := make([]AS.MemoryRegion, 0, len(maps))
	for _, m := range maps {
		start := m.Address &^ (AS.PAGE_SIZE - 1)
		end := AS.VA(roundUpToPage(uint64(m.End())))
		ranges = append(ranges, AS.MemoryRegion{Address: start, Length: uint64(end - start), Name: m.Name})
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Address < ranges[j].Address
	})

	merged := make([]AS.MemoryRegion, 0, len(ranges))
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.Address <= merged[n-1].End() {
			if r.End() > merged[n-1].End() {
				merged[n-1].Length = uint64(r.End() - merged[n-1].Address)
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func NewUnicornEmulator(ws *W.Workspace) (*UnicornEmulator, error) {
	logrus.Debug("emulator: new unicorn emulator")

	var mode int
	var regs registers
	switch ws.Arch {
	case disassembly.ARCH_X86:
		mode, regs = uc.MODE_32, x86Registers
	case disassembly.ARCH_X64:
		mode, regs = uc.MODE_64, x64Registers
	default:
		return nil, disassembly.InvalidArchError
	}

	runtime.LockOSThread()
	u, e := uc.NewUnicorn(uc.ARCH_X86, mode)
	if e != nil {
		runtime.UnlockOSThread()
		return nil, e
	}

	emu := &UnicornEmulator{
		ws:       ws,
		u:        u,
		regs:     regs,
		ptrSize:  ws.PointerSize(),
		pristine: make(map[AS.VA][]byte),
	}

	maps, e := ws.GetMaps()
	if e != nil {
		emu.Close()
		return nil, e
	}
	for _, r := range pageRanges(maps) {
		logrus.Debugf("emulator: mem map: %s 0x%x %s", r.Address, r.Length, r.Name)
		if e := u.MemMapProt(uint64(r.Address), r.Length, uc.PROT_ALL); e != nil {
			emu.Close()
			return nil, errors.Wrapf(e, "map %s", r.Address)
		}
	}
	for _, m := range maps {
		d, e := ws.MemRead(m.Address, m.Length)
		if e != nil {
			emu.Close()
			return nil, e
		}
		if e := u.MemWrite(uint64(m.Address), d); e != nil {
			emu.Close()
			return nil, errors.Wrapf(e, "write %s", m.Address)
		}
	}

	e = u.MemMapProt(uint64(StackAddress)-StackSize/2, StackSize, uc.PROT_READ|uc.PROT_WRITE)
	if e != nil {
		emu.Close()
		return nil, errors.Wrap(e, "map stack")
	}
	emu.SetStackPointer(StackAddress)

	// record each page before its first write, so snapshots only copy touched pages.
	h, e := u.HookAdd(uc.HOOK_MEM_WRITE, func(_ uc.Unicorn, access int, addr uint64, size int, value int64) {
		for i := addr &^ (AS.PAGE_SIZE - 1); i < addr+uint64(size); i += AS.PAGE_SIZE {
			emu.markDirty(AS.VA(i))
		}
	}, 1, 0)
	if e != nil {
		emu.Close()
		return nil, e
	}
	emu.writeHook = h

	return emu, nil
}

func (emu *UnicornEmulator) markDirty(page AS.VA) {
	if _, ok := emu.pristine[page]; ok {
		return
	}
	d, e := emu.u.MemRead(uint64(page), AS.PAGE_SIZE)
	if e != nil {
		logrus.Debugf("emulator: failed to snapshot page: %s", page)
		return
	}
	emu.pristine[page] = d
}

func (emu *UnicornEmulator) Close() error {
	logrus.Debug("emulator: close")
	if emu.writeHook != 0 {
		emu.u.HookDel(emu.writeHook)
	}
	e := emu.u.Close()
	runtime.UnlockOSThread()
	return e
}

func (emu *UnicornEmulator) readReg(reg int) AS.VA {
	v, e := emu.u.RegRead(reg)
	if e != nil {
		logrus.Warnf("emulator: failed to read register: %d: %s", reg, e.Error())
	}
	return AS.VA(v)
}

func (emu *UnicornEmulator) GetProgramCounter() AS.VA {
	return emu.readReg(emu.regs.pc)
}

func (emu *UnicornEmulator) SetProgramCounter(va AS.VA) error {
	return emu.u.RegWrite(emu.regs.pc, uint64(va))
}

func (emu *UnicornEmulator) GetStackPointer() AS.VA {
	return emu.readReg(emu.regs.sp)
}

func (emu *UnicornEmulator) SetStackPointer(va AS.VA) error {
	return emu.u.RegWrite(emu.regs.sp, uint64(va))
}

func (emu *UnicornEmulator) PointerSize() int {
	return emu.ptrSize
}

func (emu *UnicornEmulator) RegRead(reg int) (uint64, error) {
	return emu.u.RegRead(reg)
}

func (emu *UnicornEmulator) RegWrite(reg int, value uint64) error {
	return emu.u.RegWrite(reg, value)
}

func (emu *UnicornEmulator) MemRead(va AS.VA, length uint64) ([]byte, error) {
	d, e := emu.u.MemRead(uint64(va), length)
	if e != nil {
		return nil, AS.ErrInvalidMemoryRead
	}
	return d, nil
}

func (emu *UnicornEmulator) MemWrite(va AS.VA, data []byte) error {
	for i := uint64(va) &^ (AS.PAGE_SIZE - 1); i < uint64(va)+uint64(len(data)); i += AS.PAGE_SIZE {
		emu.markDirty(AS.VA(i))
	}
	if e := emu.u.MemWrite(uint64(va), data); e != nil {
		return AS.ErrInvalidMemoryWrite
	}
	return nil
}

func translateError(e error) error {
	switch e := e.(type) {
	case uc.UcError:
		switch e {
		case uc.ERR_FETCH_UNMAPPED:
			return AS.ErrInvalidMemoryExec
		case uc.ERR_READ_UNMAPPED:
			return AS.ErrInvalidMemoryRead
		case uc.ERR_WRITE_UNMAPPED:
			return AS.ErrInvalidMemoryWrite
		}
	}
	return e
}

func (emu *UnicornEmulator) Step(op *disassembly.OpCode) error {
	pc := emu.GetProgramCounter()
	e := emu.u.StartWithOptions(uint64(pc), ^uint64(0), &uc.UcOptions{Count: 1})
	if e != nil {
		logrus.Debugf("emulator: single step failed: %s: %s", pc, e.Error())
		return translateError(e)
	}
	return nil
}

func (emu *UnicornEmulator) SkipCall(op *disassembly.OpCode, retval uint64, stackCleanup uint64) error {
	if e := emu.u.RegWrite(emu.regs.ret, retval); e != nil {
		return e
	}

	sp := emu.GetStackPointer()
	var next AS.VA
	if op.IsCall() {
		next = op.Fallthrough()
	} else {
		// a jump into an API returns to our caller.
		va, e := AS.MemReadPointer(emu, sp, emu.ptrSize)
		if e != nil {
			return e
		}
		next = va
		sp = sp.Add(uint64(emu.ptrSize))
	}

	if e := emu.SetStackPointer(sp.Add(stackCleanup)); e != nil {
		return e
	}
	return emu.SetProgramCounter(next)
}

// AddressSpace methods, so that package address_space helpers apply.

func (emu *UnicornEmulator) MemMap(va AS.VA, length uint64, perms AS.Perms, name string) error {
	return emu.u.MemMapProt(uint64(va), length, uc.PROT_ALL)
}

func (emu *UnicornEmulator) MemUnmap(va AS.VA, length uint64) error {
	return emu.u.MemUnmap(uint64(va), length)
}

func (emu *UnicornEmulator) GetMaps() ([]AS.MemoryRegion, error) {
	regions, e := emu.u.MemRegions()
	if e != nil {
		return nil, e
	}
	ret := make([]AS.MemoryRegion, 0, len(regions))
	for _, r := range regions {
		ret = append(ret, AS.MemoryRegion{
			Address: AS.VA(r.Begin),
			Length:  r.End - r.Begin + 1,
			Perms:   AS.PermRWX,
		})
	}
	return ret, nil
}
