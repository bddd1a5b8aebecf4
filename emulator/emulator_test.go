package emulator

import (
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

func newTestEmulator(t *testing.T, code []byte) (*W.Workspace, *StaticEmulator) {
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	if e := ws.AddMemoryMap(0x1000, AS.PermRWX, "code", code); e != nil {
		t.Fatalf("map: %v", e)
	}
	emu, e := NewStaticEmulator(ws)
	if e != nil {
		t.Fatalf("emulator: %v", e)
	}
	t.Cleanup(func() { emu.Close() })
	emu.SetProgramCounter(0x1000)
	return ws, emu
}

func step(t *testing.T, ws *W.Workspace, emu *StaticEmulator) *disassembly.OpCode {
	op, e := ws.ParseOpcode(emu.GetProgramCounter())
	if e != nil {
		t.Fatalf("decode at %s: %v", emu.GetProgramCounter(), e)
	}
	if e := emu.Step(op); e != nil {
		t.Fatalf("step at %s: %v", op.VA, e)
	}
	return op
}

func TestStaticStep(t *testing.T) {
	// 0: nop; 1: jmp 5; 3: nop; 4: nop; 5: call 0xb; a: nop; b: ret
	code := []byte{0x90, 0xEB, 0x02, 0x90, 0x90, 0xE8, 0x01, 0x00, 0x00, 0x00, 0x90, 0xC3}
	ws, emu := newTestEmulator(t, code)

	step(t, ws, emu)
	if emu.GetProgramCounter() != 0x1001 {
		t.Fatalf("nop: %s", emu.GetProgramCounter())
	}
	step(t, ws, emu)
	if emu.GetProgramCounter() != 0x1005 {
		t.Fatalf("jmp: %s", emu.GetProgramCounter())
	}
	step(t, ws, emu)
	if emu.GetProgramCounter() != 0x100b || emu.GetStackPointer() != StackAddress-4 {
		t.Fatalf("call: %s %s", emu.GetProgramCounter(), emu.GetStackPointer())
	}
	step(t, ws, emu)
	if emu.GetProgramCounter() != 0x100a || emu.GetStackPointer() != StackAddress {
		t.Fatalf("ret: %s %s", emu.GetProgramCounter(), emu.GetStackPointer())
	}
}

func TestStaticHalt(t *testing.T) {
	ws, emu := newTestEmulator(t, []byte{0xF4})
	op, _ := ws.ParseOpcode(0x1000)
	if e := emu.Step(op); e != ErrHalted {
		t.Fatalf("hlt: %v", e)
	}
}

func TestStaticSkipCall(t *testing.T) {
	// 0: call [0x2000]; 6: ret
	ws, emu := newTestEmulator(t, []byte{0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xC3})
	op, _ := ws.ParseOpcode(0x1000)
	if e := emu.SkipCall(op, 1, 8); e != nil {
		t.Fatalf("skip: %v", e)
	}
	if emu.GetProgramCounter() != 0x1006 || emu.GetStackPointer() != StackAddress+8 || emu.ReturnValue() != 1 {
		t.Fatalf("skip: %s %s", emu.GetProgramCounter(), emu.GetStackPointer())
	}
}

func TestStaticMemoryIsPrivate(t *testing.T) {
	ws, emu := newTestEmulator(t, []byte{0x90, 0x90})
	if e := emu.MemWrite(0x1000, []byte{0xCC}); e != nil {
		t.Fatalf("write: %v", e)
	}
	d, _ := emu.MemRead(0x1000, 1)
	if d[0] != 0xCC {
		t.Fail()
	}
	d, _ = ws.MemRead(0x1000, 1)
	if d[0] != 0x90 {
		t.Fatal("workspace modified")
	}
}

func TestStaticSnapshot(t *testing.T) {
	_, emu := newTestEmulator(t, []byte{0x90, 0x90})
	snap, e := emu.Snapshot()
	if e != nil {
		t.Fatalf("snapshot: %v", e)
	}

	emu.MemWrite(0x1000, []byte{0xCC})
	emu.SetProgramCounter(0x1001)
	emu.SetStackPointer(0x10)

	for i := 0; i < 2; i++ {
		if e := emu.Restore(snap); e != nil {
			t.Fatalf("restore: %v", e)
		}
		d, _ := emu.MemRead(0x1000, 1)
		if d[0] != 0x90 || emu.GetProgramCounter() != 0x1000 || emu.GetStackPointer() != StackAddress {
			t.Fatal("state not restored")
		}
		emu.MemWrite(0x1000, []byte{0xCC})
	}

	_, other := newTestEmulator(t, []byte{0x90})
	if e := other.Restore(snap); e != ErrInvalidSnapshot {
		t.Fatalf("foreign snapshot: %v", e)
	}
}

func TestHelpers(t *testing.T) {
	code := append([]byte("hello\x00world"), 0x00)
	_, emu := newTestEmulator(t, code)

	s, e := ReadString(emu, 0x1000, 0x100)
	if e != nil || s != "hello" {
		t.Fatalf("string: %q %v", s, e)
	}
	if s, _ := ReadString(emu, 0x1000, 3); s != "hel" {
		t.Fatalf("max: %q", s)
	}
	if _, e := ReadString(emu, 0x5000, 3); e == nil {
		t.Fatal("unmapped")
	}

	// [sp+0]: return address, [sp+4]: pointer to "world"
	emu.SetStackPointer(StackAddress - 8)
	emu.MemWrite(StackAddress-8, []byte{0x44, 0x33, 0x22, 0x11, 0x06, 0x10, 0x00, 0x00})

	v, e := GetStackValue(emu, 0)
	if e != nil || v != 0x11223344 {
		t.Fatalf("stack value: %x %v", v, e)
	}
	d, e := ReadStackMemory(emu, 4, 2)
	if e != nil || d[0] != 0x06 || d[1] != 0x10 {
		t.Fatalf("stack memory: %x %v", d, e)
	}
	if s, e := ReadStackString(emu, 1, 0x100); e != nil || s != "world" {
		t.Fatalf("stack string: %q %v", s, e)
	}
}
