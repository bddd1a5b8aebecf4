package indirect_flow_analysis

import (
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator/drivers"
	W "github.com/williballenthin/vivutils/workspace"
)

func TestIndirectJump(t *testing.T) {
	// 0: jmp [0x2000]; 6: ret
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	ws.AddMemoryMap(0x1000, AS.PermRWX, "code", []byte{0xFF, 0x25, 0x00, 0x20, 0x00, 0x00, 0xC3})
	ws.AddMemoryMap(0x2000, AS.PermRead, "data", []byte{0x06, 0x10, 0x00, 0x00})

	a, _ := New(ws, drivers.Options{})
	ws.RegisterFunctionAnalysis(a)

	if e := ws.MakeFunction(0x1000); e != nil {
		t.Fatalf("make function: %v", e)
	}
	if !ws.IsFunction(0x1006) {
		t.Fatalf("functions: %v", ws.GetFunctions())
	}
	found := false
	for _, x := range ws.XrefsFrom(0x1000, W.RefCode) {
		if x.To == 0x1006 {
			found = true
		}
	}
	if !found {
		t.Fatal("xref not recorded")
	}
}

func TestImportJump(t *testing.T) {
	// jumps through imports are API calls, not code flow.
	ws, _ := W.New(disassembly.ARCH_X86)
	ws.AddMemoryMap(0x1000, AS.PermRWX, "code", []byte{0xFF, 0x25, 0x00, 0x20, 0x00, 0x00, 0xC3})
	ws.AddMemoryMap(0x2000, AS.PermRead, "data", []byte{0x06, 0x10, 0x00, 0x00})
	ws.AddImport(0x2000, "kernel32.dll", "ExitProcess")

	a, _ := New(ws, drivers.Options{})
	ws.RegisterFunctionAnalysis(a)
	ws.MakeFunction(0x1000)
	if ws.IsFunction(0x1006) {
		t.Fatal("followed an import")
	}
}
