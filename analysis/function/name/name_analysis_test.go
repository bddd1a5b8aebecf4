package name_analysis

import (
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

func TestThunkName(t *testing.T) {
	// 0: jmp [0x1010]; 6: ret
	code := make([]byte, 0x20)
	copy(code, []byte{0xFF, 0x25, 0x10, 0x10, 0x00, 0x00, 0xC3})
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	ws.AddMemoryMap(0x1000, AS.PermRWX, "code", code)
	ws.AddImport(0x1010, "kernel32.dll", "ExitProcess")

	a, _ := New(ws)
	ws.RegisterFunctionAnalysis(a)

	if e := ws.MakeFunction(0x1000); e != nil {
		t.Fatalf("make function: %v", e)
	}
	if e := ws.MakeFunction(0x1006); e != nil {
		t.Fatalf("make function: %v", e)
	}

	if name, _ := ws.GetFunctionName(0x1000); name != "j_ExitProcess" {
		t.Fatalf("thunk name: %s", name)
	}
	if name, _ := ws.GetFunctionName(0x1006); name != "sub_1006" {
		t.Fatalf("name: %s", name)
	}
}
