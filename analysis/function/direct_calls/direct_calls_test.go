package direct_calls_analysis

import (
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

func TestDirectCalls(t *testing.T) {
	// 0: call 6; 5: ret; 6: call [0x2000]; c: ret
	code := []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xC3}
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	ws.AddMemoryMap(0x1000, AS.PermRWX, "code", code)

	a, _ := New(ws)
	ws.RegisterFunctionAnalysis(a)

	if e := ws.MakeFunction(0x1000); e != nil {
		t.Fatalf("make function: %v", e)
	}
	if !ws.IsFunction(0x1006) {
		t.Fatal("callee not made")
	}
	// indirect calls are not followed
	if ws.IsFunction(0x2000) {
		t.Fail()
	}
	if len(ws.GetFunctions()) != 2 {
		t.Fatalf("functions: %v", ws.GetFunctions())
	}
}
