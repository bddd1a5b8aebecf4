package drivers

import (
	"context"
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

// 0: call 6; 5: hlt; 6: nop; 7: ret
var debuggerSample = []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xF4, 0x90, 0xC3}

func newTestDebugger(t *testing.T, code []byte) *DebuggerDriver {
	ws := newTestWorkspace(t, code)
	emu, e := emulator.NewStaticEmulator(ws)
	if e != nil {
		t.Fatalf("emulator: %v", e)
	}
	t.Cleanup(func() { emu.Close() })
	d := NewDebuggerDriver(ws, emu)
	if e := d.SetProgramCounter(0x1000); e != nil {
		t.Fatalf("pc: %v", e)
	}
	return d
}

func TestStepInto(t *testing.T) {
	d := newTestDebugger(t, debuggerSample)
	m := &recordingMonitor{}
	d.AddMonitor(m)

	for _, expected := range []AS.VA{0x1006, 0x1007, 0x1005} {
		if e := d.StepInto(); e != nil {
			t.Fatalf("step: %v", e)
		}
		if d.GetProgramCounter() != expected {
			t.Fatalf("pc: %s, expected %s", d.GetProgramCounter(), expected)
		}
	}
	if e := d.StepInto(); e != emulator.ErrHalted {
		t.Fatalf("halt: %v", e)
	}
	if d.Steps != 3 || len(m.pre) != 4 || len(m.post) != 3 {
		t.Fatalf("steps: %d pre: %v post: %v", d.Steps, m.pre, m.post)
	}
}

func TestStepOver(t *testing.T) {
	d := newTestDebugger(t, debuggerSample)
	m := &recordingMonitor{}
	d.AddMonitor(m)

	if e := d.StepOver(); e != nil {
		t.Fatalf("step: %v", e)
	}
	if d.GetProgramCounter() != 0x1005 {
		t.Fatalf("pc: %s", d.GetProgramCounter())
	}
	// the callee is unnamed, but monitors still see the call.
	if len(m.calls) != 1 || m.calls[0].SymbolName != "" {
		t.Fatalf("calls: %v", m.calls)
	}
}

func TestStepIntoImport(t *testing.T) {
	// 0: call [0x2000]; 6: ret
	d := newTestDebugger(t, []byte{0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xC3})
	d.ws.AddImport(0x2000, "kernel32.dll", "GetTickCount")
	d.AddHook(W.LinkedSymbol{SymbolName: "GetTickCount"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		call.ReturnValue = 0x1234
		return nil
	}))

	if e := d.StepInto(); e != nil {
		t.Fatalf("step: %v", e)
	}
	if d.GetProgramCounter() != 0x1006 {
		t.Fatalf("pc: %s", d.GetProgramCounter())
	}
	if d.Emulator.(*emulator.StaticEmulator).ReturnValue() != 0x1234 {
		t.Fatal("hook not called")
	}
}

func TestRun(t *testing.T) {
	d := newTestDebugger(t, debuggerSample)
	d.AddBreakpoint(0x1000)
	status, e := d.Run(context.Background(), 0)
	if e != nil || status != StatusHalted {
		t.Fatalf("run: %s %v", status, e)
	}
	if d.GetProgramCounter() != 0x1005 {
		t.Fatalf("pc: %s", d.GetProgramCounter())
	}
}

func TestRunLimits(t *testing.T) {
	d := newTestDebugger(t, debuggerSample)
	status, e := d.Run(context.Background(), 2)
	if e != nil || status != StatusStepLimit || d.GetProgramCounter() != 0x1007 {
		t.Fatalf("run: %s %v %s", status, e, d.GetProgramCounter())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, e = d.Run(ctx, 0)
	if e != nil || status != StatusCancelled {
		t.Fatalf("cancelled: %s %v", status, e)
	}
}

func TestRunTo(t *testing.T) {
	d := newTestDebugger(t, debuggerSample)
	status, e := d.RunTo(context.Background(), 0x1007, 0)
	if e != nil || status != StatusBreakpoint || d.GetProgramCounter() != 0x1007 {
		t.Fatalf("run to: %s %v %s", status, e, d.GetProgramCounter())
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("breakpoints: %v", d.Breakpoints())
	}
	if e := d.RemoveBreakpoint(0x1007); e != ErrBreakpointNotFound {
		t.Fatalf("remove: %v", e)
	}

	op, e := d.Current()
	if e != nil || !op.IsReturn() {
		t.Fatalf("current: %v", e)
	}
}

func TestStepOverStackDelta(t *testing.T) {
	// 0: call 6; 5: hlt; 6: ret 4
	d := newTestDebugger(t, []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xF4, 0xC2, 0x04, 0x00})
	d.ws.AddFunction(0x1006, "")
	d.ws.SetStackDelta(0x1006, 4)

	sp := d.GetStackPointer()
	if e := d.StepOver(); e != nil {
		t.Fatalf("step: %v", e)
	}
	if d.GetProgramCounter() != 0x1005 || d.GetStackPointer() != sp+4 {
		t.Fatalf("pc: %s sp: %s", d.GetProgramCounter(), d.GetStackPointer())
	}
}
