package drivers

import (
	"context"
	"errors"
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

func newTestWorkspace(t *testing.T, code []byte) *W.Workspace {
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	if e := ws.AddMemoryMap(0x1000, AS.PermRWX, "code", code); e != nil {
		t.Fatalf("map: %v", e)
	}
	return ws
}

func newTestDriver(t *testing.T, ws *W.Workspace, opts Options) (*FullCoverageDriver, *emulator.StaticEmulator) {
	emu, e := emulator.NewStaticEmulator(ws)
	if e != nil {
		t.Fatalf("emulator: %v", e)
	}
	t.Cleanup(func() { emu.Close() })
	return NewFullCoverageDriver(ws, emu, opts), emu
}

func run(t *testing.T, d *FullCoverageDriver, va AS.VA) *Result {
	res, e := d.Run(context.Background(), va)
	if e != nil {
		t.Fatalf("run: %v", e)
	}
	return res
}

type recordingMonitor struct {
	BaseMonitor
	pre   []AS.VA
	post  []AS.VA
	calls []W.LinkedSymbol
}

func (m *recordingMonitor) PreHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {
	m.pre = append(m.pre, va)
}

func (m *recordingMonitor) PostHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {
	m.post = append(m.post, va)
}

func (m *recordingMonitor) APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
	m.calls = append(m.calls, api)
}

func TestLinear(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0x90, 0x90, 0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})
	m := &recordingMonitor{}
	d.AddMonitor(m)

	res := run(t, d, 0x1000)
	if res.Status != StatusDone {
		t.Fatalf("status: %s", res.Status)
	}
	if len(res.Hits) != 4 || res.Steps != 4 {
		t.Fatalf("hits: %v", res.Hits)
	}
	for va, n := range res.Hits {
		if n != 1 {
			t.Fatalf("visited %s %d times", va, n)
		}
	}
	if len(res.EdgesOfKind(EdgeFallthrough)) != 3 || len(res.EdgesOfKind(EdgeBranch)) != 0 {
		t.Fatalf("edges: %v", res.Edges)
	}
	if len(m.pre) != 4 || len(m.post) != 4 || m.pre[3] != 0x1003 {
		t.Fatalf("monitor: %v %v", m.pre, m.post)
	}
}

func TestReconverge(t *testing.T) {
	// 0: jz 3; 2: nop; 3: nop; 4: ret
	ws := newTestWorkspace(t, []byte{0x74, 0x01, 0x90, 0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})

	res := run(t, d, 0x1000)
	for _, va := range []AS.VA{0x1000, 0x1002, 0x1003, 0x1004} {
		if res.Hits[va] != 1 {
			t.Fatalf("hits at %s: %d", va, res.Hits[va])
		}
	}
	if len(res.Hits) != 4 {
		t.Fatalf("hits: %v", res.Hits)
	}

	branches := res.EdgesOfKind(EdgeBranch)
	if len(branches) != 1 || branches[0] != (Edge{From: 0x1000, To: 0x1003, Kind: EdgeBranch}) {
		t.Fatalf("branches: %v", branches)
	}
	if len(res.EdgesOfKind(EdgeFallthrough)) != 3 {
		t.Fatalf("fallthroughs: %v", res.Edges)
	}
}

func TestCycle(t *testing.T) {
	// 0: nop; 1: jnz 0; 3: ret
	ws := newTestWorkspace(t, []byte{0x90, 0x75, 0xFD, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})

	res := run(t, d, 0x1000)
	if res.Status != StatusDone || len(res.Hits) != 3 {
		t.Fatalf("result: %s %v", res.Status, res.Hits)
	}
	for va, n := range res.Hits {
		if n != 1 {
			t.Fatalf("visited %s %d times", va, n)
		}
	}
}

func TestTable(t *testing.T) {
	// 0: jmp [0x2000+eax*4]; 7: ret; 8: ret
	ws := newTestWorkspace(t, []byte{0xFF, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00, 0xC3, 0xC3})
	table := []byte{0x07, 0x10, 0x00, 0x00, 0x08, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if e := ws.AddMemoryMap(0x2000, AS.PermRead, "table", table); e != nil {
		t.Fatalf("map: %v", e)
	}
	d, _ := newTestDriver(t, ws, Options{})

	op, e := ws.ParseOpcode(0x1000)
	if e != nil {
		t.Fatalf("decode: %v", e)
	}
	if d.IsTable(op, d.tableXrefs(0x1000)) {
		t.Fatal("table before analysis")
	}

	if e := ws.MakeFunction(0x1000); e != nil {
		t.Fatalf("make function: %v", e)
	}
	if !d.IsTable(op, d.tableXrefs(0x1000)) {
		t.Fatal("table after analysis")
	}

	res := run(t, d, 0x1000)
	if res.Hits[0x1007] != 1 || res.Hits[0x1008] != 1 {
		t.Fatalf("hits: %v", res.Hits)
	}
	if len(res.EdgesOfKind(EdgeTable)) != 2 {
		t.Fatalf("edges: %v", res.Edges)
	}
}

func TestIsTable(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0xFF, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00, 0x90})
	d, _ := newTestDriver(t, ws, Options{})
	table, _ := ws.ParseOpcode(0x1000)
	nop, _ := ws.ParseOpcode(0x1007)
	xrefs := []W.CrossReference{{From: 0x1000, To: 0x1007, Type: W.RefCode, Flags: disassembly.BranchTable}}

	if d.IsTable(table, xrefs) {
		t.Fatal("no location")
	}
	ws.AddLocation(0x1000, table.Size, W.LocationOpcode)
	ws.AddLocation(0x1007, nop.Size, W.LocationOpcode)
	if d.IsTable(table, nil) {
		t.Fatal("no xrefs")
	}
	if d.IsTable(nop, xrefs) {
		t.Fatal("no table branch")
	}
	if !d.IsTable(table, xrefs) {
		t.Fatal("table")
	}
}

func TestHooksChain(t *testing.T) {
	// 0: call [0x2000]; 6: ret
	ws := newTestWorkspace(t, []byte{0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xC3})
	ws.AddImport(0x2000, "KERNEL32.dll", "VirtualAlloc")
	d, emu := newTestDriver(t, ws, Options{})
	m := &recordingMonitor{}
	d.AddMonitor(m)

	var order []string
	d.AddHook(W.LinkedSymbol{ModuleName: "kernel32", SymbolName: "VirtualAlloc"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		order = append(order, "first")
		call.ReturnValue = 0x4000
		call.Handled = true
		return nil
	}))
	removed := d.AddHook(W.LinkedSymbol{SymbolName: "VirtualAlloc"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		order = append(order, "removed")
		return nil
	}))
	d.AddHook(W.LinkedSymbol{SymbolName: "VirtualAlloc"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		order = append(order, "second")
		if call.ReturnValue != 0x4000 || !call.Handled {
			t.Error("hook did not see the previous hook")
		}
		call.ReturnValue++
		return nil
	}))
	d.AddHook(W.LinkedSymbol{SymbolName: "VirtualFree"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		order = append(order, "other")
		return nil
	}))
	if e := d.RemoveHook(removed); e != nil {
		t.Fatalf("remove: %v", e)
	}
	if e := d.RemoveHook(removed); e != ErrCookieNotFound {
		t.Fatalf("remove twice: %v", e)
	}

	res := run(t, d, 0x1000)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order: %v", order)
	}
	if emu.ReturnValue() != 0x4001 {
		t.Fatalf("return value: %x", emu.ReturnValue())
	}
	if len(m.calls) != 0 {
		t.Fatal("monitor saw a hooked call")
	}
	if res.Hits[0x1006] != 1 || len(res.EdgesOfKind(EdgeFallthrough)) != 1 {
		t.Fatalf("call not skipped: %v", res.Hits)
	}
}

func TestUnhookedCall(t *testing.T) {
	// 0: call [0x2000]; 6: call 0xc; b: ret; c: ret
	ws := newTestWorkspace(t, []byte{0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0xC3})
	ws.AddImport(0x2000, "kernel32.dll", "Sleep")
	d, _ := newTestDriver(t, ws, Options{})
	m := &recordingMonitor{}
	d.AddMonitor(m)
	d.AddHook(W.LinkedSymbol{SymbolName: "Sleep"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		t.Error("removed hook ran")
		return nil
	}))
	d.RemoveHooksExcept([]string{"VirtualAlloc"})

	res := run(t, d, 0x1000)
	if len(m.calls) != 2 || m.calls[0].SymbolName != "Sleep" || m.calls[1].SymbolName != "" {
		t.Fatalf("api calls: %v", m.calls)
	}
	if res.Hits[0x100c] != 0 {
		t.Fatal("call was followed")
	}
	if res.Hits[0x100b] != 1 {
		t.Fatalf("hits: %v", res.Hits)
	}
}

func TestHookError(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0xFF, 0x15, 0x00, 0x20, 0x00, 0x00, 0xC3})
	ws.AddImport(0x2000, "kernel32.dll", "ExitProcess")
	d, _ := newTestDriver(t, ws, Options{})
	anomalies := &AnomalyCollector{}
	d.AddMonitor(anomalies)
	d.AddHook(W.LinkedSymbol{SymbolName: "ExitProcess"}, HookFunc(func(emu emulator.Emulator, call *Call) error {
		return errors.New("process exited")
	}))

	res := run(t, d, 0x1000)
	if res.Hits[0x1006] != 0 || len(anomalies.Anomalies()) != 1 {
		t.Fatalf("path did not end: %v", res.Hits)
	}
}

func TestUntilVA(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0x90, 0x90, 0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := NewUntilVAMonitor(0x1002, cancel)
	m := &recordingMonitor{}
	d.AddMonitor(bp)
	d.AddMonitor(m)

	res, e := d.Run(ctx, 0x1000)
	if e != nil {
		t.Fatalf("run: %v", e)
	}
	if res.Status != StatusCancelled || !bp.Hit {
		t.Fatalf("status: %s", res.Status)
	}
	if len(res.Hits) != 2 || res.Hits[0x1002] != 0 {
		t.Fatalf("hits: %v", res.Hits)
	}
	if len(m.post) != 2 {
		t.Fatalf("breakpoint instruction was emulated: %v", m.post)
	}
}

func TestCancelled(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, e := d.Run(ctx, 0x1000)
	if e != nil || res.Status != StatusCancelled || len(res.Hits) != 0 {
		t.Fatalf("run: %v %v", res, e)
	}
}

func TestAnomaly(t *testing.T) {
	// 0: nop; 1: jmp 0x5000
	ws := newTestWorkspace(t, []byte{0x90, 0xE9, 0xFA, 0x3F, 0x00, 0x00})
	d, _ := newTestDriver(t, ws, Options{})
	anomalies := &AnomalyCollector{}
	d.AddMonitor(anomalies)

	res := run(t, d, 0x1000)
	if res.Status != StatusDone || len(res.Hits) != 2 {
		t.Fatalf("result: %s %v", res.Status, res.Hits)
	}
	if len(anomalies.Anomalies()) != 1 || anomalies.Anomalies()[0].VA != 0x5000 {
		t.Fatalf("anomalies: %v", anomalies.Anomalies())
	}
}

func TestStepLimit(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0x90, 0x90, 0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{MaxSteps: 2})

	res := run(t, d, 0x1000)
	if res.Status != StatusStepLimit || res.Steps != 2 {
		t.Fatalf("result: %s %d", res.Status, res.Steps)
	}
}

// stuckEmulator executes REP instructions one iteration at a time, forever.
type stuckEmulator struct {
	*emulator.StaticEmulator
}

func (emu stuckEmulator) Step(op *disassembly.OpCode) error {
	if op.IsRepeat() {
		return nil
	}
	return emu.StaticEmulator.Step(op)
}

func TestRepeat(t *testing.T) {
	// 0: rep movsb; 2: ret
	ws := newTestWorkspace(t, []byte{0xF3, 0xA4, 0xC3})
	emu, e := emulator.NewStaticEmulator(ws)
	if e != nil {
		t.Fatalf("emulator: %v", e)
	}
	defer emu.Close()
	d := NewFullCoverageDriver(ws, stuckEmulator{emu}, Options{RepMax: 3})

	res := run(t, d, 0x1000)
	if res.Hits[0x1000] != 3 || res.Hits[0x1002] != 1 {
		t.Fatalf("hits: %v", res.Hits)
	}
	if len(res.Edges) != 1 {
		t.Fatalf("edges: %v", res.Edges)
	}
}

func TestMonitors(t *testing.T) {
	d := NewEmulatorDriver(nil)
	a := d.AddMonitor(&AnomalyCollector{})
	d.AddMonitor(LoggingMonitor{})
	if e := d.RemoveMonitor(a); e != nil {
		t.Fatalf("remove: %v", e)
	}
	if e := d.RemoveMonitor(a); e != ErrCookieNotFound {
		t.Fatalf("remove twice: %v", e)
	}
	if len(d.monitors) != 1 {
		t.Fail()
	}
}

func TestGraph(t *testing.T) {
	ws := newTestWorkspace(t, []byte{0x74, 0x01, 0x90, 0x90, 0xC3})
	d, _ := newTestDriver(t, ws, Options{})
	res := run(t, d, 0x1000)

	g, e := res.Graph()
	if e != nil {
		t.Fatalf("graph: %v", e)
	}
	order, e := g.Order()
	if e != nil || order != 4 {
		t.Fatalf("order: %d %v", order, e)
	}
	edge, e := g.Edge(0x1000, 0x1003)
	if e != nil || edge.Properties.Attributes["kind"] != "branch" {
		t.Fatalf("edge: %v", e)
	}
}
