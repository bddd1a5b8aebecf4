package drivers

import (
	"context"
	"errors"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

var ErrBreakpointNotFound = errors.New("Breakpoint not found")

// DebuggerDriver follows the single path the emulator takes,
// one instruction at a time, like an interactive debugger.
// Calls to resolved APIs are always handled by the hooks.
type DebuggerDriver struct {
	*EmulatorDriver

	// reference:
	ws *W.Workspace

	// own:
	breakpoints map[AS.VA]bool
	Steps       uint64
}

func NewDebuggerDriver(ws *W.Workspace, emu emulator.Emulator) *DebuggerDriver {
	return &DebuggerDriver{
		EmulatorDriver: NewEmulatorDriver(emu),
		ws:             ws,
		breakpoints:    make(map[AS.VA]bool),
	}
}

func (d *DebuggerDriver) AddBreakpoint(va AS.VA) {
	d.breakpoints[va] = true
}

func (d *DebuggerDriver) RemoveBreakpoint(va AS.VA) error {
	if !d.breakpoints[va] {
		return ErrBreakpointNotFound
	}
	delete(d.breakpoints, va)
	return nil
}

func (d *DebuggerDriver) Breakpoints() []AS.VA {
	ret := make([]AS.VA, 0, len(d.breakpoints))
	for va := range d.breakpoints {
		ret = append(ret, va)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Current decodes the instruction at the program counter.
func (d *DebuggerDriver) Current() (*disassembly.OpCode, error) {
	return d.ws.ParseOpcode(d.GetProgramCounter())
}

func (d *DebuggerDriver) step(into bool) (*disassembly.OpCode, error) {
	va := d.GetProgramCounter()
	op, e := d.ws.ParseOpcode(va)
	if e != nil {
		d.logAnomaly(va, "failed to decode instruction")
		return nil, pkgerrors.Wrapf(e, "failed to decode instruction at %s", va)
	}

	d.preHook(op, va)

	target, api, isCall := resolveCall(d.ws, op)
	if isCall && !(into && op.IsCall() && api.SymbolName == "") {
		e = d.handleCall(op, target, api, stackCleanup(d.ws, target, api))
	} else {
		e = d.Step(op)
	}
	if e != nil {
		if !errors.Is(e, emulator.ErrHalted) {
			d.logAnomaly(va, e.Error())
		}
		return op, e
	}
	d.Steps++

	d.postHook(op, va)
	return op, nil
}

// StepInto emulates one instruction, entering local calls.
func (d *DebuggerDriver) StepInto() error {
	_, e := d.step(true)
	return e
}

// StepOver emulates one instruction, completing calls without entering them.
func (d *DebuggerDriver) StepOver() error {
	_, e := d.step(false)
	return e
}

// Run steps into instructions until a breakpoint, a halt, an error,
// `maxSteps` instructions, or the context is cancelled.
// The instruction at the starting program counter always executes,
// even if it has a breakpoint.
func (d *DebuggerDriver) Run(ctx context.Context, maxSteps uint64) (Status, error) {
	for i := uint64(0); maxSteps == 0 || i < maxSteps; i++ {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}
		if i > 0 && d.breakpoints[d.GetProgramCounter()] {
			logrus.Debugf("debugger: breakpoint: %s", d.GetProgramCounter())
			return StatusBreakpoint, nil
		}
		if _, e := d.step(true); e != nil {
			if errors.Is(e, emulator.ErrHalted) {
				return StatusHalted, nil
			}
			return StatusDone, e
		}
	}
	return StatusStepLimit, nil
}

// RunTo runs until the program counter reaches `va`.
func (d *DebuggerDriver) RunTo(ctx context.Context, va AS.VA, maxSteps uint64) (Status, error) {
	added := !d.breakpoints[va]
	d.AddBreakpoint(va)
	if added {
		defer d.RemoveBreakpoint(va)
	}
	return d.Run(ctx, maxSteps)
}
