package drivers

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

const (
	DefaultRepMax   = 256
	DefaultMaxSteps = 0x100000
)

type Options struct {
	// RepMax bounds the iterations of a single REP instruction.
	RepMax uint
	// MaxSteps bounds the number of instructions emulated by one run.
	MaxSteps uint64
}

// todoPath is a pending path: where to continue, and the emulator state to continue with.
// A nil snapshot continues with the current state.
type todoPath struct {
	va     AS.VA
	state  emulator.Snapshot
	repeat bool
}

// FullCoverageDriver explores every code path from an entry point.
// It follows all branches of conditional jumps, but does not follow calls.
// Each instruction is emulated once, except for REP instructions,
// which repeat up to RepMax times.
// Install monitors to receive the instructions as they are found.
type FullCoverageDriver struct {
	*EmulatorDriver

	// reference:
	ws *W.Workspace

	// own:
	opts Options
}

func NewFullCoverageDriver(ws *W.Workspace, emu emulator.Emulator, opts Options) *FullCoverageDriver {
	if opts.RepMax == 0 {
		opts.RepMax = DefaultRepMax
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &FullCoverageDriver{
		EmulatorDriver: NewEmulatorDriver(emu),
		ws:             ws,
		opts:           opts,
	}
}

// IsTable returns true when the instruction dispatches through a branch table
// that analysis has resolved into the given xrefs.
func (d *FullCoverageDriver) IsTable(op *disassembly.OpCode, xrefs []W.CrossReference) bool {
	if len(xrefs) == 0 || !op.IsTableBranch() {
		return false
	}
	_, ok := d.ws.GetLocation(op.VA)
	return ok
}

func (d *FullCoverageDriver) tableXrefs(va AS.VA) []W.CrossReference {
	ret := make([]W.CrossReference, 0)
	for _, x := range d.ws.XrefsFrom(va, W.RefCode) {
		if x.Flags&disassembly.BranchTable != 0 {
			ret = append(ret, x)
		}
	}
	return ret
}

// resolveCall figures out the target of a call or a jump through an import.
// The second return value is false when the instruction is neither.
func resolveCall(ws *W.Workspace, op *disassembly.OpCode) (AS.VA, W.LinkedSymbol, bool) {
	if !op.IsCall() {
		if !op.IsNoFall() || op.IsReturn() {
			return 0, W.LinkedSymbol{}, false
		}
		for _, br := range op.GetBranches() {
			if br.Flags&disassembly.BranchDeref == 0 || br.Flags&disassembly.BranchTable != 0 {
				continue
			}
			if api, ok := ws.ResolveAPI(br.To); ok {
				return br.To, api, true
			}
		}
		return 0, W.LinkedSymbol{}, false
	}

	for _, br := range op.GetBranches() {
		if br.Flags&disassembly.BranchDeref != 0 {
			api, _ := ws.ResolveAPI(br.To)
			return br.To, api, true
		}
		if api, ok := ws.ResolveAPI(br.To); ok {
			return br.To, api, true
		}
		if ws.IsThunkFunction(br.To) {
			if thunk, e := ws.ParseOpcode(br.To); e == nil {
				_, api, _ := resolveCall(ws, thunk)
				return br.To, api, true
			}
		}
		return br.To, W.LinkedSymbol{}, true
	}
	return 0, W.LinkedSymbol{}, true
}

// stackCleanup is the argument bytes a skipped local function would pop.
// For APIs, this is left to the hooks.
func stackCleanup(ws *W.Workspace, target AS.VA, api W.LinkedSymbol) uint64 {
	if api.SymbolName != "" {
		return 0
	}
	delta, _ := ws.GetStackDelta(target)
	return delta
}

// successors computes the edges out of an instruction that was just emulated.
func (d *FullCoverageDriver) successors(op *disassembly.OpCode, isCall bool) ([]Edge, error) {
	edges := make([]Edge, 0, 2)
	if isCall {
		if op.IsCall() {
			edges = append(edges, Edge{From: op.VA, To: op.Fallthrough(), Kind: EdgeFallthrough})
		}
		return edges, nil
	}

	if xrefs := d.tableXrefs(op.VA); d.IsTable(op, xrefs) {
		for _, x := range xrefs {
			edges = append(edges, Edge{From: op.VA, To: x.To, Kind: EdgeTable})
		}
		return edges, nil
	}

	xrefs, e := d.ws.GetAllXrefsFrom(op.VA)
	if e != nil {
		return nil, e
	}
	targets := make(map[AS.VA]bool, len(xrefs))
	for _, x := range xrefs {
		kind := EdgeBranch
		if x.Flags&disassembly.BranchFall != 0 {
			kind = EdgeFallthrough
		}
		edges = append(edges, Edge{From: op.VA, To: x.To, Kind: kind})
		targets[x.To] = true
	}

	if !op.IsReturn() && (op.IsIndirect() || hasDerefBranch(op)) {
		pc := d.GetProgramCounter()
		if pc != op.VA && !targets[pc] && d.ws.IsExecutable(pc) {
			edges = append(edges, Edge{From: op.VA, To: pc, Kind: EdgeDynamic})
		}
	}
	return edges, nil
}

func hasDerefBranch(op *disassembly.OpCode) bool {
	for _, br := range op.GetBranches() {
		if br.Flags&disassembly.BranchDeref != 0 {
			return true
		}
	}
	return false
}

// Run emulates from `va` until every path is explored, the step limit is reached,
// or the context is cancelled.
// Decoding and emulation failures end the current path and are reported to the monitors.
func (d *FullCoverageDriver) Run(ctx context.Context, va AS.VA) (*Result, error) {
	logrus.Debugf("full coverage: run: %s", va)

	res := newResult()
	visited := NewVisitedSet()
	todo := []todoPath{{va: va}}

	for len(todo) > 0 {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res, nil
		}
		if res.Steps >= d.opts.MaxSteps {
			logrus.Warnf("full coverage: step limit reached: %d", res.Steps)
			res.Status = StatusStepLimit
			return res, nil
		}

		path := todo[len(todo)-1]
		todo = todo[:len(todo)-1]

		if path.repeat {
			if visited.Hits(path.va) >= d.opts.RepMax {
				continue
			}
		} else if visited.Seen(path.va) {
			continue
		}
		visited.Visit(path.va)

		if path.state != nil {
			if e := d.Restore(path.state); e != nil {
				return nil, errors.Wrapf(e, "failed to restore state at %s", path.va)
			}
		}
		if e := d.SetProgramCounter(path.va); e != nil {
			return nil, e
		}

		op, e := d.ws.ParseOpcode(path.va)
		if e != nil {
			d.logAnomaly(path.va, fmt.Sprintf("failed to decode instruction: %s", e.Error()))
			continue
		}

		d.preHook(op, path.va)
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res, nil
		}
		res.hit(path.va)

		target, api, isCall := resolveCall(d.ws, op)
		if isCall {
			e = d.handleCall(op, target, api, stackCleanup(d.ws, target, api))
		} else {
			e = d.Step(op)
		}
		if e != nil {
			d.logAnomaly(path.va, fmt.Sprintf("failed to emulate %s: %s", op.Text, e.Error()))
			continue
		}

		d.postHook(op, path.va)

		edges, e := d.successors(op, isCall)
		if e != nil {
			d.logAnomaly(path.va, e.Error())
			continue
		}

		next := make([]todoPath, 0, len(edges)+1)
		for _, edge := range edges {
			res.addEdge(edge)
			if !visited.Seen(edge.To) {
				next = append(next, todoPath{va: edge.To})
			}
		}
		if op.IsRepeat() && d.GetProgramCounter() == op.VA {
			next = append(next, todoPath{va: op.VA, repeat: true})
		}

		if len(next) > 1 {
			state, e := d.Snapshot()
			if e != nil {
				return nil, errors.Wrapf(e, "failed to snapshot state at %s", path.va)
			}
			for i := range next {
				next[i].state = state
			}
		}
		todo = append(todo, next...)
	}

	logrus.WithFields(logrus.Fields{
		"entry":        va,
		"instructions": len(res.Hits),
		"steps":        res.Steps,
		"edges":        len(res.Edges),
	}).Debug("full coverage: done")
	res.Status = StatusDone
	return res, nil
}
