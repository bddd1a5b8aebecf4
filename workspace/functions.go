package workspace

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	LD "github.com/williballenthin/vivutils/disassembly/linear_disassembler"
)

var ErrFunctionNotFound = errors.New("Function not found at specified address")

// BlockInfo is a basic block as recorded by the workspace.
// unique: (VA)
type BlockInfo struct {
	VA    AS.VA
	Size  uint64
	FVA   AS.VA
	Flags disassembly.InstructionFlags
}

// FunctionEntry is a catalogued function.
type FunctionEntry struct {
	VA   AS.VA
	Name string
}

type functionEntry struct {
	name   string
	blocks []BlockInfo
	// sum of block sizes.
	size uint64
	// bytes of arguments popped by the return, when known.
	stackDelta    uint64
	hasStackDelta bool
}

func defaultFunctionName(va AS.VA) string {
	return fmt.Sprintf("sub_%x", uint64(va))
}

// AddFunction catalogues a function without exploring it.
// An empty name selects the default name.
func (ws *Workspace) AddFunction(va AS.VA, name string) {
	f, ok := ws.functions[va]
	if !ok {
		f = &functionEntry{}
		ws.functions[va] = f
	}
	if name != "" {
		f.name = name
	}
}

func (ws *Workspace) IsFunction(va AS.VA) bool {
	_, ok := ws.functions[va]
	return ok
}

// GetFunctions returns the catalogued function addresses, sorted.
func (ws *Workspace) GetFunctions() []AS.VA {
	ret := make([]AS.VA, 0, len(ws.functions))
	for va := range ws.functions {
		ret = append(ret, va)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func (ws *Workspace) GetFunctionName(va AS.VA) (string, error) {
	f, ok := ws.functions[va]
	if !ok {
		return "", ErrFunctionNotFound
	}
	if f.name == "" {
		return defaultFunctionName(va), nil
	}
	return f.name, nil
}

func (ws *Workspace) SetFunctionName(va AS.VA, name string) error {
	f, ok := ws.functions[va]
	if !ok {
		return ErrFunctionNotFound
	}
	f.name = name
	return nil
}

// FindFunctionByName returns the address of the catalogued function with the given name.
func (ws *Workspace) FindFunctionByName(name string) (AS.VA, bool) {
	for _, va := range ws.GetFunctions() {
		if n, _ := ws.GetFunctionName(va); n == name {
			return va, true
		}
	}
	return 0, false
}

// FunctionBlocks returns the basic blocks recorded for the given function.
// The order is unspecified.
func (ws *Workspace) FunctionBlocks(fva AS.VA) ([]BlockInfo, error) {
	f, ok := ws.functions[fva]
	if !ok {
		return nil, ErrFunctionNotFound
	}
	ret := make([]BlockInfo, len(f.blocks))
	copy(ret, f.blocks)
	return ret, nil
}

// AddBasicBlock records a basic block of a catalogued function,
// replacing any block that starts at the same address.
func (ws *Workspace) AddBasicBlock(bb BlockInfo) error {
	f, ok := ws.functions[bb.FVA]
	if !ok {
		return ErrFunctionNotFound
	}
	for i, existing := range f.blocks {
		if existing.VA == bb.VA {
			f.size -= existing.Size
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			break
		}
	}
	f.blocks = append(f.blocks, bb)
	f.size += bb.Size
	return nil
}

// GetFunctionSize returns the number of instruction bytes of a function.
func (ws *Workspace) GetFunctionSize(fva AS.VA) (uint64, error) {
	f, ok := ws.functions[fva]
	if !ok {
		return 0, ErrFunctionNotFound
	}
	return f.size, nil
}

// SetStackDelta records the bytes of arguments the function pops when it returns,
// like 8 for `ret 8`.
func (ws *Workspace) SetStackDelta(fva AS.VA, delta uint64) error {
	f, ok := ws.functions[fva]
	if !ok {
		return ErrFunctionNotFound
	}
	f.stackDelta = delta
	f.hasStackDelta = true
	return nil
}

func (ws *Workspace) GetStackDelta(fva AS.VA) (uint64, bool) {
	f, ok := ws.functions[fva]
	if !ok || !f.hasStackDelta {
		return 0, false
	}
	return f.stackDelta, true
}

// MakeFunction explores the code at the given address, records its
// basic blocks and cross references, and catalogues it.
// Function analyzers run over each new function.
func (ws *Workspace) MakeFunction(va AS.VA) error {
	if f, ok := ws.functions[va]; ok && f.blocks != nil {
		return nil
	}

	ld, e := LD.New(ws.dis, ws.ptrSize)
	if e != nil {
		return e
	}
	layout, e := ld.ExploreFunction(ws.as, va)
	if e != nil {
		return e
	}

	ws.AddFunction(va, "")
	f := ws.functions[va]
	f.blocks = make([]BlockInfo, 0, len(layout.BasicBlocks))
	for _, bb := range layout.BasicBlocks {
		f.blocks = append(f.blocks, BlockInfo{VA: bb.Start, Size: bb.Size, FVA: va, Flags: bb.Flags})
		f.size += bb.Size
	}
	for _, op := range layout.Instructions {
		ws.opcodes.Add(op.VA, op)
		ws.AddLocation(op.VA, op.Size, LocationOpcode)
	}
	for _, x := range layout.Xrefs {
		rtype := RefCode
		if x.Flags&disassembly.BranchDeref != 0 && x.Flags&disassembly.BranchTable == 0 {
			rtype = RefPtr
		}
		ws.AddXref(x.From, x.To, rtype, x.Flags)
	}
	for _, table := range layout.Tables {
		ws.AddLocation(table.Address, uint64(len(table.Targets)*ws.ptrSize), LocationPointer)
		ws.AddXref(table.From, table.Address, RefData, disassembly.BranchTable)
	}

	logrus.Debugf("workspace: made function %s: %d blocks", va, len(f.blocks))

	ws.pendingFunctions = append(ws.pendingFunctions, va)
	if !ws.analyzing {
		return ws.drainPendingFunctions()
	}
	return nil
}

// IsThunkFunction returns true when the function is a single jump through an import.
func (ws *Workspace) IsThunkFunction(fva AS.VA) bool {
	op, e := ws.ParseOpcode(fva)
	if e != nil {
		return false
	}
	if op.IsCall() || !op.IsNoFall() || op.IsReturn() {
		return false
	}
	for _, br := range op.Branches {
		if br.Flags&disassembly.BranchDeref == 0 {
			continue
		}
		if _, ok := ws.ResolveAPI(br.To); ok {
			return true
		}
	}
	return false
}

// IsLibraryFunction returns true when the last classification matched the function.
func (ws *Workspace) IsLibraryFunction(fva AS.VA) bool {
	for _, lf := range ws.libraryFunctions {
		if lf.VA == fva {
			return true
		}
	}
	return false
}
