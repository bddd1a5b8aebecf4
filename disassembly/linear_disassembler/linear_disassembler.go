// Package linear_disassembler implements a code explorer that uses
// recursive linear disassembly to recognize instructions, basic blocks,
// and control flow edges of a function.
package linear_disassembler

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
)

// MaxTableEntries bounds the number of pointers read from one branch table.
const MaxTableEntries = 0x100

type BasicBlock struct {
	Start AS.VA
	Size  uint64
	// Flags are the flags of the last instruction in the block.
	Flags disassembly.InstructionFlags
}

type CrossReference struct {
	From  AS.VA
	To    AS.VA
	Flags disassembly.BranchFlags
}

type BranchTable struct {
	// Address of the pointer array.
	Address AS.VA
	// From is the instruction that dispatches through the table.
	From    AS.VA
	Targets []AS.VA
}

// Layout is the result of exploring a function.
type Layout struct {
	Start        AS.VA
	Instructions []*disassembly.OpCode
	BasicBlocks  []BasicBlock
	Xrefs        []CrossReference
	Tables       []BranchTable
}

// LinearDisassembler is the object that holds the state of a linear disassembler.
type LinearDisassembler struct {
	disassembler disassembly.Decoder
	ptrSize      int
}

// New creates a new LinearDisassembler instance.
func New(dis disassembly.Decoder, ptrSize int) (*LinearDisassembler, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, AS.InvalidArgumentError
	}
	return &LinearDisassembler{
		disassembler: dis,
		ptrSize:      ptrSize,
	}, nil
}

func isExecutable(as AS.AddressSpace, va AS.VA) bool {
	maps, e := as.GetMaps()
	if e != nil {
		return false
	}
	for _, m := range maps {
		if m.Contains(va) {
			return m.Perms&AS.PermExec != 0
		}
	}
	return false
}

// ReadBranchTable reads pointers from the given address while they
// point into executable memory.
func (ld *LinearDisassembler) ReadBranchTable(as AS.AddressSpace, va AS.VA) []AS.VA {
	targets := make([]AS.VA, 0, 8)
	for i := 0; i < MaxTableEntries; i++ {
		ptr, e := AS.MemReadPointer(as, va.Add(uint64(i*ld.ptrSize)), ld.ptrSize)
		if e != nil {
			break
		}
		if !isExecutable(as, ptr) {
			break
		}
		targets = append(targets, ptr)
	}
	return targets
}

type explorer struct {
	ld      *LinearDisassembler
	as      AS.AddressSpace
	layout  *Layout
	insns   map[AS.VA]*disassembly.OpCode
	leaders map[AS.VA]bool
	lifo    []AS.VA
}

func (ex *explorer) addLeader(va AS.VA) {
	ex.leaders[va] = true
	if _, done := ex.insns[va]; !done {
		ex.lifo = append(ex.lifo, va)
	}
}

// ExploreBB linearly disassembles instructions starting at a given address
// and terminates at the end of the current basic block, or when it reaches
// an instruction that was already explored.
// Branch targets are queued as new basic blocks.
func (ex *explorer) ExploreBB(va AS.VA) error {
	return disassembly.IterateInstructions(ex.ld.disassembler, ex.as, va, func(op *disassembly.OpCode) (bool, error) {
		if _, done := ex.insns[op.VA]; done {
			return false, nil
		}
		ex.insns[op.VA] = op

		for _, br := range op.Branches {
			switch {
			case br.Flags&disassembly.BranchProc != 0:
				ex.layout.Xrefs = append(ex.layout.Xrefs, CrossReference{From: op.VA, To: br.To, Flags: br.Flags})
			case br.Flags&disassembly.BranchTable != 0:
				targets := ex.ld.ReadBranchTable(ex.as, br.To)
				logrus.Debugf("linear disassembler: table at %s from %s: %d entries", br.To, op.VA, len(targets))
				ex.layout.Tables = append(ex.layout.Tables, BranchTable{Address: br.To, From: op.VA, Targets: targets})
				for _, target := range targets {
					ex.layout.Xrefs = append(ex.layout.Xrefs, CrossReference{From: op.VA, To: target, Flags: br.Flags})
					ex.addLeader(target)
				}
			case br.Flags&disassembly.BranchDeref != 0:
				// pointer to the target, like an import.
				ex.layout.Xrefs = append(ex.layout.Xrefs, CrossReference{From: op.VA, To: br.To, Flags: br.Flags})
			default:
				ex.layout.Xrefs = append(ex.layout.Xrefs, CrossReference{From: op.VA, To: br.To, Flags: br.Flags})
				ex.addLeader(br.To)
			}
		}

		if op.EndsBasicBlock() {
			if !op.IsNoFall() {
				ex.addLeader(op.Fallthrough())
			}
			return false, nil
		}
		return true, nil
	})
}

// ExploreFunction linearly disassembles instructions and explores basic
// blocks starting at a given address in a given address space.
// It terminates once it has explored all the basic blocks it discovers.
func (ld *LinearDisassembler) ExploreFunction(as AS.AddressSpace, va AS.VA) (*Layout, error) {
	ex := &explorer{
		ld:      ld,
		as:      as,
		layout:  &Layout{Start: va},
		insns:   make(map[AS.VA]*disassembly.OpCode),
		leaders: make(map[AS.VA]bool),
		lifo:    make([]AS.VA, 0, 10),
	}

	ex.addLeader(va)
	for len(ex.lifo) > 0 {
		// pop BB address
		bb := ex.lifo[len(ex.lifo)-1]
		ex.lifo = ex.lifo[:len(ex.lifo)-1]

		e := ex.ExploreBB(bb)
		if e != nil {
			if bb == va && len(ex.insns) == 0 {
				return nil, errors.Wrapf(e, "explore function %s", va)
			}
			// a bad branch target does not invalidate the rest of the function.
			logrus.Debugf("linear disassembler: stopped at bb %s: %s", bb, e.Error())
		}
	}

	addrs := make([]AS.VA, 0, len(ex.insns))
	for insnVA := range ex.insns {
		addrs = append(addrs, insnVA)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var current *BasicBlock
	var prev *disassembly.OpCode
	for _, insnVA := range addrs {
		op := ex.insns[insnVA]
		ex.layout.Instructions = append(ex.layout.Instructions, op)

		if current == nil || ex.leaders[insnVA] || prev.EndsBasicBlock() || prev.Fallthrough() != insnVA {
			if current != nil {
				ex.layout.BasicBlocks = append(ex.layout.BasicBlocks, *current)
			}
			current = &BasicBlock{Start: insnVA}
		}
		current.Size += op.Size
		current.Flags = op.Flags
		prev = op
	}
	if current != nil {
		ex.layout.BasicBlocks = append(ex.layout.BasicBlocks, *current)
	}

	return ex.layout, nil
}
