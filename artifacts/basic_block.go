package artifacts

import (
	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// unique: (Start)
type BasicBlock struct {
	artifacts *Artifacts
	// Start is the first address in the basic block.
	Start AS.VA
	Size  uint64
	// Function is the address of the owning function.
	Function AS.VA
	Flags    disassembly.InstructionFlags
}

// GetEnd returns the address just past the basic block.
func (bb *BasicBlock) GetEnd() AS.VA {
	return bb.Start.Add(bb.Size)
}

// GetInstructions decodes the instructions of the basic block in order.
func (bb *BasicBlock) GetInstructions() ([]*disassembly.OpCode, error) {
	var instructions []*disassembly.OpCode
	offset := uint64(0)
	for offset < bb.Size {
		va := bb.Start.Add(offset)
		op, e := bb.artifacts.ws.ParseOpcode(va)
		if e != nil {
			return nil, e
		}
		if offset+op.Size > bb.Size {
			return nil, errors.Wrapf(ErrBlockOverrun, "instruction %s in block %s", va, bb.Start)
		}
		instructions = append(instructions, op)
		offset += op.Size
	}
	return instructions, nil
}

// GetNextBasicBlocks returns the blocks of the same function
// that control may flow to from the end of this block.
func (bb *BasicBlock) GetNextBasicBlocks() ([]*BasicBlock, error) {
	insns, e := bb.GetInstructions()
	if e != nil {
		return nil, e
	}
	if len(insns) == 0 {
		return nil, nil
	}
	last := insns[len(insns)-1]

	ws := bb.artifacts.ws
	xrefs, e := ws.GetAllXrefsFrom(last.VA)
	if e != nil {
		return nil, e
	}
	for _, x := range ws.XrefsFrom(last.VA, W.RefCode) {
		if x.Flags&disassembly.BranchTable != 0 {
			xrefs = append(xrefs, x)
		}
	}

	infos, e := ws.FunctionBlocks(bb.Function)
	if e != nil {
		return nil, e
	}
	blocks := make(map[AS.VA]W.BlockInfo, len(infos))
	for _, info := range infos {
		blocks[info.VA] = info
	}

	ret := make([]*BasicBlock, 0, len(xrefs))
	seen := make(map[AS.VA]bool, len(xrefs))
	for _, x := range xrefs {
		info, ok := blocks[x.To]
		if !ok || seen[x.To] {
			continue
		}
		seen[x.To] = true
		ret = append(ret, &BasicBlock{
			artifacts: bb.artifacts,
			Start:     info.VA,
			Size:      info.Size,
			Function:  info.FVA,
			Flags:     info.Flags,
		})
	}
	return ret, nil
}
