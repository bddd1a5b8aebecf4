package artifacts

import (
	"sort"

	AS "github.com/williballenthin/vivutils/address_space"
	W "github.com/williballenthin/vivutils/workspace"
)

// unique: (Start)
type Function struct {
	artifacts *Artifacts

	Start AS.VA // this is implicitly the start of the first BasicBlock
}

// NewFunction constructs a view of the function at the given address.
func NewFunction(ws *W.Workspace, va AS.VA) (*Function, error) {
	a, e := New(ws)
	if e != nil {
		return nil, e
	}
	return a.GetFunction(va)
}

func (f *Function) GetName() (string, error) {
	return f.artifacts.ws.GetFunctionName(f.Start)
}

func (f *Function) IsLibrary() bool {
	return f.artifacts.ws.IsLibraryFunction(f.Start)
}

func (f *Function) IsThunk() bool {
	return f.artifacts.ws.IsThunkFunction(f.Start)
}

// GetBasicBlocks returns the function's basic blocks in ascending address order.
func (f *Function) GetBasicBlocks() ([]*BasicBlock, error) {
	infos, e := f.artifacts.ws.FunctionBlocks(f.Start)
	if e != nil {
		return nil, e
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].VA < infos[j].VA
	})

	ret := make([]*BasicBlock, 0, len(infos))
	for _, info := range infos {
		ret = append(ret, &BasicBlock{
			artifacts: f.artifacts,
			Start:     info.VA,
			Size:      info.Size,
			Function:  info.FVA,
			Flags:     info.Flags,
		})
	}
	return ret, nil
}

func (f *Function) GetFirstBasicBlock() (*BasicBlock, error) {
	bbs, e := f.GetBasicBlocks()
	if e != nil {
		return nil, e
	}
	for _, bb := range bbs {
		if bb.Start == f.Start {
			return bb, nil
		}
	}
	return nil, ErrBasicBlockNotFound
}
