// Package artifacts provides structured views of the functions and
// basic blocks recorded in a workspace.
// The views are computed on demand and never modify the workspace.
package artifacts

import (
	"errors"

	AS "github.com/williballenthin/vivutils/address_space"
	W "github.com/williballenthin/vivutils/workspace"
)

var ErrFunctionNotFound = errors.New("Function not found at specified address")
var ErrBasicBlockNotFound = errors.New("Basic block not found at specified address")

// ErrBlockOverrun means the last decoded instruction crosses the end of its
// basic block, which indicates an inconsistency between the decoder and
// the recorded block layout.
var ErrBlockOverrun = errors.New("Instruction overruns basic block boundary")

type Artifacts struct {
	ws *W.Workspace
}

func New(ws *W.Workspace) (*Artifacts, error) {
	return &Artifacts{
		ws: ws,
	}, nil
}

func (a *Artifacts) GetFunction(va AS.VA) (*Function, error) {
	if !a.ws.IsFunction(va) {
		return nil, ErrFunctionNotFound
	}
	return &Function{
		artifacts: a,
		Start:     va,
	}, nil
}

// GetFunctions returns all catalogued functions, sorted by address.
func (a *Artifacts) GetFunctions() []*Function {
	vas := a.ws.GetFunctions()
	ret := make([]*Function, 0, len(vas))
	for _, va := range vas {
		ret = append(ret, &Function{
			artifacts: a,
			Start:     va,
		})
	}
	return ret
}
