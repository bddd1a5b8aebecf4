package direct_calls_analysis

import (
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/artifacts"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// DirectCallAnalysis makes functions at the targets of `call 0x401000`.
type DirectCallAnalysis struct {
	// referenced:
	ws *W.Workspace
}

func New(ws *W.Workspace) (*DirectCallAnalysis, error) {
	return &DirectCallAnalysis{
		ws: ws,
	}, nil
}

func (a *DirectCallAnalysis) Close() error {
	return nil
}

/** DirectCallAnalysis implements FunctionAnalysis interface **/
func (a *DirectCallAnalysis) AnalyzeFunction(fva AS.VA) error {
	f, e := artifacts.NewFunction(a.ws, fva)
	if e != nil {
		return e
	}
	bbs, e := f.GetBasicBlocks()
	if e != nil {
		return e
	}

	for _, bb := range bbs {
		insns, e := bb.GetInstructions()
		if e != nil {
			return e
		}
		for _, op := range insns {
			if !op.IsCall() {
				continue
			}
			for _, br := range op.Branches {
				if br.Flags&disassembly.BranchProc == 0 || br.Flags&disassembly.BranchDeref != 0 {
					continue
				}
				if !a.ws.IsExecutable(br.To) {
					continue
				}
				logrus.Debugf("direct call analysis: found function: %s -> %s", op.VA, br.To)
				if e := a.ws.MakeFunction(br.To); e != nil {
					logrus.Debugf("direct call analysis: failed to make function: %s: %s", br.To, e.Error())
				}
			}
		}
	}
	return nil
}

func (a *DirectCallAnalysis) Priority() uint {
	return 50
}
