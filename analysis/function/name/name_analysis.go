package name_analysis

import (
	"fmt"

	AS "github.com/williballenthin/vivutils/address_space"
	W "github.com/williballenthin/vivutils/workspace"
)

// NameAnalysis names thunks after the API they jump to.
// Other functions keep their name, which defaults to sub_%x.
type NameAnalysis struct {
	ws *W.Workspace
}

func New(ws *W.Workspace) (*NameAnalysis, error) {
	return &NameAnalysis{
		ws: ws,
	}, nil
}

/** NameAnalysis implements FunctionAnalysis interface **/
func (a *NameAnalysis) AnalyzeFunction(fva AS.VA) error {
	if !a.ws.IsThunkFunction(fva) {
		return nil
	}
	op, e := a.ws.ParseOpcode(fva)
	if e != nil {
		return e
	}
	for _, br := range op.Branches {
		sym, ok := a.ws.ResolveAPI(br.To)
		if !ok {
			continue
		}
		return a.ws.SetFunctionName(fva, fmt.Sprintf("j_%s", sym.SymbolName))
	}
	return nil
}

func (a *NameAnalysis) Priority() uint {
	return 25
}
