package indirect_flow_analysis

import (
	"context"

	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/emulator"
	"github.com/williballenthin/vivutils/emulator/drivers"
	W "github.com/williballenthin/vivutils/workspace"
)

// IndirectControlFlowAnalysis emulates every path of a function
// to find where its indirect jumps go, like `jmp [0x402000]`.
// The targets are recorded as code xrefs and made into functions.
type IndirectControlFlowAnalysis struct {
	// referenced:
	ws *W.Workspace

	// own:
	opts drivers.Options
}

func New(ws *W.Workspace, opts drivers.Options) (*IndirectControlFlowAnalysis, error) {
	return &IndirectControlFlowAnalysis{
		ws:   ws,
		opts: opts,
	}, nil
}

func (a *IndirectControlFlowAnalysis) Close() error {
	return nil
}

/** IndirectControlFlowAnalysis implements FunctionAnalysis interface **/
func (a *IndirectControlFlowAnalysis) AnalyzeFunction(fva AS.VA) error {
	logrus.Debugf("indirect cf analysis: analyze function: %s", fva)

	emu, e := emulator.New(a.ws)
	if e != nil {
		return e
	}
	defer emu.Close()

	d := drivers.NewFullCoverageDriver(a.ws, emu, a.opts)
	res, e := d.Run(context.Background(), fva)
	if e != nil {
		return e
	}

	for _, edge := range res.EdgesOfKind(drivers.EdgeDynamic) {
		logrus.Debugf("indirect cf analysis: found: %s -> %s", edge.From, edge.To)
		a.ws.AddXref(edge.From, edge.To, W.RefCode, 0)
		if a.ws.IsFunction(edge.To) {
			continue
		}
		if e := a.ws.MakeFunction(edge.To); e != nil {
			logrus.Debugf("indirect cf analysis: failed to make function: %s: %s", edge.To, e.Error())
		}
	}
	return nil
}

func (a *IndirectControlFlowAnalysis) Priority() uint {
	return 75
}
