package stack_delta_analysis

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/artifacts"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// StackDeltaAnalysis records how many bytes of arguments a function pops,
// from its first `ret imm16` or plain `ret`.
type StackDeltaAnalysis struct {
	// referenced:
	ws *W.Workspace
}

func New(ws *W.Workspace) (*StackDeltaAnalysis, error) {
	return &StackDeltaAnalysis{
		ws: ws,
	}, nil
}

func (a *StackDeltaAnalysis) Close() error {
	return nil
}

// returnDelta extracts the immediate of `ret imm16`, skipping any prefixes.
func returnDelta(op *disassembly.OpCode) uint64 {
	for i, b := range op.Bytes {
		switch b {
		case 0xC2, 0xCA:
			if i+3 <= len(op.Bytes) {
				return uint64(binary.LittleEndian.Uint16(op.Bytes[i+1 : i+3]))
			}
			return 0
		case 0xC3, 0xCB:
			return 0
		}
	}
	return 0
}

/** StackDeltaAnalysis implements FunctionAnalysis interface **/
func (a *StackDeltaAnalysis) AnalyzeFunction(fva AS.VA) error {
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
		if len(insns) == 0 {
			continue
		}
		last := insns[len(insns)-1]
		if !last.IsReturn() {
			continue
		}
		delta := returnDelta(last)
		logrus.Debugf("stack delta analysis: %s: %d", fva, delta)
		return a.ws.SetStackDelta(fva, delta)
	}
	return nil
}

func (a *StackDeltaAnalysis) Priority() uint {
	return 60
}
