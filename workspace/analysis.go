package workspace

import (
	"sort"

	"github.com/sirupsen/logrus"
	file_analysis "github.com/williballenthin/vivutils/analysis/file"
	function_analysis "github.com/williballenthin/vivutils/analysis/function"
)

func (ws *Workspace) RegisterFileAnalysis(a file_analysis.FileAnalysis) {
	ws.fileAnalyzers = append(ws.fileAnalyzers, a)
	sort.SliceStable(ws.fileAnalyzers, func(i, j int) bool {
		return ws.fileAnalyzers[i].Priority() < ws.fileAnalyzers[j].Priority()
	})
}

func (ws *Workspace) RegisterFunctionAnalysis(a function_analysis.FunctionAnalysis) {
	ws.functionAnalyzers = append(ws.functionAnalyzers, a)
	sort.SliceStable(ws.functionAnalyzers, func(i, j int) bool {
		return ws.functionAnalyzers[i].Priority() < ws.functionAnalyzers[j].Priority()
	})
}

// drainPendingFunctions runs the function analyzers over each newly made
// function, including those made by the analyzers themselves.
func (ws *Workspace) drainPendingFunctions() error {
	ws.analyzing = true
	defer func() { ws.analyzing = false }()

	for len(ws.pendingFunctions) > 0 {
		fva := ws.pendingFunctions[0]
		ws.pendingFunctions = ws.pendingFunctions[1:]

		for _, a := range ws.functionAnalyzers {
			e := a.AnalyzeFunction(fva)
			if e != nil {
				// one failed analyzer should not stop the others.
				logrus.Warnf("workspace: function analysis failed: %s: %s", fva, e.Error())
			}
		}
	}
	return nil
}

// Analyze runs the registered file analyzers in priority order.
// Functions they discover are analyzed by the function analyzers as they are made.
func (ws *Workspace) Analyze() error {
	for _, a := range ws.fileAnalyzers {
		e := a.AnalyzeAll()
		if e != nil {
			return e
		}
		e = ws.drainPendingFunctions()
		if e != nil {
			return e
		}
	}
	logrus.Debugf("workspace: analysis complete: %d functions", len(ws.functions))
	return nil
}
