package entry_point_analysis

import (
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	W "github.com/williballenthin/vivutils/workspace"
)

type EntryPointAnalysis struct {
	ws *W.Workspace
}

func New(ws *W.Workspace) (*EntryPointAnalysis, error) {
	return &EntryPointAnalysis{
		ws: ws,
	}, nil
}

func (a *EntryPointAnalysis) makeFunction(fva AS.VA, reason string) {
	logrus.Debugf("entry point analysis: found function: %s: %s", reason, fva)
	if e := a.ws.MakeFunction(fva); e != nil {
		logrus.Warnf("entry point analysis: failed to make function: %s: %s", fva, e.Error())
	}
}

/** EntryPointAnalysis implements FileAnalysis interface **/
func (a *EntryPointAnalysis) AnalyzeAll() error {
	for _, va := range a.ws.GetEntryPoints() {
		a.makeFunction(va, "entry point")
	}

	for _, mod := range a.ws.LoadedModules {
		if mod.EntryPoint != 0 {
			a.makeFunction(mod.EntryPoint, "module entry")
		}
		for name, export := range mod.ExportsByName {
			if export.IsForwarded {
				continue
			}
			fva := export.RVA.VA(mod.BaseAddress)
			a.makeFunction(fva, "export")
			if e := a.ws.SetFunctionName(fva, name); e != nil {
				logrus.Debugf("entry point analysis: failed to name export: %s: %s", fva, name)
			}
		}
		for _, export := range mod.ExportsByOrdinal {
			if export.IsForwarded {
				continue
			}
			a.makeFunction(export.RVA.VA(mod.BaseAddress), "export")
		}
	}
	return nil
}

func (a *EntryPointAnalysis) Priority() uint {
	return 50
}

func (a *EntryPointAnalysis) Close() error {
	return nil
}
