package prologue_analysis

import (
	"bytes"

	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	W "github.com/williballenthin/vivutils/workspace"
)

type PrologueAnalysis struct {
	ws *W.Workspace
}

func New(ws *W.Workspace) (*PrologueAnalysis, error) {
	return &PrologueAnalysis{
		ws: ws,
	}, nil
}

// findAll locates all instances of the given separator in
// the given byteslice and returns the RVAs relative to the
// start of the slice.
func findAll(d []byte, sep []byte) []AS.RVA {
	var offset uint64
	ret := make([]AS.RVA, 0, 100)
	for {
		i := bytes.Index(d, sep)
		if i == -1 {
			break
		}

		ret = append(ret, AS.RVA(uint64(i)+offset))

		d = d[i+len(sep):]
		offset += uint64(i + len(sep))
	}
	return ret
}

// findPrologues locates all instances of common x86 function
// prologues in the given byteslice.
func findPrologues(d []byte) []AS.RVA {
	ret := make([]AS.RVA, 0, 100)
	bare := make(map[AS.RVA]bool)

	// first, find prologues with hotpatch region
	hits := findAll(d, []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC}) // mov edi, edi; push ebp; mov ebp, esp

	// index the "bare" prologue start for future overlap query
	ret = append(ret, hits...)
	for _, hit := range hits {
		bare[AS.RVA(uint64(hit)+0x2)] = true
	}

	// now, find prologues without hotpatch region
	hits = findAll(d, []byte{0x55, 0x8B, 0xEC}) // push ebp; mov ebp, esp

	// and ensure they don't overlap with the hotpatchable prologues
	for _, hit := range hits {
		if _, ok := bare[hit]; ok {
			continue
		}
		ret = append(ret, hit)
	}

	return ret
}

/** PrologueAnalysis implements FileAnalysis interface **/
func (a *PrologueAnalysis) AnalyzeAll() error {
	// search for prologues in each executable memory region, queue them
	// up as functions to analyze
	mmaps, e := a.ws.GetMaps()
	if e != nil {
		return e
	}
	for _, mmap := range mmaps {
		if mmap.Perms&AS.PermExec == 0 {
			continue
		}

		d, e := a.ws.MemRead(mmap.Address, mmap.Length)
		if e != nil {
			return e
		}

		for _, fn := range findPrologues(d) {
			fva := fn.VA(mmap.Address)
			if a.ws.IsFunction(fva) {
				continue
			}
			// skip matches that fall inside an instruction we already know about
			if loc, ok := a.ws.GetLocation(fva); ok && loc.VA != fva {
				continue
			}
			if _, e := a.ws.ParseOpcode(fva); e != nil {
				continue
			}
			logrus.Debugf("function prologue analysis: found function: %s", fva)
			if e := a.ws.MakeFunction(fva); e != nil {
				logrus.Warnf("function prologue analysis: failed to make function: %s: %s", fva, e.Error())
			}
		}
	}
	return nil
}

func (a *PrologueAnalysis) Priority() uint {
	return 75
}

func (a *PrologueAnalysis) Close() error {
	return nil
}
