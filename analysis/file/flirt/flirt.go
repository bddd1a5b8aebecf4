// Package flirt_analysis classifies catalogued functions as library code
// using FLIRT signatures.
package flirt_analysis

import (
	stderrors "errors"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/flirt"
	W "github.com/williballenthin/vivutils/workspace"
)

type FlirtAnalysis struct {
	// referenced:
	ws      *W.Workspace
	matcher *flirt.Matcher
}

func New(ws *W.Workspace, matcher *flirt.Matcher) (*FlirtAnalysis, error) {
	return &FlirtAnalysis{
		ws:      ws,
		matcher: matcher,
	}, nil
}

/** FlirtAnalysis implements FileAnalysis interface **/
func (a *FlirtAnalysis) AnalyzeAll() error {
	return Classify(a.ws, a.matcher)
}

// Priority runs classification after function discovery.
func (a *FlirtAnalysis) Priority() uint {
	return 100
}

func (a *FlirtAnalysis) Close() error {
	return nil
}

// Classify partitions the catalogued functions into library functions,
// recognized by a signature, and the unclassified remainder.
// Both results replace those of any earlier classification,
// and matched functions are renamed after their signature.
func Classify(ws *W.Workspace, matcher *flirt.Matcher) error {
	buf, mod, e := ws.ReadSample()
	if e != nil {
		return errors.Wrap(e, "failed to read sample")
	}

	// working copy of the catalogue.
	remaining := make(map[AS.VA]string)
	byName := make(map[string]AS.VA)
	for _, fva := range ws.GetFunctions() {
		name, e := ws.GetFunctionName(fva)
		if e != nil {
			return e
		}
		remaining[fva] = name
		if _, ok := byName[name]; !ok {
			byName[name] = fva
		}
	}

	var libs []W.LibraryFunction
	for m := range matcher.Match(buf) {
		name, ok := m.Name()
		if !ok {
			continue
		}

		fva, ok := resolve(ws, mod, byName, m.Offset, name)
		if !ok {
			continue
		}

		if _, ok := remaining[fva]; !ok {
			logrus.Debugf("flirt analysis: stale match: %s: %s", fva, name)
			continue
		}
		delete(remaining, fva)

		logrus.Debugf("flirt analysis: library function: %s: %s", fva, name)
		libs = append(libs, W.LibraryFunction{
			Name: name,
			Size: m.Size(),
			VA:   fva,
		})
	}

	unclassified := make([]W.FunctionEntry, 0, len(remaining))
	for fva, name := range remaining {
		unclassified = append(unclassified, W.FunctionEntry{VA: fva, Name: name})
	}
	sort.Slice(unclassified, func(i, j int) bool {
		return unclassified[i].VA < unclassified[j].VA
	})

	ws.SetLibraryFunctions(libs)
	ws.SetUnclassifiedFunctions(unclassified)

	for _, lib := range libs {
		if e := ws.SetFunctionName(lib.VA, lib.Name); e != nil {
			return e
		}
	}

	logrus.WithFields(logrus.Fields{
		"library":      len(libs),
		"unclassified": len(unclassified),
	}).Debugf("flirt analysis: classified %d functions", len(libs)+len(unclassified))
	return nil
}

// resolve finds the catalogued function for a match:
// the function at the match address, or the function with the match name.
func resolve(ws *W.Workspace, mod *W.LoadedModule, byName map[string]AS.VA, offset uint64, name string) (AS.VA, bool) {
	if va, ok := mod.OffsetToVA(offset); ok && ws.IsFunction(va) {
		return va, true
	}
	fva, ok := byName[name]
	return fva, ok
}

// LoadMatcher loads the signatures at each path into one matcher.
// A source with malformed content is logged and skipped, and reported in the
// returned error alongside the matcher; an I/O failure stops loading.
func LoadMatcher(paths []string) (*flirt.Matcher, error) {
	var sigs []flirt.Signature
	var parseErrors []error
	for _, path := range paths {
		s, e := flirt.LoadSignatures(path)
		if e != nil {
			if flirt.IsParseError(e) {
				logrus.Warnf("flirt analysis: skipping signatures: %s", e.Error())
				parseErrors = append(parseErrors, e)
				continue
			}
			return nil, e
		}
		sigs = append(sigs, s...)
	}
	return flirt.NewMatcher(sigs), stderrors.Join(parseErrors...)
}

// RegisterSignatureAnalyzers loads the signatures at each path and registers
// a classifier that uses all of them.
// Sources that fail to parse are reported in the returned error, but the
// classifier is registered with the sources that loaded.
func RegisterSignatureAnalyzers(ws *W.Workspace, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	matcher, e := LoadMatcher(paths)
	if matcher == nil {
		return e
	}

	a, e2 := New(ws, matcher)
	if e2 != nil {
		return e2
	}
	ws.RegisterFileAnalysis(a)
	logrus.Debugf("flirt analysis: registered %d signatures", matcher.Len())

	return e
}
