package workspace

import (
	"os"

	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
)

// LibraryFunction is a catalogued function recognized by a signature.
type LibraryFunction struct {
	Name string
	Size uint64
	VA   AS.VA
}

// SetLibraryFunctions replaces the library functions of the last classification.
func (ws *Workspace) SetLibraryFunctions(fns []LibraryFunction) {
	ws.libraryFunctions = append([]LibraryFunction(nil), fns...)
}

func (ws *Workspace) LibraryFunctions() []LibraryFunction {
	return append([]LibraryFunction(nil), ws.libraryFunctions...)
}

// SetUnclassifiedFunctions replaces the unclassified functions of the last classification.
func (ws *Workspace) SetUnclassifiedFunctions(fns []FunctionEntry) {
	ws.unclassifiedFunctions = append([]FunctionEntry(nil), fns...)
}

func (ws *Workspace) UnclassifiedFunctions() []FunctionEntry {
	return append([]FunctionEntry(nil), ws.unclassifiedFunctions...)
}

// ReadSample returns the raw bytes of the sample and the file they belong to.
// Use LoadedModule.OffsetToVA to find where an offset into the bytes is loaded.
// The bytes come from the file named by the sample_path metadata when set,
// then from the bytes kept by the loader.
// A flat image with neither is read from the memory map at its base;
// a sectioned file with neither is an error.
func (ws *Workspace) ReadSample() ([]byte, *LoadedModule, error) {
	if len(ws.LoadedModules) == 0 {
		return nil, nil, ErrModuleNotFound
	}
	mod := ws.LoadedModules[0]
	if len(ws.entryPoints) > 0 {
		if m, e := ws.GetFileByVA(ws.entryPoints[0]); e == nil {
			mod = m
		}
	}

	if path, ok := mod.Meta[FileMetaSamplePath]; ok {
		buf, e := os.ReadFile(path)
		if e != nil {
			return nil, nil, errors.Wrapf(e, "read sample %s", path)
		}
		return buf, mod, nil
	}

	if mod.Raw != nil {
		return mod.Raw, mod, nil
	}

	if len(mod.Sections) != 0 {
		return nil, nil, errors.Wrapf(ErrSampleUnavailable, "read sample %s", mod.Name)
	}

	region, e := ws.as.GetRegion(mod.BaseAddress)
	if e != nil {
		return nil, nil, errors.Wrapf(e, "read sample at %s", mod.BaseAddress)
	}
	buf, e := ws.as.MemRead(mod.BaseAddress, uint64(region.End()-mod.BaseAddress))
	if e != nil {
		return nil, nil, errors.Wrapf(e, "read sample at %s", mod.BaseAddress)
	}
	return buf, mod, nil
}
