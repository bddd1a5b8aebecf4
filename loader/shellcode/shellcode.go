package shellcode

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/config"
	"github.com/williballenthin/vivutils/disassembly"
	W "github.com/williballenthin/vivutils/workspace"
)

// the name of the file and memory map holding the shellcode.
const (
	FileName = "shellcode"
	MapName  = "Shellcode"
)

// ShellcodeLoader maps a raw buffer of code, with the entry point at its first byte.
type ShellcodeLoader struct {
	buf  []byte
	base AS.VA
}

func New(buf []byte, base AS.VA) *ShellcodeLoader {
	if base == 0 {
		base = config.DefaultShellcodeBase
	}
	return &ShellcodeLoader{buf: buf, base: base}
}

func (l *ShellcodeLoader) Load(ws *W.Workspace) (*W.LoadedModule, error) {
	logrus.Debugf("shellcode: load: 0x%x bytes at %s", len(l.buf), l.base)

	ws.SetMeta(W.MetaPlatform, "windows")
	ws.SetMeta(W.MetaFormat, "blob")

	if e := ws.AddMemoryMap(l.base, AS.PermRWX, MapName, l.buf); e != nil {
		return nil, errors.Wrapf(e, "failed to map shellcode at %s", l.base)
	}

	mod := W.NewLoadedModule(FileName, l.base, uint64(len(l.buf)))
	mod.EntryPoint = l.base
	if e := ws.AddLoadedModule(mod); e != nil {
		return nil, e
	}
	ws.AddEntryPoint(l.base)
	return mod, nil
}

// GetShellcodeWorkspace creates a workspace holding the shellcode.
// When `analyze` is set, the default analyzers run over it.
func GetShellcodeWorkspace(buf []byte, arch disassembly.Arch, base AS.VA, analyze bool) (*W.Workspace, error) {
	cfg := config.Default()
	cfg.Arch = arch
	if base != 0 {
		cfg.ShellcodeBase = base
	}
	return GetShellcodeWorkspaceWithConfig(buf, cfg, analyze)
}

func GetShellcodeWorkspaceWithConfig(buf []byte, cfg *config.Config, analyze bool) (*W.Workspace, error) {
	ws, e := newWorkspace(buf, cfg)
	if e != nil {
		return nil, e
	}
	if analyze {
		if e := analyzeWorkspace(ws, cfg); e != nil {
			return nil, e
		}
	}
	return ws, nil
}

// GetShellcodeWorkspaceFromFile is GetShellcodeWorkspace for the contents of a file.
// The workspace remembers the path, so the sample can be read again later.
func GetShellcodeWorkspaceFromFile(path string, cfg *config.Config, analyze bool) (*W.Workspace, error) {
	buf, e := os.ReadFile(path)
	if e != nil {
		return nil, errors.Wrapf(e, "failed to read %s", path)
	}

	ws, e := newWorkspace(buf, cfg)
	if e != nil {
		return nil, e
	}
	ws.SetMeta(W.MetaStorageName, path+".viv")
	if e := ws.SetFileMeta(FileName, W.FileMetaSamplePath, path); e != nil {
		return nil, e
	}

	if analyze {
		if e := analyzeWorkspace(ws, cfg); e != nil {
			return nil, e
		}
	}
	return ws, nil
}

func newWorkspace(buf []byte, cfg *config.Config) (*W.Workspace, error) {
	ws, e := config.NewWorkspace(cfg)
	if e != nil {
		return nil, e
	}
	if _, e := New(buf, cfg.ShellcodeBase).Load(ws); e != nil {
		ws.Close()
		return nil, e
	}
	return ws, nil
}

func analyzeWorkspace(ws *W.Workspace, cfg *config.Config) error {
	if e := config.RegisterDefaultAnalyzers(ws, cfg); e != nil {
		return e
	}
	if e := ws.Analyze(); e != nil {
		return errors.Wrap(e, "failed to analyze shellcode")
	}
	return nil
}
