package workspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	AS "github.com/williballenthin/vivutils/address_space"
)

// LinkedSymbol identifies an external API, like kernel32.VirtualAlloc.
type LinkedSymbol struct {
	ModuleName string
	SymbolName string
}

func (s LinkedSymbol) String() string {
	if s.ModuleName == "" {
		return s.SymbolName
	}
	return fmt.Sprintf("%s.%s", normalizeModuleName(s.ModuleName), s.SymbolName)
}

func normalizeModuleName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".dll")
}

// Matches returns true when the other symbol names the same API.
// Module names compare case-insensitively without a .dll suffix,
// and an empty module name matches any module.
func (s LinkedSymbol) Matches(other LinkedSymbol) bool {
	if s.SymbolName != other.SymbolName {
		return false
	}
	if s.ModuleName == "" || other.ModuleName == "" {
		return true
	}
	return normalizeModuleName(s.ModuleName) == normalizeModuleName(other.ModuleName)
}

type ExportedSymbol struct {
	RVA             AS.RVA
	IsForwarded     bool
	ForwardedSymbol LinkedSymbol
}

// LoadedModule is a file loaded into the workspace.
type LoadedModule struct {
	Name             string
	BaseAddress      AS.VA
	EntryPoint       AS.VA
	Imports          map[AS.RVA]LinkedSymbol
	ExportsByName    map[string]ExportedSymbol
	ExportsByOrdinal map[uint16]ExportedSymbol
	// per-file metadata, like the sample path.
	Meta map[string]string
	// address range covered by the file, used to map addresses to files.
	Size uint64
	// where the file's bytes are loaded. empty for flat images.
	Sections []SectionMapping
	// the file's bytes, when the loader kept them.
	Raw []byte
}

// SectionMapping maps a range of file offsets to virtual addresses.
type SectionMapping struct {
	FileOffset uint64
	FileSize   uint64
	VA         AS.VA
}

// file metadata keys.
const (
	FileMetaSamplePath = "sample_path"
	FileMetaMD5        = "md5"
)

var ErrModuleNotFound = errors.New("Module not found")
var ErrSampleUnavailable = errors.New("Sample bytes are not available")

func NewLoadedModule(name string, base AS.VA, size uint64) *LoadedModule {
	return &LoadedModule{
		Name:             name,
		BaseAddress:      base,
		Size:             size,
		Imports:          make(map[AS.RVA]LinkedSymbol),
		ExportsByName:    make(map[string]ExportedSymbol),
		ExportsByOrdinal: make(map[uint16]ExportedSymbol),
		Meta:             make(map[string]string),
	}
}

func (m LoadedModule) VA(rva AS.RVA) AS.VA {
	return rva.VA(m.BaseAddress)
}

// OffsetToVA translates a file offset into the address where it is loaded.
func (m LoadedModule) OffsetToVA(offset uint64) (AS.VA, bool) {
	if len(m.Sections) == 0 {
		return m.BaseAddress.Add(offset), offset < m.Size
	}
	for _, s := range m.Sections {
		if offset >= s.FileOffset && offset < s.FileOffset+s.FileSize {
			return s.VA.Add(offset - s.FileOffset), true
		}
	}
	return 0, false
}

func (m LoadedModule) Contains(va AS.VA) bool {
	return va >= m.BaseAddress && va < m.BaseAddress.Add(m.Size)
}

// note: rva is relative to the module
func (m LoadedModule) MemRead(ws *Workspace, rva AS.RVA, length uint64) ([]byte, error) {
	return ws.MemRead(m.VA(rva), length)
}

// note: rva is relative to the module
func (m LoadedModule) MemReadPtr(ws *Workspace, rva AS.RVA) (AS.VA, error) {
	return ws.MemReadPointer(m.VA(rva))
}

// note: rva is relative to the module
func (m LoadedModule) MemReadRva(ws *Workspace, rva AS.RVA) (AS.RVA, error) {
	// RVAs are 32bits even on x64
	d, e := m.MemRead(ws, rva, 0x4)
	if e != nil {
		return 0, e
	}
	return AS.RVA(binary.LittleEndian.Uint32(d)), nil
}

// MemReadShort reads a 16bit number (often used for ordinals) from the given
// address of the module.
// note: rva is relative to the module
func (m LoadedModule) MemReadShort(ws *Workspace, rva AS.RVA) (uint16, error) {
	d, e := m.MemRead(ws, rva, 0x2)
	if e != nil {
		return 0, e
	}
	return binary.LittleEndian.Uint16(d), nil
}

// AddLoadedModule registers a file and its imports.
func (ws *Workspace) AddLoadedModule(mod *LoadedModule) error {
	ws.LoadedModules = append(ws.LoadedModules, mod)
	for rva, sym := range mod.Imports {
		ws.AddImport(mod.VA(rva), sym.ModuleName, sym.SymbolName)
	}
	return nil
}

// AddFile registers a file that spans no known range yet.
func (ws *Workspace) AddFile(name string, imagebase AS.VA, size uint64) *LoadedModule {
	mod := NewLoadedModule(name, imagebase, size)
	ws.AddLoadedModule(mod)
	return mod
}

func (ws *Workspace) GetFile(name string) (*LoadedModule, error) {
	for _, mod := range ws.LoadedModules {
		if mod.Name == name {
			return mod, nil
		}
	}
	return nil, ErrModuleNotFound
}

func (ws *Workspace) GetFileByVA(va AS.VA) (*LoadedModule, error) {
	for _, mod := range ws.LoadedModules {
		if mod.Contains(va) {
			return mod, nil
		}
	}
	return nil, ErrModuleNotFound
}

func (ws *Workspace) SetFileMeta(name string, key string, value string) error {
	mod, e := ws.GetFile(name)
	if e != nil {
		return e
	}
	mod.Meta[key] = value
	return nil
}

func (ws *Workspace) GetFileMeta(name string, key string) (string, error) {
	mod, e := ws.GetFile(name)
	if e != nil {
		return "", e
	}
	v, ok := mod.Meta[key]
	if !ok {
		return "", ErrMetaNotFound
	}
	return v, nil
}

// GetImageBase returns the image base of the file that holds the first entry point.
func (ws *Workspace) GetImageBase() (AS.VA, error) {
	if len(ws.entryPoints) == 0 {
		return 0, ErrNoEntryPoints
	}
	mod, e := ws.GetFileByVA(ws.entryPoints[0])
	if e != nil {
		return 0, e
	}
	return mod.BaseAddress, nil
}

/** imports **/

// AddImport records that the pointer at `va` refers to the given API.
func (ws *Workspace) AddImport(va AS.VA, module string, name string) {
	ws.imports[va] = LinkedSymbol{ModuleName: module, SymbolName: name}
	ws.AddLocation(va, uint64(ws.ptrSize), LocationImport)
}

// ResolveAPI returns the API identity of an import slot.
func (ws *Workspace) ResolveAPI(va AS.VA) (LinkedSymbol, bool) {
	sym, ok := ws.imports[va]
	return sym, ok
}

func (ws *Workspace) GetImports() map[AS.VA]LinkedSymbol {
	ret := make(map[AS.VA]LinkedSymbol, len(ws.imports))
	for k, v := range ws.imports {
		ret[k] = v
	}
	return ret
}
