package workspace

import (
	"errors"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	file_analysis "github.com/williballenthin/vivutils/analysis/file"
	function_analysis "github.com/williballenthin/vivutils/analysis/function"
	"github.com/williballenthin/vivutils/disassembly"
)

// well-known metadata keys.
const (
	MetaArchitecture = "Architecture"
	MetaPlatform     = "Platform"
	MetaFormat       = "Format"
	MetaStorageName  = "StorageName"
)

const DefaultOpcodeCacheSize = 0x1000

var ErrNoEntryPoints = errors.New("Workspace has no entry points")
var ErrMetaNotFound = errors.New("Metadata key not found")

// Workspace is the analysis context of one run: memory, metadata,
// and everything the analyzers learn about the code.
// A Workspace must not be used from multiple goroutines.
type Workspace struct {
	Arch disassembly.Arch

	as      *AS.SimpleAddressSpace
	dis     disassembly.Decoder
	ptrSize int
	opcodes *lru.Cache[AS.VA, *disassembly.OpCode]

	meta          map[string]string
	entryPoints   []AS.VA
	LoadedModules []*LoadedModule
	imports       map[AS.VA]LinkedSymbol

	functions map[AS.VA]*functionEntry
	locations map[AS.VA]Location
	xrefsFrom map[AS.VA][]CrossReference
	xrefsTo   map[AS.VA][]CrossReference

	// sorted addresses of the locations.
	locationIndex   []AS.VA
	maxLocationSize uint64

	fileAnalyzers     []file_analysis.FileAnalysis
	functionAnalyzers []function_analysis.FunctionAnalysis
	pendingFunctions  []AS.VA
	analyzing         bool

	libraryFunctions      []LibraryFunction
	unclassifiedFunctions []FunctionEntry
}

func New(arch disassembly.Arch) (*Workspace, error) {
	ptrSize, e := disassembly.PointerSize(arch)
	if e != nil {
		return nil, e
	}

	dis, e := disassembly.NewDecoder(disassembly.DefaultDecoder, arch)
	if e != nil {
		return nil, e
	}

	as, e := AS.NewSimpleAddressSpace()
	if e != nil {
		return nil, e
	}

	opcodes, e := lru.New[AS.VA, *disassembly.OpCode](DefaultOpcodeCacheSize)
	if e != nil {
		return nil, e
	}

	return &Workspace{
		Arch:      arch,
		as:        as,
		dis:       dis,
		ptrSize:   ptrSize,
		opcodes:   opcodes,
		meta:      map[string]string{MetaArchitecture: string(arch)},
		imports:   make(map[AS.VA]LinkedSymbol),
		functions: make(map[AS.VA]*functionEntry),
		locations: make(map[AS.VA]Location),
		xrefsFrom: make(map[AS.VA][]CrossReference),
		xrefsTo:   make(map[AS.VA][]CrossReference),
	}, nil
}

// SetDecoder replaces the instruction decoder and drops cached instructions.
func (ws *Workspace) SetDecoder(dis disassembly.Decoder) {
	ws.dis = dis
	ws.opcodes.Purge()
}

func (ws *Workspace) GetDecoder() disassembly.Decoder {
	return ws.dis
}

func (ws *Workspace) SetOpcodeCacheSize(size int) error {
	opcodes, e := lru.New[AS.VA, *disassembly.OpCode](size)
	if e != nil {
		return e
	}
	ws.opcodes = opcodes
	return nil
}

func (ws *Workspace) PointerSize() int {
	return ws.ptrSize
}

/** Workspace implements AddressSpace **/

func (ws *Workspace) MemRead(va AS.VA, length uint64) ([]byte, error) {
	return ws.as.MemRead(va, length)
}

func (ws *Workspace) MemWrite(va AS.VA, data []byte) error {
	e := ws.as.MemWrite(va, data)
	if e == nil {
		// BUG: purges the whole cache, even for data writes.
		ws.opcodes.Purge()
	}
	return e
}

func (ws *Workspace) MemMap(va AS.VA, length uint64, perms AS.Perms, name string) error {
	logrus.Debugf("workspace: map %s %s (%s) %s", va, perms, humanize.IBytes(length), name)
	return ws.as.MemMap(va, length, perms, name)
}

func (ws *Workspace) MemUnmap(va AS.VA, length uint64) error {
	ws.opcodes.Purge()
	return ws.as.MemUnmap(va, length)
}

func (ws *Workspace) GetMaps() ([]AS.MemoryRegion, error) {
	return ws.as.GetMaps()
}

func (ws *Workspace) Close() error {
	for _, a := range ws.fileAnalyzers {
		if e := a.Close(); e != nil {
			logrus.Warnf("workspace: failed to close analyzer: %s", e.Error())
		}
	}
	return ws.as.Close()
}

// AddMemoryMap maps the given bytes at the given address.
func (ws *Workspace) AddMemoryMap(va AS.VA, perms AS.Perms, name string, data []byte) error {
	e := ws.MemMap(va, uint64(len(data)), perms, name)
	if e != nil {
		return e
	}
	return ws.as.MemWrite(va, data)
}

func (ws *Workspace) GetMemoryMap(va AS.VA) (AS.MemoryRegion, error) {
	return ws.as.GetRegion(va)
}

func (ws *Workspace) IsExecutable(va AS.VA) bool {
	region, e := ws.as.GetRegion(va)
	if e != nil {
		return false
	}
	return region.Perms&AS.PermExec != 0
}

func (ws *Workspace) ProbeMemory(va AS.VA, length uint64) bool {
	return AS.ProbeMemory(ws.as, va, length)
}

func (ws *Workspace) MemReadPointer(va AS.VA) (AS.VA, error) {
	return AS.MemReadPointer(ws.as, va, ws.ptrSize)
}

/** entry points **/

func (ws *Workspace) AddEntryPoint(va AS.VA) {
	for _, ep := range ws.entryPoints {
		if ep == va {
			return
		}
	}
	ws.entryPoints = append(ws.entryPoints, va)
}

func (ws *Workspace) GetEntryPoints() []AS.VA {
	ret := make([]AS.VA, len(ws.entryPoints))
	copy(ret, ws.entryPoints)
	return ret
}

/** metadata **/

func (ws *Workspace) SetMeta(key string, value string) {
	ws.meta[key] = value
}

func (ws *Workspace) GetMeta(key string) (string, error) {
	v, ok := ws.meta[key]
	if !ok {
		return "", ErrMetaNotFound
	}
	return v, nil
}

/** instructions **/

// ParseOpcode decodes the instruction at the given address.
func (ws *Workspace) ParseOpcode(va AS.VA) (*disassembly.OpCode, error) {
	if op, ok := ws.opcodes.Get(va); ok {
		return op, nil
	}
	op, e := disassembly.ReadInstruction(ws.dis, ws.as, va)
	if e != nil {
		return nil, e
	}
	ws.opcodes.Add(va, op)
	return op, nil
}
