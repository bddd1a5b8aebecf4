package pe

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	peparser "github.com/saferwall/pe"
	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/loader"
	W "github.com/williballenthin/vivutils/workspace"
)

// section characteristics.
const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

type PELoader struct {
	name string
	buf  []byte
}

func New(name string, buf []byte) *PELoader {
	return &PELoader{name: name, buf: buf}
}

type optionalHeader struct {
	imageBase     AS.VA
	entryPoint    AS.RVA
	sizeOfImage   uint64
	sizeOfHeaders uint64
}

func getOptionalHeader(f *peparser.File) (optionalHeader, error) {
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case peparser.ImageOptionalHeader32:
		return optionalHeader{
			imageBase:     AS.VA(oh.ImageBase),
			entryPoint:    AS.RVA(oh.AddressOfEntryPoint),
			sizeOfImage:   uint64(oh.SizeOfImage),
			sizeOfHeaders: uint64(oh.SizeOfHeaders),
		}, nil
	case peparser.ImageOptionalHeader64:
		return optionalHeader{
			imageBase:     AS.VA(oh.ImageBase),
			entryPoint:    AS.RVA(oh.AddressOfEntryPoint),
			sizeOfImage:   uint64(oh.SizeOfImage),
			sizeOfHeaders: uint64(oh.SizeOfHeaders),
		}, nil
	default:
		return optionalHeader{}, loader.ErrUnsupportedFormat
	}
}

func sectionPerms(characteristics uint32) AS.Perms {
	var perms AS.Perms
	if characteristics&scnMemRead != 0 {
		perms |= AS.PermRead
	}
	if characteristics&scnMemWrite != 0 {
		perms |= AS.PermWrite
	}
	if characteristics&scnMemExecute != 0 {
		perms |= AS.PermExec
	}
	return perms
}

func sectionName(name [8]uint8) string {
	return string(bytes.TrimRight(name[:], "\x00"))
}

// parseForwarder splits a forwarded export, like `NTDLL.RtlAllocateHeap`.
func parseForwarder(s string) W.LinkedSymbol {
	i := strings.LastIndex(s, ".")
	if i == -1 {
		return W.LinkedSymbol{SymbolName: s}
	}
	return W.LinkedSymbol{ModuleName: s[:i], SymbolName: s[i+1:]}
}

// slice returns the file bytes in [offset, offset+size), clipped to the file.
func (l *PELoader) slice(offset uint64, size uint64) []byte {
	if offset >= uint64(len(l.buf)) {
		return []byte{}
	}
	end := offset + size
	if end > uint64(len(l.buf)) {
		end = uint64(len(l.buf))
	}
	return l.buf[offset:end]
}

// Load maps the headers and sections of the PE file into the workspace,
// and registers the module with its imports, exports, and entry point.
// On error, the maps added so far are removed again.
func (l *PELoader) Load(ws *W.Workspace) (*W.LoadedModule, error) {
	f, e := peparser.NewBytes(l.buf, &peparser.Options{})
	if e != nil {
		return nil, errors.Wrap(e, "failed to open PE")
	}
	if e := f.Parse(); e != nil {
		return nil, errors.Wrap(e, "failed to parse PE")
	}

	if f.Is64 != (ws.Arch == disassembly.ARCH_X64) {
		return nil, loader.ErrArchMismatch
	}

	oh, e := getOptionalHeader(f)
	if e != nil {
		return nil, e
	}

	mod := W.NewLoadedModule(l.name, oh.imageBase, oh.sizeOfImage)
	mod.Raw = l.buf

	var mapped []AS.MemoryRegion
	addMap := func(va AS.VA, perms AS.Perms, name string, data []byte) error {
		if e := ws.AddMemoryMap(va, perms, name, data); e != nil {
			for _, m := range mapped {
				if e := ws.MemUnmap(m.Address, m.Length); e != nil {
					logrus.Warnf("pe: failed to unmap %s: %s", m.Name, e.Error())
				}
			}
			return errors.Wrapf(e, "failed to map %s", name)
		}
		mapped = append(mapped, AS.MemoryRegion{Address: va, Length: uint64(len(data)), Perms: perms, Name: name})
		return nil
	}

	headers := l.slice(0, oh.sizeOfHeaders)
	if e := addMap(oh.imageBase, AS.PermRead, "headers", headers); e != nil {
		return nil, e
	}
	mod.Sections = append(mod.Sections, W.SectionMapping{FileOffset: 0, FileSize: uint64(len(headers)), VA: oh.imageBase})

	for _, section := range f.Sections {
		h := section.Header
		name := sectionName(h.Name)
		va := AS.RVA(h.VirtualAddress).VA(oh.imageBase)

		size := uint64(h.VirtualSize)
		if size == 0 {
			size = uint64(h.SizeOfRawData)
		}
		raw := uint64(h.SizeOfRawData)
		if raw > size {
			raw = size
		}
		data := make([]byte, size)
		fileData := l.slice(uint64(h.PointerToRawData), raw)
		copy(data, fileData)

		logrus.Debugf("pe: section: %s at %s size 0x%x", name, va, size)
		if e := addMap(va, sectionPerms(h.Characteristics), name, data); e != nil {
			return nil, e
		}
		mod.Sections = append(mod.Sections, W.SectionMapping{
			FileOffset: uint64(h.PointerToRawData),
			FileSize:   uint64(len(fileData)),
			VA:         va,
		})
	}

	// we always map at the image base, so relocations don't apply.

	for _, imp := range f.Imports {
		for _, fn := range imp.Functions {
			name := fn.Name
			if fn.ByOrdinal {
				name = fmt.Sprintf("ord%d", fn.Ordinal)
			}
			mod.Imports[AS.RVA(fn.ThunkRVA)] = W.LinkedSymbol{ModuleName: imp.Name, SymbolName: name}
		}
	}

	for _, fn := range f.Export.Functions {
		sym := W.ExportedSymbol{RVA: AS.RVA(fn.FunctionRVA)}
		if fn.Forwarder != "" {
			sym.IsForwarded = true
			sym.ForwardedSymbol = parseForwarder(fn.Forwarder)
		}
		mod.ExportsByOrdinal[uint16(fn.Ordinal)] = sym
		if fn.Name != "" {
			mod.ExportsByName[fn.Name] = sym
		}
	}

	ws.SetMeta(W.MetaPlatform, "windows")
	ws.SetMeta(W.MetaFormat, "pe")

	if e := ws.AddLoadedModule(mod); e != nil {
		return nil, e
	}

	if oh.entryPoint != 0 {
		mod.EntryPoint = oh.entryPoint.VA(oh.imageBase)
		ws.AddEntryPoint(mod.EntryPoint)
	}

	logrus.WithFields(logrus.Fields{
		"name":     l.name,
		"base":     oh.imageBase,
		"sections": len(f.Sections),
		"imports":  len(mod.Imports),
		"exports":  len(mod.ExportsByOrdinal),
	}).Debug("pe: loaded")
	return mod, nil
}

// LoadFile loads the PE file at `path` into the workspace,
// and records the path so the sample can be read again.
func LoadFile(ws *W.Workspace, path string) (*W.LoadedModule, error) {
	buf, e := os.ReadFile(path)
	if e != nil {
		return nil, errors.Wrapf(e, "failed to read %s", path)
	}
	mod, e := New(path, buf).Load(ws)
	if e != nil {
		return nil, e
	}
	mod.Meta[W.FileMetaSamplePath] = path
	ws.SetMeta(W.MetaStorageName, path+".viv")
	return mod, nil
}
