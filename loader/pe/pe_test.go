package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	AS "github.com/williballenthin/vivutils/address_space"
	flirt_analysis "github.com/williballenthin/vivutils/analysis/file/flirt"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/flirt"
	"github.com/williballenthin/vivutils/loader"
	W "github.com/williballenthin/vivutils/workspace"
)

// push ebp; mov ebp, esp; mov eax, [ebp+8]; mov ecx, [ebp+0xc]; pop ebp; ret
var memcpy = []byte{0x55, 0x8B, 0xEC, 0x8B, 0x45, 0x08, 0x8B, 0x4D, 0x0C, 0x5D, 0xC3}

// buildPE assembles a 32-bit DLL based at 0x400000:
//
//	headers  0x000-0x200 -> 0x400000
//	.text    0x200-0x400 -> 0x401000, 0x100 bytes, r-x, memcpy at the entry point
//	.rdata   0x400-0x600 -> 0x402000, 0x1000 bytes, r--
//
// .rdata imports KERNEL32.VirtualAlloc and KERNEL32 ordinal 5 through the IAT
// at 0x402140, and exports `copy` (ordinal 1, the entry point) and `Alloc`
// (ordinal 2, forwarded to KERNEL32.VirtualAlloc).
func buildPE() []byte {
	buf := make([]byte, 0x600)
	u16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
	u32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	rdata := func(rva int) int { return 0x400 + rva - 0x2000 }

	copy(buf, "MZ")
	u32(0x3C, 0x40)
	copy(buf[0x40:], "PE\x00\x00")

	// file header
	u16(0x44, 0x14C)
	u16(0x46, 2)
	u16(0x54, 0xE0)
	u16(0x56, 0x2102)

	// optional header
	oh := 0x58
	u16(oh+0, 0x10B)
	u32(oh+4, 0x200)
	u32(oh+8, 0x200)
	u32(oh+16, 0x1000)
	u32(oh+20, 0x1000)
	u32(oh+24, 0x2000)
	u32(oh+28, 0x400000)
	u32(oh+32, 0x1000)
	u32(oh+36, 0x200)
	u16(oh+40, 6)
	u16(oh+48, 6)
	u32(oh+56, 0x3000)
	u32(oh+60, 0x200)
	u16(oh+68, 2)
	u32(oh+72, 0x100000)
	u32(oh+76, 0x1000)
	u32(oh+80, 0x100000)
	u32(oh+84, 0x1000)
	u32(oh+92, 16)
	// export and import directories
	u32(oh+96, 0x2200)
	u32(oh+100, 0x100)
	u32(oh+104, 0x2000)
	u32(oh+108, 0x28)

	section := func(off int, name string, vsize, va, rawSize, rawPtr, characteristics uint32) {
		copy(buf[off:off+8], name)
		u32(off+8, vsize)
		u32(off+12, va)
		u32(off+16, rawSize)
		u32(off+20, rawPtr)
		u32(off+36, characteristics)
	}
	section(0x138, ".text", 0x100, 0x1000, 0x200, 0x200, 0x60000020)
	section(0x160, ".rdata", 0x1000, 0x2000, 0x200, 0x400, 0x40000040)

	copy(buf[0x200:], memcpy)

	// import descriptor, then the null descriptor
	u32(rdata(0x2000), 0x2100)
	u32(rdata(0x200C), 0x2180)
	u32(rdata(0x2010), 0x2140)
	for _, thunks := range []int{0x2100, 0x2140} {
		u32(rdata(thunks), 0x2190)
		u32(rdata(thunks+4), 0x80000005)
	}
	copy(buf[rdata(0x2180):], "KERNEL32.dll")
	copy(buf[rdata(0x2192):], "VirtualAlloc")

	// export directory
	ed := rdata(0x2200)
	u32(ed+12, 0x2280)
	u32(ed+16, 1)
	u32(ed+20, 2)
	u32(ed+24, 2)
	u32(ed+28, 0x2240)
	u32(ed+32, 0x2250)
	u32(ed+36, 0x2260)
	u32(rdata(0x2240), 0x1000)
	u32(rdata(0x2244), 0x22A0)
	u32(rdata(0x2250), 0x2290)
	u32(rdata(0x2254), 0x2298)
	u16(rdata(0x2260), 0)
	u16(rdata(0x2262), 1)
	copy(buf[rdata(0x2280):], "test.dll")
	copy(buf[rdata(0x2290):], "copy")
	copy(buf[rdata(0x2298):], "Alloc")
	copy(buf[rdata(0x22A0):], "KERNEL32.VirtualAlloc")

	return buf
}

func loadTestPE(t *testing.T) (*W.Workspace, *W.LoadedModule) {
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	t.Cleanup(func() { ws.Close() })

	mod, e := New("test.dll", buildPE()).Load(ws)
	if e != nil {
		t.Fatalf("load: %v", e)
	}
	return ws, mod
}

func TestSectionPerms(t *testing.T) {
	// .text
	if p := sectionPerms(0x60000020); p != AS.PermRead|AS.PermExec {
		t.Fatalf(".text: %s", p)
	}
	// .data
	if p := sectionPerms(0xC0000040); p != AS.PermRead|AS.PermWrite {
		t.Fatalf(".data: %s", p)
	}
}

func TestSectionName(t *testing.T) {
	if n := sectionName([8]uint8{'.', 't', 'e', 'x', 't'}); n != ".text" {
		t.Fatalf("name: %q", n)
	}
	if n := sectionName([8]uint8{'.', 'r', 'e', 'l', 'o', 'c', 'x', 'y'}); n != ".relocxy" {
		t.Fatalf("name: %q", n)
	}
}

func TestParseForwarder(t *testing.T) {
	sym := parseForwarder("NTDLL.RtlAllocateHeap")
	if sym.ModuleName != "NTDLL" || sym.SymbolName != "RtlAllocateHeap" {
		t.Fatalf("forwarder: %+v", sym)
	}
	if sym := parseForwarder("api-ms-win-core-heap-l1-1-0.HeapAlloc"); sym.ModuleName != "api-ms-win-core-heap-l1-1-0" {
		t.Fatalf("forwarder: %+v", sym)
	}
}

func TestLoadGarbage(t *testing.T) {
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	if _, e := New("garbage", []byte("this is not a PE file")).Load(ws); e == nil {
		t.Fatal("garbage loaded")
	}
	if len(ws.LoadedModules) != 0 {
		t.Fatal("module registered")
	}
}

func TestLoadMaps(t *testing.T) {
	ws, mod := loadTestPE(t)

	for _, expected := range []AS.MemoryRegion{
		{Address: 0x400000, Length: 0x200, Perms: AS.PermRead, Name: "headers"},
		{Address: 0x401000, Length: 0x100, Perms: AS.PermRead | AS.PermExec, Name: ".text"},
		{Address: 0x402000, Length: 0x1000, Perms: AS.PermRead, Name: ".rdata"},
	} {
		region, e := ws.GetMemoryMap(expected.Address)
		if e != nil || region != expected {
			t.Fatalf("map %s: %+v %v", expected.Address, region, e)
		}
	}

	code, e := ws.MemRead(0x401000, uint64(len(memcpy)))
	if e != nil || !bytes.Equal(code, memcpy) {
		t.Fatalf(".text: %x %v", code, e)
	}
	// past the raw data, the section is zero filled.
	pad, e := ws.MemRead(0x402800, 0x10)
	if e != nil || !bytes.Equal(pad, make([]byte, 0x10)) {
		t.Fatalf("padding: %x %v", pad, e)
	}

	if mod.BaseAddress != 0x400000 || mod.Size != 0x3000 || len(mod.Sections) != 3 {
		t.Fatalf("module: %+v", mod)
	}
	if v, _ := ws.GetMeta(W.MetaFormat); v != "pe" {
		t.Fatalf("format: %q", v)
	}
}

func TestLoadImports(t *testing.T) {
	ws, _ := loadTestPE(t)

	sym, ok := ws.ResolveAPI(0x402140)
	if !ok || !sym.Matches(W.LinkedSymbol{ModuleName: "kernel32", SymbolName: "VirtualAlloc"}) {
		t.Fatalf("import: %+v", sym)
	}
	sym, ok = ws.ResolveAPI(0x402144)
	if !ok || !strings.EqualFold(sym.ModuleName, "KERNEL32.dll") || sym.SymbolName != "ord5" {
		t.Fatalf("ordinal import: %+v", sym)
	}
	if _, ok := ws.ResolveAPI(0x402148); ok {
		t.Fatal("thunk terminator imported")
	}
}

func TestLoadEntryPointAndExports(t *testing.T) {
	ws, mod := loadTestPE(t)

	eps := ws.GetEntryPoints()
	if len(eps) != 1 || eps[0] != 0x401000 || mod.EntryPoint != 0x401000 {
		t.Fatalf("entry points: %v", eps)
	}

	if sym, ok := mod.ExportsByName["copy"]; !ok || sym.RVA != 0x1000 || sym.IsForwarded {
		t.Fatalf("export: %+v", sym)
	}
	if sym := mod.ExportsByOrdinal[1]; sym.RVA != 0x1000 {
		t.Fatalf("export by ordinal: %+v", sym)
	}
	sym, ok := mod.ExportsByName["Alloc"]
	if !ok || !sym.IsForwarded || sym.ForwardedSymbol != (W.LinkedSymbol{ModuleName: "KERNEL32", SymbolName: "VirtualAlloc"}) {
		t.Fatalf("forwarder: %+v", sym)
	}
	if _, ok := mod.ExportsByOrdinal[2]; !ok {
		t.Fatal("forwarder by ordinal")
	}
}

func TestLoadClassify(t *testing.T) {
	ws, _ := loadTestPE(t)
	ws.AddFunction(0x401000, "")

	buf, mod, e := ws.ReadSample()
	if e != nil || len(buf) != 0x600 {
		t.Fatalf("sample: %d %v", len(buf), e)
	}
	if va, ok := mod.OffsetToVA(0x200); !ok || va != 0x401000 {
		t.Fatalf("offset: %s", va)
	}

	sigs, e := flirt.ParsePat(strings.NewReader("558BEC8B45088B4D0C5DC3 00 0000 000B :0000 _memcpy\n---\n"), "test.pat")
	if e != nil {
		t.Fatalf("signatures: %v", e)
	}
	if e := flirt_analysis.Classify(ws, flirt.NewMatcher(sigs)); e != nil {
		t.Fatalf("classify: %v", e)
	}
	libs := ws.LibraryFunctions()
	if len(libs) != 1 || libs[0].VA != 0x401000 || libs[0].Name != "_memcpy" {
		t.Fatalf("library: %+v", libs)
	}
}

func TestLoadArchMismatch(t *testing.T) {
	ws, e := W.New(disassembly.ARCH_X64)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	if _, e := New("test.dll", buildPE()).Load(ws); !errors.Is(e, loader.ErrArchMismatch) {
		t.Fatalf("load: %v", e)
	}
	if maps, _ := ws.GetMaps(); len(maps) != 0 {
		t.Fatalf("maps: %+v", maps)
	}
}

func TestLoadUnmapsOnError(t *testing.T) {
	ws, e := W.New(disassembly.ARCH_X86)
	if e != nil {
		t.Fatalf("new: %v", e)
	}
	// collides with .rdata, after the headers and .text are mapped.
	if e := ws.AddMemoryMap(0x402800, AS.PermRead, "other", []byte{0x00}); e != nil {
		t.Fatalf("map: %v", e)
	}

	if _, e := New("test.dll", buildPE()).Load(ws); e == nil {
		t.Fatal("loaded over an existing map")
	}
	maps, _ := ws.GetMaps()
	if len(maps) != 1 || maps[0].Name != "other" {
		t.Fatalf("maps: %+v", maps)
	}
	if len(ws.LoadedModules) != 0 || len(ws.GetEntryPoints()) != 0 {
		t.Fatal("module registered")
	}
}
