package workspace

import (
	"slices"
	"sort"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
)

type LocationType uint

const (
	LocationUnknown LocationType = iota
	LocationOpcode
	LocationPointer
	LocationImport
	LocationString
)

func (t LocationType) String() string {
	switch t {
	case LocationOpcode:
		return "LocationOpcode"
	case LocationPointer:
		return "LocationPointer"
	case LocationImport:
		return "LocationImport"
	case LocationString:
		return "LocationString"
	default:
		return "LocationUnknown"
	}
}

// unique: (VA)
type Location struct {
	VA   AS.VA
	Size uint64
	Type LocationType
}

type RefType uint

const (
	RefCode RefType = iota + 1
	RefData
	RefPtr
)

// unique: (From, To, Type)
type CrossReference struct {
	// From is the address from which the xref references.
	From AS.VA
	// To is the address to which the xref references.
	To    AS.VA
	Type  RefType
	Flags disassembly.BranchFlags
}

func (ws *Workspace) AddLocation(va AS.VA, size uint64, ltype LocationType) {
	if _, ok := ws.locations[va]; !ok {
		i, _ := slices.BinarySearch(ws.locationIndex, va)
		ws.locationIndex = slices.Insert(ws.locationIndex, i, va)
	}
	ws.locations[va] = Location{VA: va, Size: size, Type: ltype}
	ws.maxLocationSize = max(ws.maxLocationSize, size)
}

// GetLocation returns the location that contains the given address.
func (ws *Workspace) GetLocation(va AS.VA) (Location, bool) {
	if loc, ok := ws.locations[va]; ok {
		return loc, true
	}
	// walk back from the closest location below va,
	// until no location could be long enough to reach it.
	i, _ := slices.BinarySearch(ws.locationIndex, va)
	for j := i - 1; j >= 0; j-- {
		loc := ws.locations[ws.locationIndex[j]]
		if va >= loc.VA.Add(ws.maxLocationSize) {
			break
		}
		if va < loc.VA.Add(loc.Size) {
			return loc, true
		}
	}
	return Location{}, false
}

func (ws *Workspace) AddXref(from AS.VA, to AS.VA, rtype RefType, flags disassembly.BranchFlags) {
	for _, x := range ws.xrefsFrom[from] {
		if x.To == to && x.Type == rtype {
			return
		}
	}
	xref := CrossReference{From: from, To: to, Type: rtype, Flags: flags}
	ws.xrefsFrom[from] = append(ws.xrefsFrom[from], xref)
	ws.xrefsTo[to] = append(ws.xrefsTo[to], xref)
}

func filterXrefs(xrefs []CrossReference, rtype RefType) []CrossReference {
	ret := make([]CrossReference, 0, len(xrefs))
	for _, x := range xrefs {
		if rtype == 0 || x.Type == rtype {
			ret = append(ret, x)
		}
	}
	return ret
}

// XrefsFrom returns the xrefs from the given address, of the given type.
// rtype 0 matches all types.
func (ws *Workspace) XrefsFrom(va AS.VA, rtype RefType) []CrossReference {
	return filterXrefs(ws.xrefsFrom[va], rtype)
}

// XrefsTo returns the xrefs to the given address, of the given type.
// rtype 0 matches all types.
func (ws *Workspace) XrefsTo(va AS.VA, rtype RefType) []CrossReference {
	return filterXrefs(ws.xrefsTo[va], rtype)
}

// GetAllXrefsFrom returns the code flow edges of the instruction at `va`,
// including the fallthrough edge, which the decoder never reports.
// Procedure calls and pointer dereferences are not code flow.
func (ws *Workspace) GetAllXrefsFrom(va AS.VA) ([]CrossReference, error) {
	op, e := ws.ParseOpcode(va)
	if e != nil {
		return nil, e
	}

	ret := make([]CrossReference, 0, 2)
	for _, br := range op.Branches {
		if br.Flags&(disassembly.BranchProc|disassembly.BranchDeref) != 0 {
			continue
		}
		ret = append(ret, CrossReference{From: va, To: br.To, Type: RefCode, Flags: br.Flags})
	}
	if !op.IsNoFall() {
		ret = append(ret, CrossReference{From: va, To: op.Fallthrough(), Type: RefCode, Flags: disassembly.BranchFall})
	}

	sort.SliceStable(ret, func(i, j int) bool {
		// fallthrough first, like vivisect.
		return ret[i].Flags&disassembly.BranchFall > ret[j].Flags&disassembly.BranchFall
	})
	return ret, nil
}
