package address_space

import (
	"github.com/sirupsen/logrus"
)

const PAGE_SIZE = 0x1000

func roundDown(i uint64, base uint64) uint64 {
	return i - (i % base)
}

func roundDownToPage(i uint64) uint64 {
	return roundDown(i, PAGE_SIZE)
}

// OverlayAddressSpace is a writable view over a base address space.
// Writes to base memory land in private copies of the touched pages,
// so the base is never modified.
// Regions mapped through the overlay live only in the overlay.
type OverlayAddressSpace struct {
	base       AddressSpace
	local      *SimpleAddressSpace
	dirtyPages map[VA][]byte
}

func NewOverlayAddressSpace(base AddressSpace) (*OverlayAddressSpace, error) {
	local, e := NewSimpleAddressSpace()
	if e != nil {
		return nil, e
	}
	return &OverlayAddressSpace{
		base:       base,
		local:      local,
		dirtyPages: make(map[VA][]byte),
	}, nil
}

// page fetches the page containing `va` as seen through the overlay.
// when `dirty` is set, the page is copied into the overlay first.
func (o *OverlayAddressSpace) page(va VA, dirty bool) ([]byte, error) {
	pageVA := VA(roundDownToPage(uint64(va)))
	if p, ok := o.dirtyPages[pageVA]; ok {
		return p, nil
	}

	// base maps need not be page aligned, so fill only the mapped bytes.
	p := make([]byte, PAGE_SIZE)
	found := false
	maps, e := o.base.GetMaps()
	if e != nil {
		return nil, e
	}
	for _, m := range maps {
		start := m.Address
		if start < pageVA {
			start = pageVA
		}
		end := m.End()
		if end > pageVA.Add(PAGE_SIZE) {
			end = pageVA.Add(PAGE_SIZE)
		}
		if start >= end {
			continue
		}
		d, e := o.base.MemRead(start, uint64(end-start))
		if e != nil {
			return nil, e
		}
		copy(p[start-pageVA:], d)
		found = true
	}
	if !found {
		return nil, ErrUnmappedMemory
	}

	if dirty {
		logrus.Debugf("overlay: marking dirty page: %s", pageVA)
		o.dirtyPages[pageVA] = p
	}
	return p, nil
}

func (o *OverlayAddressSpace) isBaseMapped(va VA, length uint64) bool {
	return ProbeMemory(o.base, va, length)
}

func (o *OverlayAddressSpace) MemRead(va VA, length uint64) ([]byte, error) {
	if _, e := o.local.GetRegion(va); e == nil {
		return o.local.MemRead(va, length)
	}
	if !o.isBaseMapped(va, length) {
		if o.isBaseMapped(va, 1) {
			return nil, MemoryMapOverrun
		}
		return nil, ErrUnmappedMemory
	}
	ret := make([]byte, 0, length)
	for cur := va; uint64(len(ret)) < length; {
		p, e := o.page(cur, false)
		if e != nil {
			return nil, e
		}
		offset := uint64(cur) % PAGE_SIZE
		n := PAGE_SIZE - offset
		if remaining := length - uint64(len(ret)); n > remaining {
			n = remaining
		}
		ret = append(ret, p[offset:offset+n]...)
		cur = cur.Add(n)
	}
	return ret, nil
}

func (o *OverlayAddressSpace) MemWrite(va VA, data []byte) error {
	if _, e := o.local.GetRegion(va); e == nil {
		return o.local.MemWrite(va, data)
	}
	if !o.isBaseMapped(va, uint64(len(data))) {
		return ErrInvalidMemoryWrite
	}
	for written := uint64(0); written < uint64(len(data)); {
		cur := va.Add(written)
		p, e := o.page(cur, true)
		if e != nil {
			return e
		}
		offset := uint64(cur) % PAGE_SIZE
		n := copy(p[offset:], data[written:])
		written += uint64(n)
	}
	return nil
}

func (o *OverlayAddressSpace) MemMap(va VA, length uint64, perms Perms, name string) error {
	maps, e := o.base.GetMaps()
	if e != nil {
		return e
	}
	for _, m := range maps {
		if va < m.End() && m.Address < va.Add(length) {
			return ErrOverlappingMap
		}
	}
	return o.local.MemMap(va, length, perms, name)
}

func (o *OverlayAddressSpace) MemUnmap(va VA, length uint64) error {
	return o.local.MemUnmap(va, length)
}

func (o *OverlayAddressSpace) GetMaps() ([]MemoryRegion, error) {
	maps, e := o.base.GetMaps()
	if e != nil {
		return nil, e
	}
	local, e := o.local.GetMaps()
	if e != nil {
		return nil, e
	}
	return append(maps, local...), nil
}

func (o *OverlayAddressSpace) Close() error {
	return nil
}

// MemorySnapshot is the state of an overlay at one point in time.
type MemorySnapshot struct {
	local      *SimpleAddressSpace
	dirtyPages map[VA][]byte
}

// Snapshot captures the overlay's dirty pages and private maps.
func (o *OverlayAddressSpace) Snapshot() (*MemorySnapshot, error) {
	local, e := NewSimpleAddressSpace()
	if e != nil {
		return nil, e
	}
	e = CopyAddressSpace(local, o.local)
	if e != nil {
		return nil, e
	}

	dirtyPages := make(map[VA][]byte, len(o.dirtyPages))
	for k, v := range o.dirtyPages {
		p := make([]byte, len(v))
		copy(p, v)
		dirtyPages[k] = p
	}

	return &MemorySnapshot{
		local:      local,
		dirtyPages: dirtyPages,
	}, nil
}

// Revert restores the overlay to the given snapshot.
// The snapshot remains valid and may be reverted to again.
func (o *OverlayAddressSpace) Revert(snap *MemorySnapshot) error {
	local, e := NewSimpleAddressSpace()
	if e != nil {
		return e
	}
	e = CopyAddressSpace(local, snap.local)
	if e != nil {
		return e
	}

	dirtyPages := make(map[VA][]byte, len(snap.dirtyPages))
	for k, v := range snap.dirtyPages {
		logrus.Debugf("overlay: reverting dirty page: %s", k)
		p := make([]byte, len(v))
		copy(p, v)
		dirtyPages[k] = p
	}

	o.local = local
	o.dirtyPages = dirtyPages
	return nil
}

// DirtyPages returns the addresses of pages written through the overlay.
func (o *OverlayAddressSpace) DirtyPages() []VA {
	ret := make([]VA, 0, len(o.dirtyPages))
	for k := range o.dirtyPages {
		ret = append(ret, k)
	}
	return ret
}
