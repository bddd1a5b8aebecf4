package address_space

import (
	"bytes"
	"testing"
)

func TestSimpleMapReadWrite(t *testing.T) {
	as, _ := NewSimpleAddressSpace()
	e := as.MemMap(0x1000, 0x100, PermRead|PermWrite, "data")
	if e != nil {
		t.Fatalf("map: %v", e)
	}

	e = as.MemWrite(0x1010, []byte{0x41, 0x42})
	if e != nil {
		t.Fatalf("write: %v", e)
	}

	d, e := as.MemRead(0x1010, 2)
	if e != nil || !bytes.Equal(d, []byte{0x41, 0x42}) {
		t.Fatalf("read: %v %x", e, d)
	}

	if _, e := as.MemRead(0x2000, 1); e != ErrUnmappedMemory {
		t.Fail()
	}
	if _, e := as.MemRead(0x10ff, 2); e != MemoryMapOverrun {
		t.Fail()
	}
}

func TestSimpleMapOverlap(t *testing.T) {
	as, _ := NewSimpleAddressSpace()
	as.MemMap(0x1000, 0x100, PermRead, "a")
	if e := as.MemMap(0x1080, 0x100, PermRead, "b"); e != ErrOverlappingMap {
		t.Fail()
	}
	if e := as.MemMap(0x1100, 0x100, PermRead, "c"); e != nil {
		t.Fail()
	}
}

func TestGetRegion(t *testing.T) {
	as, _ := NewSimpleAddressSpace()
	as.MemMap(0x3000, 0x100, PermRWX, "c")
	as.MemMap(0x1000, 0x100, PermRead, "a")

	r, e := as.GetRegion(0x30ff)
	if e != nil || r.Name != "c" || r.Perms != PermRWX {
		t.Fatalf("region: %v %+v", e, r)
	}
	if _, e := as.GetRegion(0x2000); e != ErrUnmappedMemory {
		t.Fail()
	}

	maps, _ := as.GetMaps()
	if len(maps) != 2 || maps[0].Address != 0x1000 {
		t.Fatalf("maps not sorted: %+v", maps)
	}
}

func TestUnmap(t *testing.T) {
	as, _ := NewSimpleAddressSpace()
	as.MemMap(0x1000, 0x100, PermRead, "a")
	if e := as.MemUnmap(0x1000, 0x10); e != InvalidArgumentError {
		t.Fail()
	}
	if e := as.MemUnmap(0x1000, 0x100); e != nil {
		t.Fail()
	}
	if ProbeMemory(as, 0x1000, 1) {
		t.Fail()
	}
}

func TestMemReadPointer(t *testing.T) {
	as, _ := NewSimpleAddressSpace()
	as.MemMap(0x1000, 0x10, PermRead, "a")
	as.MemWrite(0x1000, []byte{0x78, 0x56, 0x34, 0x12, 0x00, 0x00, 0x00, 0x80})

	p, e := MemReadPointer(as, 0x1000, 4)
	if e != nil || p != 0x12345678 {
		t.Fatalf("ptr32: %v %s", e, p)
	}
	p, e = MemReadPointer(as, 0x1000, 8)
	if e != nil || p != 0x8000000012345678 {
		t.Fatalf("ptr64: %v %s", e, p)
	}
}

func TestPermsString(t *testing.T) {
	if PermRWX.String() != "rwx" {
		t.Fail()
	}
	if (PermRead | PermExec).String() != "r-x" {
		t.Fail()
	}
}

func TestOverlayDoesNotTouchBase(t *testing.T) {
	base, _ := NewSimpleAddressSpace()
	base.MemMap(0x1000, 0x2000, PermRWX, "code")
	base.MemWrite(0x1ffe, []byte{1, 2, 3, 4})

	o, _ := NewOverlayAddressSpace(base)

	// write across a page boundary
	e := o.MemWrite(0x1fff, []byte{0xAA, 0xBB})
	if e != nil {
		t.Fatalf("write: %v", e)
	}

	d, _ := o.MemRead(0x1ffe, 4)
	if !bytes.Equal(d, []byte{1, 0xAA, 0xBB, 4}) {
		t.Fatalf("overlay read: %x", d)
	}
	d, _ = base.MemRead(0x1ffe, 4)
	if !bytes.Equal(d, []byte{1, 2, 3, 4}) {
		t.Fatalf("base modified: %x", d)
	}
	if len(o.DirtyPages()) != 2 {
		t.Fatalf("dirty pages: %v", o.DirtyPages())
	}
}

func TestOverlaySnapshotRevert(t *testing.T) {
	base, _ := NewSimpleAddressSpace()
	base.MemMap(0x1000, 0x1000, PermRWX, "code")

	o, _ := NewOverlayAddressSpace(base)
	o.MemMap(0x8000, 0x1000, PermRead|PermWrite, "stack")
	o.MemWrite(0x8000, []byte{0x11})
	o.MemWrite(0x1000, []byte{0x22})

	snap, e := o.Snapshot()
	if e != nil {
		t.Fatalf("snapshot: %v", e)
	}

	o.MemWrite(0x8000, []byte{0x33})
	o.MemWrite(0x1000, []byte{0x44})
	o.MemWrite(0x1800, []byte{0x55})

	for i := 0; i < 2; i++ {
		if e := o.Revert(snap); e != nil {
			t.Fatalf("revert: %v", e)
		}
		d, _ := o.MemRead(0x8000, 1)
		if d[0] != 0x11 {
			t.Fatalf("stack not reverted: %x", d)
		}
		d, _ = o.MemRead(0x1000, 1)
		if d[0] != 0x22 {
			t.Fatalf("code not reverted: %x", d)
		}
		d, _ = o.MemRead(0x1800, 1)
		if d[0] != 0x00 {
			t.Fatalf("untouched byte changed: %x", d)
		}
		o.MemWrite(0x8000, []byte{0x66})
	}
}

func TestOverlayMapOverlap(t *testing.T) {
	base, _ := NewSimpleAddressSpace()
	base.MemMap(0x1000, 0x1000, PermRWX, "code")
	o, _ := NewOverlayAddressSpace(base)
	if e := o.MemMap(0x1800, 0x1000, PermRead, "x"); e != ErrOverlappingMap {
		t.Fail()
	}
}
