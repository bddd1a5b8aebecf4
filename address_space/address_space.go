package address_space

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

type VA uint64
type RVA uint64

func (va VA) String() string {
	return fmt.Sprintf("0x%x", uint64(va))
}

func (va VA) Add(delta uint64) VA {
	return VA(uint64(va) + delta)
}

func (rva RVA) VA(baseAddress VA) VA {
	return VA(uint64(rva) + uint64(baseAddress))
}

// Perms are the access flags of a memory region.
// The values match vivisect's MM_* constants.
type Perms uint8

const (
	PermExec  Perms = 1
	PermWrite Perms = 2
	PermRead  Perms = 4
	PermRWX   Perms = PermRead | PermWrite | PermExec
)

func (p Perms) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

type MemoryRegion struct {
	Address VA
	Length  uint64
	Perms   Perms
	Name    string
}

func (m MemoryRegion) End() VA {
	return m.Address.Add(m.Length)
}

func (m MemoryRegion) Contains(va VA) bool {
	return va >= m.Address && va < m.End()
}

type AddressSpace interface {
	MemRead(va VA, length uint64) ([]byte, error)
	MemWrite(va VA, data []byte) error
	MemMap(va VA, length uint64, perms Perms, name string) error
	MemUnmap(va VA, length uint64) error
	GetMaps() ([]MemoryRegion, error)
	Close() error
}

var InvalidArgumentError = errors.New("Invalid argument")
var ErrInvalidMemoryWrite error = errors.New("Invalid memory write error")
var ErrInvalidMemoryRead error = errors.New("Invalid memory read error")
var ErrInvalidMemoryExec error = errors.New("Invalid memory exec error")
var ErrUnmappedMemory error = errors.New("Unmapped memory error")
var ErrUnknownMemory error = errors.New("Unknown memory error")
var ErrOverlappingMap error = errors.New("Memory map overlaps existing map")

/************************************************** */

// A simple address space implementation that uses byte arrays to represent memory.
type SimpleAddressSpace struct {
	data map[VA][]byte
	maps []MemoryRegion
}

func NewSimpleAddressSpace() (*SimpleAddressSpace, error) {
	return &SimpleAddressSpace{
		data: make(map[VA][]byte, 0),
		maps: make([]MemoryRegion, 0),
	}, nil
}

var MemoryMapOverrun error = errors.New("Memory operation overran memory map")

func (sas *SimpleAddressSpace) findRegion(va VA) (MemoryRegion, bool) {
	// maps are kept sorted by address
	i := sort.Search(len(sas.maps), func(i int) bool {
		return sas.maps[i].End() > va
	})
	if i < len(sas.maps) && sas.maps[i].Contains(va) {
		return sas.maps[i], true
	}
	return MemoryRegion{}, false
}

func (sas *SimpleAddressSpace) findData(va VA, length uint64) ([]byte, error) {
	region, found := sas.findRegion(va)
	if !found {
		return nil, ErrUnmappedMemory
	}
	if va.Add(length) > region.End() {
		// BUG: contiguous regions are not stitched together.
		return nil, MemoryMapOverrun
	}
	data := sas.data[region.Address]
	offset := uint64(va) - uint64(region.Address)
	return data[offset : offset+length], nil
}

func (sas *SimpleAddressSpace) MemRead(va VA, length uint64) ([]byte, error) {
	data, e := sas.findData(va, length)
	if e != nil {
		return nil, e
	}
	ret := make([]byte, length)
	copy(ret, data)
	return ret, nil
}

func (sas *SimpleAddressSpace) MemWrite(va VA, data []byte) error {
	ourdata, e := sas.findData(va, uint64(len(data)))
	if e != nil {
		return e
	}
	copy(ourdata, data)
	return nil
}

func (sas *SimpleAddressSpace) MemMap(va VA, length uint64, perms Perms, name string) error {
	if length == 0 {
		return InvalidArgumentError
	}
	region := MemoryRegion{Address: va, Length: length, Perms: perms, Name: name}
	for _, m := range sas.maps {
		if region.Address < m.End() && m.Address < region.End() {
			return ErrOverlappingMap
		}
	}
	sas.data[va] = make([]byte, length)
	sas.maps = append(sas.maps, region)
	sort.Slice(sas.maps, func(i, j int) bool {
		return sas.maps[i].Address < sas.maps[j].Address
	})
	return nil
}

func (sas *SimpleAddressSpace) MemUnmap(va VA, length uint64) error {
	for i, region := range sas.maps {
		if region.Address == va {
			if region.Length != length {
				return InvalidArgumentError
			}

			delete(sas.data, va)
			sas.maps = append(sas.maps[:i], sas.maps[i+1:]...)
			return nil
		}
	}
	return ErrUnmappedMemory
}

func (sas *SimpleAddressSpace) GetMaps() ([]MemoryRegion, error) {
	ret := make([]MemoryRegion, len(sas.maps))
	copy(ret, sas.maps)
	return ret, nil
}

// GetRegion returns the region that contains the given address.
func (sas *SimpleAddressSpace) GetRegion(va VA) (MemoryRegion, error) {
	region, found := sas.findRegion(va)
	if !found {
		return MemoryRegion{}, ErrUnmappedMemory
	}
	return region, nil
}

func (sas *SimpleAddressSpace) Close() error {
	return nil
}

// CopyAddressSpace maps and copies each region of `src` into `dst`.
func CopyAddressSpace(dst AddressSpace, src AddressSpace) error {
	maps, e := src.GetMaps()
	if e != nil {
		return e
	}
	for _, region := range maps {
		e := dst.MemMap(region.Address, region.Length, region.Perms, region.Name)
		if e != nil {
			return e
		}
		d, e := src.MemRead(region.Address, region.Length)
		if e != nil {
			return e
		}
		e = dst.MemWrite(region.Address, d)
		if e != nil {
			return e
		}
	}
	return nil
}

// MemReadPointer reads a little-endian pointer of the given width (4 or 8 bytes).
func MemReadPointer(as AddressSpace, va VA, width int) (VA, error) {
	d, e := as.MemRead(va, uint64(width))
	if e != nil {
		return 0, e
	}
	switch width {
	case 4:
		return VA(binary.LittleEndian.Uint32(d)), nil
	case 8:
		return VA(binary.LittleEndian.Uint64(d)), nil
	default:
		return 0, InvalidArgumentError
	}
}

// ProbeMemory returns true when `length` bytes at `va` can be read.
func ProbeMemory(as AddressSpace, va VA, length uint64) bool {
	_, e := as.MemRead(va, length)
	return e == nil
}
