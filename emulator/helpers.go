package emulator

import (
	"encoding/binary"

	AS "github.com/williballenthin/vivutils/address_space"
)

// ReadString reads a NUL-terminated ASCII string of at most `max` bytes.
// A string that runs into unmapped memory ends there.
func ReadString(emu Emulator, va AS.VA, max uint64) (string, error) {
	buf := make([]byte, 0, 0x20)
	for i := uint64(0); i < max; i++ {
		d, e := emu.MemRead(va.Add(i), 1)
		if e != nil {
			if i == 0 {
				return "", e
			}
			break
		}
		if d[0] == 0 {
			break
		}
		buf = append(buf, d[0])
	}
	return string(buf), nil
}

// GetStackValue reads the pointer-sized value at the given slot of the stack.
// Slot 0 is the top of the stack.
func GetStackValue(emu Emulator, index int) (uint64, error) {
	width := emu.PointerSize()
	d, e := ReadStackMemory(emu, int64(index*width), uint64(width))
	if e != nil {
		return 0, e
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(d)), nil
	}
	return binary.LittleEndian.Uint64(d), nil
}

// ReadStackMemory reads bytes at an offset from the stack pointer.
func ReadStackMemory(emu Emulator, offset int64, length uint64) ([]byte, error) {
	va := AS.VA(uint64(int64(emu.GetStackPointer()) + offset))
	return emu.MemRead(va, length)
}

// ReadStackString reads the string pointed to by the stack slot at `index`.
func ReadStackString(emu Emulator, index int, max uint64) (string, error) {
	ptr, e := GetStackValue(emu, index)
	if e != nil {
		return "", e
	}
	return ReadString(emu, AS.VA(ptr), max)
}
