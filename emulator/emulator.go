// Package emulator steps single instructions of code in a workspace.
//
// The default emulator is pure Go and only models control flow.
// Build with `-tags unicorn` to emulate with the unicorn engine instead.
package emulator

import (
	"errors"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
)

// the private stack of each emulator.
const (
	StackAddress = AS.VA(0x69690000)
	StackSize    = uint64(0x40000)
)

var ErrHalted = errors.New("Emulator halted")
var ErrInvalidSnapshot = errors.New("Snapshot does not belong to this emulator")

// Snapshot is the opaque state of an emulator at one point in time.
// A snapshot may be restored any number of times.
type Snapshot interface{}

// Emulator executes one instruction at a time over a private copy of
// workspace memory. Writes never reach the workspace.
type Emulator interface {
	GetProgramCounter() AS.VA
	SetProgramCounter(va AS.VA) error
	GetStackPointer() AS.VA
	SetStackPointer(va AS.VA) error
	PointerSize() int

	MemRead(va AS.VA, length uint64) ([]byte, error)
	MemWrite(va AS.VA, data []byte) error

	// Step emulates the given instruction, decoded at the program counter.
	Step(op *disassembly.OpCode) error
	// SkipCall completes a call without entering the callee:
	// the return value is set, `stackCleanup` bytes of arguments are popped,
	// and the program counter moves to the return address.
	SkipCall(op *disassembly.OpCode, retval uint64, stackCleanup uint64) error

	Snapshot() (Snapshot, error)
	Restore(snap Snapshot) error
	Close() error
}
