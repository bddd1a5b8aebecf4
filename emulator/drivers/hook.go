package drivers

import (
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

// Call describes an API call being skipped.
// Hooks for the same API share one Call, in registration order,
// so each hook sees what the previous hooks wrote.
type Call struct {
	Op     *disassembly.OpCode
	Target AS.VA
	API    W.LinkedSymbol

	ReturnValue uint64
	// StackCleanup is the number of argument bytes the callee pops.
	StackCleanup uint64
	Handled      bool
}

// Hook overrides an API encountered during emulation.
// Returning an error ends the current path.
type Hook interface {
	Hook(emu emulator.Emulator, call *Call) error
}

type HookFunc func(emu emulator.Emulator, call *Call) error

func (f HookFunc) Hook(emu emulator.Emulator, call *Call) error {
	return f(emu, call)
}

// Cookie identifies a registered monitor or hook.
type Cookie uint64

type monitorEntry struct {
	cookie  Cookie
	monitor Monitor
}

type hookEntry struct {
	cookie Cookie
	api    W.LinkedSymbol
	hook   Hook
}
