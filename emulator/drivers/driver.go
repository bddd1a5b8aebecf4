// Package drivers contains strategies for controlling emulators.
//
// A driver owns an emulator and decides what to emulate next.
// Monitors observe a run, and hooks replace the APIs it calls.
package drivers

import (
	"errors"

	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

var ErrCookieNotFound = errors.New("Cookie not found")

// EmulatorDriver holds the monitors and hooks of a driver.
// It is also an emulator, so the emulator helpers apply to it:
//
//	drv := drivers.NewEmulatorDriver(emu)
//	s, e := emulator.ReadString(drv, 0x401000, 0x100)
type EmulatorDriver struct {
	emulator.Emulator

	counter  Cookie
	monitors []monitorEntry
	hooks    []hookEntry
}

func NewEmulatorDriver(emu emulator.Emulator) *EmulatorDriver {
	return &EmulatorDriver{
		Emulator: emu,
	}
}

func (d *EmulatorDriver) nextCookie() Cookie {
	c := d.counter
	d.counter++
	return c
}

// AddMonitor installs a monitor. Monitors are invoked in the order they were added.
func (d *EmulatorDriver) AddMonitor(m Monitor) Cookie {
	c := d.nextCookie()
	d.monitors = append(d.monitors, monitorEntry{cookie: c, monitor: m})
	return c
}

func (d *EmulatorDriver) RemoveMonitor(c Cookie) error {
	for i, entry := range d.monitors {
		if entry.cookie == c {
			d.monitors = append(d.monitors[:i], d.monitors[i+1:]...)
			return nil
		}
	}
	return ErrCookieNotFound
}

// AddHook installs a hook for the given API.
// An empty module name matches the API in any module.
// There may be many hooks for the same API; they run in the order they were added.
func (d *EmulatorDriver) AddHook(api W.LinkedSymbol, h Hook) Cookie {
	c := d.nextCookie()
	d.hooks = append(d.hooks, hookEntry{cookie: c, api: api, hook: h})
	return c
}

func (d *EmulatorDriver) RemoveHook(c Cookie) error {
	for i, entry := range d.hooks {
		if entry.cookie == c {
			d.hooks = append(d.hooks[:i], d.hooks[i+1:]...)
			return nil
		}
	}
	return ErrCookieNotFound
}

// RemoveHooksExcept removes every hook whose API name is not in `allow`.
func (d *EmulatorDriver) RemoveHooksExcept(allow []string) {
	keep := make(map[string]bool, len(allow))
	for _, name := range allow {
		keep[name] = true
	}

	hooks := d.hooks[:0]
	for _, entry := range d.hooks {
		if keep[entry.api.SymbolName] {
			hooks = append(hooks, entry)
		}
	}
	d.hooks = hooks
}

func (d *EmulatorDriver) hooksFor(api W.LinkedSymbol) []Hook {
	var ret []Hook
	for _, entry := range d.hooks {
		if entry.api.Matches(api) {
			ret = append(ret, entry.hook)
		}
	}
	return ret
}

func (d *EmulatorDriver) preHook(op *disassembly.OpCode, va AS.VA) {
	for _, entry := range d.monitors {
		entry.monitor.PreHook(d.Emulator, op, va)
	}
}

func (d *EmulatorDriver) postHook(op *disassembly.OpCode, va AS.VA) {
	for _, entry := range d.monitors {
		entry.monitor.PostHook(d.Emulator, op, va)
	}
}

func (d *EmulatorDriver) apiCall(op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
	for _, entry := range d.monitors {
		entry.monitor.APICall(d.Emulator, op, target, api)
	}
}

func (d *EmulatorDriver) logAnomaly(va AS.VA, msg string) {
	for _, entry := range d.monitors {
		entry.monitor.LogAnomaly(d.Emulator, va, msg)
	}
}

// handleCall runs the hooks for the API, or notifies the monitors when there are none,
// and then skips over the call.
// `cleanup` is the initial StackCleanup, which hooks may change.
func (d *EmulatorDriver) handleCall(op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol, cleanup uint64) error {
	call := &Call{
		Op:           op,
		Target:       target,
		API:          api,
		StackCleanup: cleanup,
	}

	hooks := []Hook{}
	if api.SymbolName != "" {
		hooks = d.hooksFor(api)
	}
	if len(hooks) == 0 {
		d.apiCall(op, target, api)
	}
	for _, h := range hooks {
		if e := h.Hook(d.Emulator, call); e != nil {
			return e
		}
	}

	return d.Emulator.SkipCall(op, call.ReturnValue, call.StackCleanup)
}
