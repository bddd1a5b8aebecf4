//go:build unicorn

package emulator

import (
	"fmt"

	"github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	AS "github.com/williballenthin/vivutils/address_space"
)

// unicornSnapshot is the cpu context plus the contents of every page
// written since the emulator was created.
type unicornSnapshot struct {
	emu   *UnicornEmulator
	ctx   uc.Context
	pc    AS.VA
	pages map[AS.VA][]byte
}

func (snap unicornSnapshot) String() string {
	return fmt.Sprintf("snapshot: pc=%s pages=%d", snap.pc, len(snap.pages))
}

func (emu *UnicornEmulator) Snapshot() (Snapshot, error) {
	ctx, e := emu.u.ContextSave(nil)
	if e != nil {
		return nil, e
	}

	pages := make(map[AS.VA][]byte, len(emu.pristine))
	for page := range emu.pristine {
		d, e := emu.u.MemRead(uint64(page), AS.PAGE_SIZE)
		if e != nil {
			return nil, e
		}
		pages[page] = d
	}

	snap := &unicornSnapshot{
		emu:   emu,
		ctx:   ctx,
		pc:    emu.GetProgramCounter(),
		pages: pages,
	}
	logrus.Debugf("emulator: %s", snap)
	return snap, nil
}

func (emu *UnicornEmulator) Restore(s Snapshot) error {
	snap, ok := s.(*unicornSnapshot)
	if !ok || snap.emu != emu {
		return ErrInvalidSnapshot
	}
	logrus.Debugf("emulator: restore %s", snap)

	if e := emu.u.ContextRestore(snap.ctx); e != nil {
		return e
	}

	// pages first written after the snapshot go back to their pristine state.
	for page, pristine := range emu.pristine {
		d, ok := snap.pages[page]
		if !ok {
			d = pristine
		}
		if e := emu.u.MemWrite(uint64(page), d); e != nil {
			return e
		}
	}
	return nil
}
