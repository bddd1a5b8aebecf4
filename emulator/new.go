//go:build !unicorn

package emulator

import (
	W "github.com/williballenthin/vivutils/workspace"
)

// New creates the default emulator for the workspace.
func New(ws *W.Workspace) (Emulator, error) {
	return NewStaticEmulator(ws)
}
