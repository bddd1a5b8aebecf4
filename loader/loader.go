// Package loader bootstraps workspaces from files.
package loader

import (
	"errors"

	W "github.com/williballenthin/vivutils/workspace"
)

var ErrUnsupportedFormat = errors.New("Unsupported file format")
var ErrArchMismatch = errors.New("File architecture does not match the workspace")

// Loader maps a file into a workspace.
type Loader interface {
	Load(ws *W.Workspace) (*W.LoadedModule, error)
}
