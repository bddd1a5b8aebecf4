package flirt

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrUnsupportedFormat = errors.New("Unsupported signature file format")

// ParseError is malformed signature content.
// It is fatal to loading its source, but not to loading other sources.
type ParseError struct {
	Source string
	// Line is the 1-based line number in a .pat file, or 0.
	Line int
	// Offset is the position in the decompressed .sig body, or -1.
	Offset int64
	Msg    string
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
	case e.Offset >= 0:
		return fmt.Sprintf("%s@0x%x: %s", e.Source, e.Offset, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Source, e.Msg)
	}
}

// IsParseError returns true when the error, or an error it wraps, is a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
