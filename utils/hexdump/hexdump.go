package hexdump

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidRowLength = errors.New("Invalid row length")

func isPrintable(a byte) bool {
	return a >= 32 && a <= 126
}

type Hexdump struct {
	rowLength uint64
}

// New creates a Hexdump with `rowLength` bytes dumped per row.
func New(rowLength uint) (*Hexdump, error) {
	if rowLength == 0 {
		return nil, ErrInvalidRowLength
	}
	return &Hexdump{
		rowLength: uint64(rowLength),
	}, nil
}

func (h Hexdump) makeLine(data []byte) (string, string) {
	hexChars := make([]string, h.rowLength)
	var asciiChars strings.Builder

	for j := uint64(0); j < h.rowLength; j++ {
		if j < uint64(len(data)) {
			c := data[j]
			hexChars[j] = fmt.Sprintf("%02X", c)
			if isPrintable(c) {
				asciiChars.WriteByte(c)
			} else {
				asciiChars.WriteByte('.')
			}
		} else {
			hexChars[j] = "  "
			asciiChars.WriteByte(' ')
		}
	}

	return strings.Join(hexChars, " "), asciiChars.String()
}

// DumpFromOffset writes a hex dump to `w`, labelling the first byte with `offset`.
func (h Hexdump) DumpFromOffset(data []byte, offset uint64, w io.Writer) error {
	for i := uint64(0); i < uint64(len(data)); i += h.rowLength {
		end := min(i+h.rowLength, uint64(len(data)))
		hexChars, asciiChars := h.makeLine(data[i:end])

		if _, e := fmt.Fprintf(w, "%06X: %s  %s\n", offset+i, hexChars, asciiChars); e != nil {
			return e
		}
	}
	return nil
}

func (h Hexdump) Dump(data []byte, w io.Writer) error {
	return h.DumpFromOffset(data, 0, w)
}

// DumpFromOffset writes a hex dump with 0x10 bytes per row.
func DumpFromOffset(data []byte, offset uint64, w io.Writer) error {
	h, e := New(0x10)
	if e != nil {
		return e
	}
	return h.DumpFromOffset(data, offset, w)
}

func Dump(data []byte, w io.Writer) error {
	return DumpFromOffset(data, 0, w)
}
