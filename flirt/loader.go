package flirt

import (
	"bytes"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LoadSignatures loads signatures from a file, choosing the parser by extension:
// .sig, .pat, or .pat.gz.
//
// I/O failures are returned wrapped; malformed content is a *ParseError.
func LoadSignatures(path string) ([]Signature, error) {
	lower := strings.ToLower(path)

	var parse func([]byte) ([]Signature, error)
	switch {
	case strings.HasSuffix(lower, ".pat.gz"):
		parse = func(buf []byte) ([]Signature, error) {
			r, e := gzip.NewReader(bytes.NewReader(buf))
			if e != nil {
				return nil, &ParseError{Source: path, Offset: -1, Msg: e.Error()}
			}
			defer r.Close()
			return ParsePat(r, path)
		}
	case strings.HasSuffix(lower, ".pat"):
		parse = func(buf []byte) ([]Signature, error) {
			return ParsePat(bytes.NewReader(buf), path)
		}
	case strings.HasSuffix(lower, ".sig"):
		parse = func(buf []byte) ([]Signature, error) {
			return ParseSig(buf, path)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", path)
	}

	buf, e := os.ReadFile(path)
	if e != nil {
		return nil, errors.Wrapf(e, "failed to read signatures %s", path)
	}

	sigs, e := parse(buf)
	if e != nil {
		return nil, e
	}

	logrus.Debugf("flirt: loaded %d signatures from %s", len(sigs), path)
	return sigs, nil
}
