package flirt

import "iter"

// Match is a signature that matched at an offset of a buffer.
type Match struct {
	Signature *Signature
	Offset    uint64
	// Confidence is the number of concrete bytes the match verified.
	Confidence int
}

// Name is the symbolic name of the matched function, if the signature has one.
func (m Match) Name() (string, bool) {
	return m.Signature.Name()
}

func (m Match) Size() uint64 {
	return m.Signature.Size
}

// Matcher matches a set of signatures against buffers.
// It is immutable after construction, and safe to share.
type Matcher struct {
	sigs []Signature
	// candidates[b] indexes the signatures that may match a function starting with byte b.
	candidates [256][]int
}

func NewMatcher(sigs []Signature) *Matcher {
	m := &Matcher{
		sigs: sigs,
	}

	for i := range sigs {
		p := sigs[i].Pattern
		if p.Len() == 0 {
			continue
		}
		if p.Wildcards[0] {
			for b := 0; b < 256; b++ {
				m.candidates[b] = append(m.candidates[b], i)
			}
		} else {
			m.candidates[p.Bytes[0]] = append(m.candidates[p.Bytes[0]], i)
		}
	}
	// signatures are added in index order, so each list is already sorted.
	return m
}

func (m *Matcher) Len() int {
	return len(m.sigs)
}

// Match lazily yields every signature match in buf,
// ordered by offset, then by signature order.
func (m *Matcher) Match(buf []byte) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for off := range buf {
			for _, i := range m.candidates[buf[off]] {
				sig := &m.sigs[i]
				if !sig.MatchAt(buf, off) {
					continue
				}
				if !yield(Match{Signature: sig, Offset: uint64(off), Confidence: sig.confidence()}) {
					return
				}
			}
		}
	}
}

// MatchAt returns the matches for a function that starts at the given offset.
func (m *Matcher) MatchAt(buf []byte, off int) []Match {
	if off < 0 || off >= len(buf) {
		return nil
	}
	var ret []Match
	for _, i := range m.candidates[buf[off]] {
		sig := &m.sigs[i]
		if sig.MatchAt(buf, off) {
			ret = append(ret, Match{Signature: sig, Offset: uint64(off), Confidence: sig.confidence()})
		}
	}
	return ret
}
