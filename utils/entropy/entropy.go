// entropy computes the Shannon entropy of byte streams,
// used to spot packed or encoded regions of a sample.
package entropy

import (
	"math"
)

// Entropy accumulates the distribution of a stream of bytes.
// It satisfies the `io.Writer` interface, so write the stream to it,
// then call `.GetEntropy()` for the entropy in bits per byte.
type Entropy struct {
	count   [256]uint64
	dataLen uint64
}

func New() *Entropy {
	return &Entropy{}
}

func (e *Entropy) Write(p []byte) (int, error) {
	for _, b := range p {
		e.count[b] += 1
	}
	e.dataLen += uint64(len(p))
	return len(p), nil
}

func (e *Entropy) Reset() {
	*e = Entropy{}
}

// GetEntropy is 0.0 for an empty stream, and at most 8.0.
func (e *Entropy) GetEntropy() float64 {
	if e.dataLen == 0 {
		return 0
	}
	var entropy float64
	dataLen := float64(e.dataLen)
	for _, count := range e.count {
		p_x := float64(count) / dataLen
		if p_x > 0 {
			entropy += -p_x * math.Log2(p_x)
		}
	}
	return entropy
}

func Compute(data []byte) float64 {
	e := New()
	e.Write(data)
	return e.GetEntropy()
}
