package entropy

import (
	"bytes"
	"math"
	"testing"
)

func TestEntropy(t *testing.T) {
	if Compute(nil) != 0 {
		t.Fatal("empty")
	}
	if Compute(bytes.Repeat([]byte{0x90}, 0x100)) != 0 {
		t.Fatal("constant")
	}

	all := make([]byte, 0x100)
	for i := range all {
		all[i] = byte(i)
	}
	if v := Compute(all); math.Abs(v-8.0) > 1e-9 {
		t.Fatalf("uniform: %f", v)
	}

	e := New()
	e.Write([]byte{0, 1})
	e.Write([]byte{0, 1})
	if v := e.GetEntropy(); math.Abs(v-1.0) > 1e-9 {
		t.Fatalf("streamed: %f", v)
	}
	e.Reset()
	if e.GetEntropy() != 0 {
		t.Fatal("reset")
	}
}
