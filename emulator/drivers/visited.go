package drivers

import (
	AS "github.com/williballenthin/vivutils/address_space"
)

// VisitedSet counts how many times each instruction was emulated.
type VisitedSet struct {
	hits map[AS.VA]uint
}

func NewVisitedSet() *VisitedSet {
	return &VisitedSet{hits: make(map[AS.VA]uint)}
}

func (v *VisitedSet) Visit(va AS.VA) uint {
	v.hits[va]++
	return v.hits[va]
}

func (v *VisitedSet) Hits(va AS.VA) uint {
	return v.hits[va]
}

func (v *VisitedSet) Seen(va AS.VA) bool {
	return v.hits[va] > 0
}
