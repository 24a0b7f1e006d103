package defrag

import (
	"math"
	"math/rand/v2"
)

// pageShift groups addresses into 16KB pages for the pages-lower filter.
const pageShift = 14

// selector is the address-sampling filter applied after a strategy accepts.
// Its state belongs to one Defragger.
type selector struct {
	// pages-lower watermarks and throttle counters
	minPage   uint64
	maxPage   uint64
	numAccept uint64
	numReject uint64

	rng *rand.Rand
}

func newSelector(seed uint64) *selector {
	return &selector{
		minPage: math.MaxUint64,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *selector) accept(mode Selection, ptr uintptr) bool {
	switch mode {
	case SelectPagesLower:
		return s.pagesLower(ptr)
	case SelectRandom:
		return s.rng.IntN(2) == 0
	default:
		return true
	}
}

// pagesLower accepts pointers on pages below the midpoint of the observed
// page range and rejects the rest. A new high page is rejected while rejects
// stay under 110% of accepts.
func (s *selector) pagesLower(ptr uintptr) bool {
	page := uint64(ptr) >> pageShift
	if page < s.minPage {
		s.minPage = page
		s.numAccept++
		return true
	}
	if page > s.maxPage {
		s.maxPage = page
		if s.numReject < s.numAccept*110/100 {
			s.numReject++
			return false
		}
	}

	mid := s.minPage
	if s.maxPage > s.minPage {
		mid += (s.maxPage - s.minPage) / 2
	}
	if page < mid {
		s.minPage = page
		s.numAccept++
		return true
	}
	s.maxPage = page
	s.numReject++
	return false
}
