package defrag

import (
	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/defrag/trend"
	"github.com/joshuapare/defragkit/internal/bounds"
)

// BinUsage is the last-read occupancy of one bin plus its decision counters.
type BinUsage struct {
	CurrRegions      uint64
	CurrSlabs        uint64
	CurrNonfullSlabs uint64
	CurrFullSlabs    uint64 // CurrSlabs - CurrNonfullSlabs, never negative
	NMalloc          uint64
	NDalloc          uint64

	Hits   uint64
	Misses uint64

	// Progressive targets, recomputed at pass start
	passHitsTarget   uint64
	passMaxThreshold uint64
	passHits         uint64
	passMisses       uint64

	tracker *trend.Tracker
}

// PassHitsTarget returns the per-mille hit target of the current pass.
func (u *BinUsage) PassHitsTarget() uint64 { return u.passHitsTarget }

// PassMaxThreshold returns the most relaxed progressive cutoff of the current pass.
func (u *BinUsage) PassMaxThreshold() uint64 { return u.passMaxThreshold }

// PassHits returns the progressive accepts since the pass started.
func (u *BinUsage) PassHits() uint64 { return u.passHits }

// PassMisses returns the progressive declines since the pass started.
func (u *BinUsage) PassMisses() uint64 { return u.passMisses }

// Snapshot holds per-bin usage read through the registry's handles.
// It is owned by the defrag cycle and not safe for concurrent use.
type Snapshot struct {
	reg   *Registry
	intro arena.Introspector
	bins  []BinUsage
}

func newSnapshot(reg *Registry, intro arena.Introspector, trendCap int, trendAlpha float64) *Snapshot {
	s := &Snapshot{
		reg:   reg,
		intro: intro,
		bins:  make([]BinUsage, reg.NumBins()),
	}
	for i := range s.bins {
		s.bins[i].tracker = trend.New(trendCap, trendAlpha)
	}
	return s
}

// Usage returns bin i's usage record.
func (s *Snapshot) Usage(i int) *BinUsage {
	return &s.bins[i]
}

// Refresh advances the allocator's statistics epoch and re-reads every bin.
// Stored usage is updated when newPass is set or the rule is RecalcAlways.
// At pass start the progressive targets are recomputed for bins with
// non-full slabs.
//
// Returns the small-bin fragmentation: bytes in allocated slabs not handed to
// any caller, computed from the counters just read.
func (s *Snapshot) Refresh(newPass bool, rule RecalcRule, factor uint64) uint64 {
	s.intro.RefreshEpoch()

	var frag uint64
	for i := range s.bins {
		b := s.reg.Bin(i)
		curregs := s.intro.ReadStat(b.Handle(arena.StatCurRegions))
		curslabs := s.intro.ReadStat(b.Handle(arena.StatCurSlabs))
		nonfull := s.intro.ReadStat(b.Handle(arena.StatNonfullSlabs))

		if newPass || rule == RecalcAlways {
			u := &s.bins[i]
			u.CurrRegions = curregs
			u.CurrSlabs = curslabs
			u.CurrNonfullSlabs = nonfull
			u.CurrFullSlabs = bounds.SubSat(curslabs, nonfull)
			u.NMalloc = s.intro.ReadStat(b.Handle(arena.StatNMalloc))
			u.NDalloc = s.intro.ReadStat(b.Handle(arena.StatNDalloc))
			if newPass && nonfull > 0 {
				u.resetPass(b.RegionCount, factor)
			}
		}

		capacity := bounds.MulSat(b.RegionCount, curslabs)
		frag = bounds.AddSat(frag, bounds.MulSat(bounds.SubSat(capacity, curregs), b.RegionSize))
	}
	return frag
}

// resetPass recomputes the progressive targets:
//
//	regsNonfull  = curregs - fullSlabs*nregs
//	hitsTarget   = ((nregs*curslabs - curregs) * regsNonfull) / (nregs*nonfull) * factor
//	maxThreshold = regsNonfull * factor / nonfull / 2
//
// hitsTarget is the number of moves needed to empty the reclaimable slabs,
// in per-mille units.
func (u *BinUsage) resetPass(nregs, factor uint64) {
	regsNonfull := bounds.SubSat(u.CurrRegions, bounds.MulSat(u.CurrFullSlabs, nregs))
	free := bounds.SubSat(bounds.MulSat(nregs, u.CurrSlabs), u.CurrRegions)

	var target uint64
	if denom := bounds.MulSat(nregs, u.CurrNonfullSlabs); denom > 0 {
		target = bounds.MulSat(free, regsNonfull) / denom
	}
	u.passHitsTarget = bounds.MulSat(target, factor)
	u.passMaxThreshold = bounds.MulSat(regsNonfull, factor) / u.CurrNonfullSlabs / 2
	u.passHits = 0
	u.passMisses = 0
}
