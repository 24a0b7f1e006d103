package defrag

import (
	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/bounds"
)

// candidate is one pointer that passed the shared gates.
type candidate struct {
	ptr      uintptr
	bin      *BinDescriptor
	usage    *BinUsage
	nalloced uint64
}

// decider is one decision heuristic. Implementations:
//   - baseline: average non-full occupancy plus margin
//   - progressive: per-pass interpolated cutoff
//   - utilizationTrend: rolling median and EWMA
//   - samplingOnly: selection filter alone
//   - allocatorHint: allocator verdict, then selection filter
type decider interface {
	decide(d *Defragger, c *candidate) bool
}

func newDeciders() [numStrategies]decider {
	return [numStrategies]decider{
		StrategyBaseline:         baseline{},
		StrategyProgressive:      progressive{},
		StrategyUtilizationTrend: utilizationTrend{},
		StrategySamplingOnly:     samplingOnly{},
		StrategyAllocatorHint:    allocatorHint{},
	}
}

// baseline declines when the slab holds more than the bin's average non-full
// occupancy scaled by (1000+threshold)/1000:
//
//	1000*nalloced*nonfull > (1000+threshold)*(curregs - fullSlabs*nregs)
type baseline struct{}

func (baseline) decide(d *Defragger, c *candidate) bool {
	u := c.usage
	allocatedNonfull := bounds.SubSat(u.CurrRegions, bounds.MulSat(u.CurrFullSlabs, c.bin.RegionCount))
	lhs := bounds.MulSat(bounds.MulSat(1000, c.nalloced), u.CurrNonfullSlabs)
	rhs := bounds.MulSat(d.cfg.factor(), allocatedNonfull)
	if lhs > rhs {
		return false
	}
	return d.sel.accept(d.cfg.Selection(), c.ptr)
}

// progressive accepts while 1000*nalloced is within a cutoff interpolated
// linearly on the remaining hit target: maxThreshold while no hits have been
// made, falling to 1000 as the target is reached.
type progressive struct{}

func (progressive) decide(_ *Defragger, c *candidate) bool {
	u := c.usage
	remaining := bounds.SubSat(u.passHitsTarget, bounds.MulSat(1000, u.passHits))
	cutoff := progressiveCutoff(remaining, u.passHitsTarget, u.passMaxThreshold)
	if bounds.MulSat(1000, c.nalloced) <= cutoff {
		u.passHits++
		return true
	}
	u.passMisses++
	return false
}

// progressiveCutoff interpolates (1000, 1000)..(target, maxThreshold) at
// remaining and clamps the result to [1000, maxThreshold], the lower bound
// taking precedence.
func progressiveCutoff(remaining, target, maxThreshold uint64) uint64 {
	if target <= 1000 {
		return 1000
	}
	y := 1000 + (float64(remaining)-1000)*(float64(maxThreshold)-1000)/(float64(target)-1000)
	if y > float64(maxThreshold) {
		y = float64(maxThreshold)
	}
	if y < 1000 {
		return 1000
	}
	return uint64(y)
}

// utilizationTrend feeds the slab's occupancy into the bin's tracker and
// accepts when it is below the tracker's blended threshold.
type utilizationTrend struct{}

func (utilizationTrend) decide(d *Defragger, c *candidate) bool {
	util := float64(c.nalloced) / float64(c.bin.RegionCount)
	tr := c.usage.tracker
	tr.Update(util)
	if util < tr.Threshold() {
		return d.sel.accept(d.cfg.Selection(), c.ptr)
	}
	return false
}

type samplingOnly struct{}

func (samplingOnly) decide(d *Defragger, c *candidate) bool {
	return d.sel.accept(d.cfg.Selection(), c.ptr)
}

// allocatorHint declines everything when the allocator has no hint.
type allocatorHint struct{}

func (allocatorHint) decide(d *Defragger, c *candidate) bool {
	h, ok := d.intro.(arena.Hinter)
	if !ok || !h.DefragHint(c.ptr) {
		return false
	}
	return d.sel.accept(d.cfg.Selection(), c.ptr)
}
