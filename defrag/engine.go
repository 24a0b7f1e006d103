package defrag

import (
	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/assert"
)

// MaxBatch is the most pointers ShouldDefragBatch inspects per call.
const MaxBatch = 100

// GlobalStats accumulates decision counters for the Defragger's lifetime.
type GlobalStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	HitBytes  uint64 `json:"hit_bytes"`
	MissBytes uint64 `json:"miss_bytes"`
	Calls     uint64 `json:"ncalls_util_batches"`
	Pointers  uint64 `json:"ncalls_util_ptrs"`
}

// HitRatio returns hits as a whole percentage of decisions, 0 when none.
func (g GlobalStats) HitRatio() uint64 {
	return ratio(g.Hits, g.Misses)
}

func ratio(hits, misses uint64) uint64 {
	if hits+misses == 0 {
		return 0
	}
	return hits * 100 / (hits + misses)
}

// decideBatch runs the decision pipeline over ptrs, zeroing declined slots.
// Caller has checked the Defragger is ready.
func (d *Defragger) decideBatch(ptrs []uintptr) {
	n := len(ptrs)
	if n == 0 {
		return
	}
	if n > MaxBatch {
		assert.That(false, "batch of %d pointers exceeds MaxBatch %d", n, MaxBatch)
		clear(ptrs[MaxBatch:])
		ptrs = ptrs[:MaxBatch]
	}
	d.stats.Calls++
	d.stats.Pointers += uint64(len(ptrs))

	out := d.util[:len(ptrs)]
	if err := d.intro.SlabUtilization(ptrs, out); err != nil {
		d.log.Warn("defrag: utilization query failed", "pointers", len(ptrs), "error", err)
		clear(ptrs)
		return
	}

	dec := d.deciders[StrategyBaseline]
	if s := d.cfg.Strategy(); s >= 0 && s < numStrategies {
		dec = d.deciders[s]
	}
	for i := range ptrs {
		if !d.decideOne(dec, ptrs[i], out[i]) {
			ptrs[i] = 0
		}
	}
}

// decideOne maps the slab utilization of ptr to a bin, applies the shared
// gates and consults dec. Pointers outside the small bins are declined
// without touching the hit/miss counters.
func (d *Defragger) decideOne(dec decider, ptr uintptr, u arena.SlabUtil) bool {
	// Unknown pointer or a single-region slab
	if u.NRegs <= 1 {
		return false
	}
	regionSize := u.SlabLen / u.NRegs
	if regionSize > d.reg.MaxRegionSize() {
		return false
	}
	bin, ok := d.reg.Lookup(regionSize)
	if !ok || u.NRegs != bin.RegionCount || u.NFree >= u.NRegs {
		assert.That(false, "slab of %d x %d bytes (%d free) does not match any bin", u.NRegs, regionSize, u.NFree)
		return false
	}

	c := candidate{
		ptr:      ptr,
		bin:      bin,
		usage:    d.snap.Usage(bin.Index),
		nalloced: u.NRegs - u.NFree,
	}

	// Moving out of a full slab changes nothing, and moving out of the
	// current slab lands back in it. With fewer than two non-full slabs
	// there is nowhere to move to.
	hit := c.nalloced != bin.RegionCount &&
		!u.Current &&
		c.usage.CurrNonfullSlabs >= 2 &&
		dec.decide(d, &c)

	if hit {
		c.usage.Hits++
		d.stats.Hits++
		d.stats.HitBytes += regionSize
	} else {
		c.usage.Misses++
		d.stats.Misses++
		d.stats.MissBytes += regionSize
	}
	return hit
}
