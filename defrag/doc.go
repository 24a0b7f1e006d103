// Package defrag decides which live allocations of a slab allocator are worth
// relocating to reduce external fragmentation.
//
// # Overview
//
// A Defragger observes an allocator through arena.Introspector. Init discovers
// the bin layout once and checks that the size-class formula in
// internal/sizeclass recovers every bin index; on any mismatch the Defragger
// refuses to enable. An allocator without introspection leaves the
// Defragger permanently disabled: decisions decline, fragmentation reads 0
// and the report is empty.
//
// # Usage
//
//	d := defrag.New(allocator, defrag.WithStrategy(defrag.StrategyBaseline))
//	if err := d.Init(); err != nil {
//	    return err
//	}
//	if d.BeginPass() < threshold {
//	    return nil
//	}
//	for batch := range candidates {          // up to defrag.MaxBatch each
//	    d.ShouldDefragBatch(batch)           // declined slots become 0
//	    for _, p := range batch {
//	        if p != 0 {
//	            relocate(d, p)               // RelocAlloc, copy, RelocFree
//	        }
//	    }
//	}
//
// # Decisions
//
// Every candidate goes through one utilization query. Pointers the allocator
// does not own, single-region slabs and regions above the largest bin are
// declined without being counted. For the rest, a full slab, the bin's
// current allocation slab or a bin with fewer than two non-full slabs is a
// miss under every strategy; otherwise the configured Strategy decides:
//
//   - StrategyBaseline: slab occupancy against the bin's average non-full
//     occupancy plus a per-mille margin (default 125)
//   - StrategyProgressive: cutoff interpolated from targets set at pass start
//   - StrategyUtilizationTrend: occupancy against the bin's rolling median and
//     EWMA (see package trend)
//   - StrategySamplingOnly: the selection filter alone
//   - StrategyAllocatorHint: the allocator's own hint (arena.Hinter)
//
// Accepts from baseline, trend, sampling and hint strategies pass through the
// Selection filter: always, pages-lower address sampling or a fair coin.
//
// # Concurrency
//
// One goroutine, the defrag cycle, drives Init, refreshes, decisions and
// relocation. Configuration setters are atomic and may run anywhere.
package defrag
