package defrag

import (
	"fmt"
	"strings"
)

// BinStats is a copy of one bin's layout, usage and decision counters.
type BinStats struct {
	Index            int    `json:"index"`
	RegionSize       uint64 `json:"region_size"`
	RegionCount      uint64 `json:"region_count"`
	CurrRegions      uint64 `json:"curregs"`
	CurrSlabs        uint64 `json:"curslabs"`
	CurrNonfullSlabs uint64 `json:"nonfull_slabs"`
	CurrFullSlabs    uint64 `json:"full_slabs"`
	NMalloc          uint64 `json:"nmalloc"`
	NDalloc          uint64 `json:"ndalloc"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
}

// HitRate returns hits as a whole percentage of this bin's decisions.
func (b BinStats) HitRate() uint64 {
	return ratio(b.Hits, b.Misses)
}

// FragmentedBytes returns the bin's free bytes inside live slabs.
func (b BinStats) FragmentedBytes() uint64 {
	capacity := b.RegionCount * b.CurrSlabs
	if capacity < b.CurrRegions {
		return 0
	}
	return (capacity - b.CurrRegions) * b.RegionSize
}

// Stats is a structured copy of the Defragger's state.
type Stats struct {
	Enabled   bool        `json:"enabled"`
	Quantum   uint64      `json:"quantum"`
	Strategy  string      `json:"strategy"`
	Selection string      `json:"selection"`
	Threshold int         `json:"threshold"`
	Global    GlobalStats `json:"global"`
	Bins      []BinStats  `json:"bins"`
}

// Stats returns a copy of the counters and per-bin usage as of the last
// refresh. A disabled Defragger reports only its configuration.
func (d *Defragger) Stats() Stats {
	s := Stats{
		Enabled:   d.Enabled(),
		Strategy:  d.cfg.Strategy().String(),
		Selection: d.cfg.Selection().String(),
		Threshold: d.cfg.Threshold(),
		Global:    d.stats,
	}
	if d.reg == nil || d.snap == nil {
		return s
	}
	s.Quantum = d.reg.Quantum()
	s.Bins = make([]BinStats, d.reg.NumBins())
	for i := range s.Bins {
		b, u := d.reg.Bin(i), d.snap.Usage(i)
		s.Bins[i] = BinStats{
			Index:            i,
			RegionSize:       b.RegionSize,
			RegionCount:      b.RegionCount,
			CurrRegions:      u.CurrRegions,
			CurrSlabs:        u.CurrSlabs,
			CurrNonfullSlabs: u.CurrNonfullSlabs,
			CurrFullSlabs:    u.CurrFullSlabs,
			NMalloc:          u.NMalloc,
			NDalloc:          u.NDalloc,
			Hits:             u.Hits,
			Misses:           u.Misses,
		}
	}
	return s
}

// StatsReport renders the INFO-style report consumed by telemetry: four
// global lines followed by one line per bin, each terminated by CRLF. Returns
// "" when disabled.
//
//	quantum:16
//	hit_ratio:40%,hits:2,misses:3
//	hit_bytes:128,miss_bytes:192
//	ncalls_util_batches:1,ncalls_util_ptrs:5
//	[4][64]::nregs:200,nslabs:10,nnonfull:5,hit_rate:40%,hit:2,miss:3,nmalloc:0,ndealloc:0
//
// In bin lines nregs is the number of regions in use.
func (d *Defragger) StatsReport() string {
	if !d.Enabled() {
		return ""
	}
	s := d.Stats()
	g := s.Global

	var sb strings.Builder
	fmt.Fprintf(&sb, "quantum:%d\r\n", s.Quantum)
	fmt.Fprintf(&sb, "hit_ratio:%d%%,hits:%d,misses:%d\r\n", g.HitRatio(), g.Hits, g.Misses)
	fmt.Fprintf(&sb, "hit_bytes:%d,miss_bytes:%d\r\n", g.HitBytes, g.MissBytes)
	fmt.Fprintf(&sb, "ncalls_util_batches:%d,ncalls_util_ptrs:%d\r\n", g.Calls, g.Pointers)
	for _, b := range s.Bins {
		fmt.Fprintf(&sb, "[%d][%d]::nregs:%d,nslabs:%d,nnonfull:%d,hit_rate:%d%%,hit:%d,miss:%d,nmalloc:%d,ndealloc:%d\r\n",
			b.Index, b.RegionSize, b.CurrRegions, b.CurrSlabs, b.CurrNonfullSlabs,
			b.HitRate(), b.Hits, b.Misses, b.NMalloc, b.NDalloc)
	}
	return sb.String()
}
