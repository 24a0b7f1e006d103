package defrag

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/defragkit/arena"
	iassert "github.com/joshuapare/defragkit/internal/assert"
)

const bin64 = 4 // 64-byte bin under a 16-byte quantum

// newExampleBin sets up the 64-byte bin as 10 slabs of 32 regions, 5 of them
// non-full, with 200 regions in use: 5 full slabs and 40 regions spread over
// the non-full ones.
func newExampleBin(t *testing.T) *fakeArena {
	t.Helper()
	f := newFakeArena(t, 16)
	f.setRegionCount(bin64, 32)
	f.setBin(bin64, 200, 10, 5)
	return f
}

func Test_Init_Unsupported(t *testing.T) {
	f := newFakeArena(t, 16)
	f.unsupported = true
	d := New(f)

	err := d.Init()
	require.ErrorIs(t, err, ErrUnsupported)
	require.False(t, d.Enabled())
	require.ErrorIs(t, d.Init(), ErrUnsupported, "failure is permanent")

	require.Zero(t, d.FragmentationBytes())
	require.Zero(t, d.BeginPass())
	require.Empty(t, d.StatsReport())
	require.False(t, d.ShouldDefragOne(0x1000))

	ptrs := []uintptr{1, 2, 3}
	d.ShouldDefragBatch(ptrs)
	require.Equal(t, []uintptr{0, 0, 0}, ptrs)

	_, err = d.RelocAlloc(64)
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, d.RelocFree(0x1000, 64), ErrUnsupported)

	require.Zero(t, d.Stats().Global)
}

func Test_Init_RejectsUnknownQuantum(t *testing.T) {
	f := newFakeArena(t, 16)
	f.quantum = 32
	require.ErrorIs(t, New(f).Init(), ErrUnsupported)
}

func Test_Init_LayoutMismatch(t *testing.T) {
	f := newFakeArena(t, 16)
	f.layout[3].RegionSize = 40

	d := New(f)
	err := d.Init()
	require.ErrorIs(t, err, ErrLayoutMismatch)

	var mismatch *LayoutMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, 3, mismatch.Bin)
	require.Equal(t, uint64(40), mismatch.RegionSize)
	require.False(t, d.Enabled())
	require.Zero(t, d.FragmentationBytes())
}

// Test_Init_QuantumVariantsAreNotInterchangeable verifies an 8-byte quantum
// layout is rejected when the allocator claims a 16-byte quantum.
func Test_Init_QuantumVariantsAreNotInterchangeable(t *testing.T) {
	f := newFakeArena(t, 8)
	f.quantum = 16
	require.ErrorIs(t, New(f).Init(), ErrLayoutMismatch)
}

func Test_Init_Idempotent(t *testing.T) {
	f := newFakeArena(t, 8)
	d := newReadyDefragger(t, f)
	epochs := f.epochs
	require.NoError(t, d.Init())
	require.Equal(t, epochs, f.epochs, "second Init does not touch the allocator")
	require.Equal(t, 39, d.Registry().NumBins())
}

func Test_FragmentationBytes(t *testing.T) {
	f := newExampleBin(t)
	f.setBin(0, 100, 1, 1) // 8-byte bin, 512 regions per slab

	d := newReadyDefragger(t, f)
	want := uint64((32*10-200)*64 + (512-100)*8)
	require.Equal(t, want, d.FragmentationBytes())

	// Recomputed from scratch on every refresh
	f.setBin(0, 512, 1, 0)
	require.Equal(t, uint64((32*10-200)*64), d.FragmentationBytes())

	// Inconsistent counters saturate at zero
	f.setBin(bin64, 400, 10, 5)
	require.Zero(t, d.FragmentationBytes())
}

func Test_RecalcOnPassStart_FreezesUsage(t *testing.T) {
	f := newExampleBin(t)
	d := newReadyDefragger(t, f, WithRecalcRule(RecalcOnPassStart))

	f.setBin(bin64, 100, 10, 8)
	frag := d.FragmentationBytes()
	require.Equal(t, uint64((320-100)*64), frag, "fragmentation always uses fresh counters")
	require.Equal(t, uint64(200), d.Snapshot().Usage(bin64).CurrRegions, "usage frozen until pass start")

	d.BeginPass()
	u := d.Snapshot().Usage(bin64)
	require.Equal(t, uint64(100), u.CurrRegions)
	require.Equal(t, uint64(8), u.CurrNonfullSlabs)
	require.Equal(t, uint64(2), u.CurrFullSlabs)
}

// Test_Baseline_EndToEnd: allocated_nonfull = 200 - 5*32 = 40. With the
// default 125 margin, nalloced 10 gives 50000 > 45000 (decline) and nalloced
// 5 gives 25000 <= 45000 (accept).
func Test_Baseline_EndToEnd(t *testing.T) {
	f := newExampleBin(t)
	f.place(0xa000, bin64, 10)
	f.place(0xb000, bin64, 5)

	d := newReadyDefragger(t, f)
	require.Equal(t, uint64(5), d.Snapshot().Usage(bin64).CurrFullSlabs)

	require.False(t, d.ShouldDefragOne(0xa000))
	require.True(t, d.ShouldDefragOne(0xb000))

	s := d.Stats()
	require.Equal(t, GlobalStats{
		Hits: 1, Misses: 1, HitBytes: 64, MissBytes: 64, Calls: 2, Pointers: 2,
	}, s.Global)
	require.Equal(t, uint64(1), s.Bins[bin64].Hits)
	require.Equal(t, uint64(1), s.Bins[bin64].Misses)
}

func Test_Baseline_ThresholdMoves(t *testing.T) {
	f := newExampleBin(t)
	f.place(0xa000, bin64, 10)

	// 1000*10*5 = 50000 <= (1000+250)*40 = 50000
	d := newReadyDefragger(t, f, WithThreshold(250))
	require.True(t, d.ShouldDefragOne(0xa000))

	d.SetThreshold(249)
	require.False(t, d.ShouldDefragOne(0xa000))
}

func allStrategies() []Strategy {
	return []Strategy{
		StrategyBaseline, StrategyProgressive, StrategyUtilizationTrend,
		StrategySamplingOnly, StrategyAllocatorHint,
	}
}

func Test_AllStrategies_DeclineFullSlab(t *testing.T) {
	for _, s := range allStrategies() {
		t.Run(s.String(), func(t *testing.T) {
			f := newExampleBin(t)
			f.place(0xa000, bin64, 32)
			h := &hintArena{fakeArena: f, hint: map[uintptr]bool{0xa000: true}}

			d := newReadyDefragger(t, h, WithStrategy(s))
			d.BeginPass()
			require.False(t, d.ShouldDefragOne(0xa000))
			require.Equal(t, uint64(1), d.Stats().Global.Misses)
		})
	}
}

func Test_AllStrategies_DeclineWithoutSecondNonfullSlab(t *testing.T) {
	for _, s := range allStrategies() {
		t.Run(s.String(), func(t *testing.T) {
			f := newFakeArena(t, 16)
			f.setRegionCount(bin64, 32)
			f.setBin(bin64, 290, 10, 1)
			f.place(0xa000, bin64, 2)
			h := &hintArena{fakeArena: f, hint: map[uintptr]bool{0xa000: true}}

			d := newReadyDefragger(t, h, WithStrategy(s))
			d.BeginPass()
			require.False(t, d.ShouldDefragOne(0xa000))
		})
	}
}

func Test_AllStrategies_DeclineCurrentSlab(t *testing.T) {
	for _, s := range allStrategies() {
		t.Run(s.String(), func(t *testing.T) {
			f := newExampleBin(t)
			f.place(0xa000, bin64, 1)
			u := f.util[0xa000]
			u.Current = true
			f.util[0xa000] = u
			h := &hintArena{fakeArena: f, hint: map[uintptr]bool{0xa000: true}}

			d := newReadyDefragger(t, h, WithStrategy(s))
			d.BeginPass()
			require.False(t, d.ShouldDefragOne(0xa000))
			require.Equal(t, uint64(1), d.Stats().Global.Misses)
		})
	}
}

func Test_Batch_NullsDeclinedSlots(t *testing.T) {
	f := newExampleBin(t)
	f.place(0xa000, bin64, 10) // decline
	f.place(0xb000, bin64, 5)  // accept
	f.place(0xc000, bin64, 1)  // accept

	d := newReadyDefragger(t, f)
	ptrs := []uintptr{0xa000, 0xb000, 0xdead0, 0xc000, 0}
	d.ShouldDefragBatch(ptrs)
	require.Equal(t, []uintptr{0, 0xb000, 0, 0xc000, 0}, ptrs)

	g := d.Stats().Global
	require.Equal(t, uint64(1), g.Calls, "one call per batch")
	require.Equal(t, uint64(5), g.Pointers)
	require.Equal(t, uint64(2), g.Hits)
	require.Equal(t, uint64(1), g.Misses, "unknown pointers are not counted")
	require.Equal(t, 1, f.utilCalls, "one utilization query per batch")
}

func Test_Batch_EmptyLeavesCountersUnchanged(t *testing.T) {
	f := newExampleBin(t)
	d := newReadyDefragger(t, f)

	before := d.Stats()
	d.ShouldDefragBatch(nil)
	d.ShouldDefragBatch([]uintptr{})
	require.Equal(t, before, d.Stats())
	require.Zero(t, f.utilCalls)
}

func Test_Batch_OversizeDeclinesTail(t *testing.T) {
	if iassert.Enabled {
		t.Skip("oversize batches panic in debug builds")
	}
	f := newExampleBin(t)
	ptrs := make([]uintptr, MaxBatch+5)
	for i := range ptrs {
		ptrs[i] = uintptr(0x10000 + i*64)
		f.place(ptrs[i], bin64, 1)
	}

	d := newReadyDefragger(t, f)
	d.ShouldDefragBatch(ptrs)
	for i := range MaxBatch {
		require.NotZero(t, ptrs[i])
	}
	for i := MaxBatch; i < len(ptrs); i++ {
		require.Zero(t, ptrs[i])
	}
	g := d.Stats().Global
	require.Equal(t, uint64(MaxBatch), g.Hits)
	require.Equal(t, uint64(1), g.Calls)
	require.Equal(t, uint64(MaxBatch), g.Pointers, "only inspected pointers are counted")
	require.Equal(t, g.Pointers, g.Hits+g.Misses)
}

func Test_Decide_SkipsLargeAndSingleRegionSlabs(t *testing.T) {
	f := newExampleBin(t)
	f.util[0xa000] = arenaUtil(0, 1, 20480)   // large extent
	f.util[0xb000] = arenaUtil(1, 2, 1<<20)   // region above largest bin
	f.util[0xc000] = arenaUtil(10, 32, 32*72) // no bin holds 72-byte regions

	d := newReadyDefragger(t, f)
	if iassert.Enabled {
		require.Panics(t, func() { d.ShouldDefragOne(0xc000) })
	} else {
		require.False(t, d.ShouldDefragOne(0xc000))
	}
	require.False(t, d.ShouldDefragOne(0xa000))
	require.False(t, d.ShouldDefragOne(0xb000))
	require.Zero(t, d.Stats().Global.Misses)
}

func Test_UseBeforeInit(t *testing.T) {
	f := newExampleBin(t)
	d := New(f)

	_, err := d.RelocAlloc(64)
	require.ErrorIs(t, err, ErrNotInitialized)

	if iassert.Enabled {
		require.Panics(t, func() { d.FragmentationBytes() })
		return
	}
	require.Zero(t, d.FragmentationBytes())
	require.False(t, d.ShouldDefragOne(0xa000))
}

func Test_Setters(t *testing.T) {
	d := New(newFakeArena(t, 16))
	require.Equal(t, StrategyBaseline, d.Strategy())
	require.Equal(t, SelectAlways, d.SelectionMode())
	require.Equal(t, DefaultThreshold, d.Threshold())
	require.Equal(t, RecalcAlways, d.RecalcRule())
	require.Equal(t, CacheBypass, d.AllocRule())
	require.Equal(t, CacheBypass, d.FreeRule())

	d.SetStrategy(StrategyProgressive)
	d.SetStrategy(Strategy(42))
	assert.Equal(t, StrategyProgressive, d.Strategy(), "invalid value ignored")

	d.SetSelectionMode(SelectRandom)
	d.SetSelectionMode(Selection(-1))
	assert.Equal(t, SelectRandom, d.SelectionMode())

	d.SetThreshold(1 << 30)
	assert.Equal(t, MaxThreshold, d.Threshold())
	d.SetThreshold(-5000)
	assert.Equal(t, MinThreshold, d.Threshold())

	d.SetRecalcRule(RecalcOnPassStart)
	d.SetAllocRule(CacheDedicated)
	d.SetFreeRule(CacheShared)
	d.SetFreeRule(CacheRule(9))
	assert.Equal(t, RecalcOnPassStart, d.RecalcRule())
	assert.Equal(t, CacheDedicated, d.AllocRule())
	assert.Equal(t, CacheShared, d.FreeRule())
}

func Test_StatsReport(t *testing.T) {
	f := newExampleBin(t)
	f.place(0xa000, bin64, 10)
	f.place(0xb000, bin64, 5)
	f.live[bin64][arena.StatNMalloc] = 700
	f.live[bin64][arena.StatNDalloc] = 500

	d := newReadyDefragger(t, f)
	d.ShouldDefragBatch([]uintptr{0xa000, 0xb000})

	report := d.StatsReport()
	require.True(t, strings.HasPrefix(report,
		"quantum:16\r\n"+
			"hit_ratio:50%,hits:1,misses:1\r\n"+
			"hit_bytes:64,miss_bytes:64\r\n"+
			"ncalls_util_batches:1,ncalls_util_ptrs:2\r\n"+
			"[0][8]::"), report)
	require.Contains(t, report,
		"[4][64]::nregs:200,nslabs:10,nnonfull:5,hit_rate:50%,hit:1,miss:1,nmalloc:700,ndealloc:500\r\n")
	require.Len(t, strings.Split(strings.TrimSuffix(report, "\r\n"), "\r\n"), 4+36)
}

func Test_Close(t *testing.T) {
	f := newExampleBin(t)
	d := newReadyDefragger(t, f)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.False(t, d.Enabled())
	require.Empty(t, d.StatsReport())
	require.ErrorIs(t, d.Init(), ErrNotInitialized)
}
