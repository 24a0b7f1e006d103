package defrag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Progressive_Targets: free = 320-200 = 120, regsNonfull = 40,
// target = 120*40/(32*5)*1125 = 33750, max = 40*1125/5/2 = 4500.
func Test_Progressive_Targets(t *testing.T) {
	f := newExampleBin(t)
	d := newReadyDefragger(t, f, WithStrategy(StrategyProgressive))
	d.BeginPass()

	u := d.Snapshot().Usage(bin64)
	require.Equal(t, uint64(33750), u.PassHitsTarget())
	require.Equal(t, uint64(4500), u.PassMaxThreshold())
	require.Zero(t, u.PassHits())
	require.Zero(t, u.PassMisses())
}

func Test_Progressive_CutoffTightensAsHitsAccumulate(t *testing.T) {
	f := newExampleBin(t)
	f.place(0x1000, bin64, 4)
	f.place(0x2000, bin64, 5)
	f.place(0x3000, bin64, 1)
	f.place(0x4000, bin64, 2)

	d := newReadyDefragger(t, f, WithStrategy(StrategyProgressive))
	d.BeginPass()
	u := d.Snapshot().Usage(bin64)

	// Cutoff starts at 4500
	require.True(t, d.ShouldDefragOne(0x1000))
	// Cutoff now ~4393
	require.False(t, d.ShouldDefragOne(0x2000))
	require.True(t, d.ShouldDefragOne(0x1000))
	require.Equal(t, uint64(2), u.PassHits())
	require.Equal(t, uint64(1), u.PassMisses())

	// Near the target the cutoff approaches 1000: ~1293 with 30 hits in
	u.passHits = 30
	require.True(t, d.ShouldDefragOne(0x3000))
	require.False(t, d.ShouldDefragOne(0x4000))

	// A new pass resets the counters
	d.BeginPass()
	require.Zero(t, u.PassHits())
	require.True(t, d.ShouldDefragOne(0x1000))
}

func Test_ProgressiveCutoff(t *testing.T) {
	tests := []struct {
		name                      string
		remaining, target, maxThr uint64
		want                      uint64
	}{
		{"pass start", 33750, 33750, 4500, 4500},
		{"target reached", 0, 33750, 4500, 1000},
		{"tiny target", 400, 500, 4500, 1000},
		{"zero target", 0, 0, 0, 1000},
		{"max below floor", 5000, 10000, 800, 1000},
		{"midway", 17375, 33750, 4500, 2750},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, progressiveCutoff(tt.remaining, tt.target, tt.maxThr))
		})
	}
}

// Test_UtilizationTrend_AcceptsDipBelowTrend feeds ten mostly-full slabs (all
// declined: occupancy never drops below its own blended threshold) and then a
// nearly empty one, which falls well under it.
func Test_UtilizationTrend_AcceptsDipBelowTrend(t *testing.T) {
	f := newExampleBin(t)
	f.place(0x1000, bin64, 30)
	f.place(0x2000, bin64, 2)

	d := newReadyDefragger(t, f, WithStrategy(StrategyUtilizationTrend))
	for range 10 {
		require.False(t, d.ShouldDefragOne(0x1000))
	}
	require.True(t, d.ShouldDefragOne(0x2000))

	tr := d.Snapshot().Usage(bin64).tracker
	require.Equal(t, 11, tr.Len())
	require.Equal(t, 30.0/32.0, tr.Median())
}

func Test_UtilizationTrend_WindowOption(t *testing.T) {
	f := newExampleBin(t)
	d := newReadyDefragger(t, f, WithTrendWindow(4, 0.5))
	tr := d.Snapshot().Usage(bin64).tracker
	require.Equal(t, 0.5, tr.Alpha())
}

func Test_AllocatorHint(t *testing.T) {
	f := newExampleBin(t)
	f.place(0x1000, bin64, 5)
	f.place(0x2000, bin64, 5)

	t.Run("without capability", func(t *testing.T) {
		d := newReadyDefragger(t, f, WithStrategy(StrategyAllocatorHint))
		require.False(t, d.ShouldDefragOne(0x1000))
	})

	t.Run("with capability", func(t *testing.T) {
		h := &hintArena{fakeArena: f, hint: map[uintptr]bool{0x1000: true}}
		d := newReadyDefragger(t, h, WithStrategy(StrategyAllocatorHint))
		require.True(t, d.ShouldDefragOne(0x1000))
		require.False(t, d.ShouldDefragOne(0x2000))
	})
}

func Test_SamplingOnly_IgnoresOccupancy(t *testing.T) {
	f := newExampleBin(t)
	f.place(0x1000, bin64, 31)

	d := newReadyDefragger(t, f)
	require.False(t, d.ShouldDefragOne(0x1000), "baseline declines a nearly full slab")

	d.SetStrategy(StrategySamplingOnly)
	require.True(t, d.ShouldDefragOne(0x1000))
}

func Test_SelectRandom_IsRoughlyFair(t *testing.T) {
	f := newExampleBin(t)
	f.place(0x1000, bin64, 5)

	d := newReadyDefragger(t, f,
		WithStrategy(StrategySamplingOnly), WithSelection(SelectRandom), WithSeed(42))
	accepted := 0
	for range 400 {
		if d.ShouldDefragOne(0x1000) {
			accepted++
		}
	}
	assert.Greater(t, accepted, 120)
	assert.Less(t, accepted, 280)
}

func Test_SelectPagesLower(t *testing.T) {
	page := func(n uintptr) uintptr { return n << pageShift }
	s := newSelector(1)

	require.True(t, s.accept(SelectPagesLower, page(10)), "first page sets the low watermark")
	require.False(t, s.accept(SelectPagesLower, page(20)), "new high page, throttled")
	require.True(t, s.accept(SelectPagesLower, page(11)), "below midpoint 15")
	require.False(t, s.accept(SelectPagesLower, page(19)), "above midpoint")
	require.True(t, s.accept(SelectPagesLower, page(5)), "new low watermark")
	require.Equal(t, uint64(3), s.numAccept)
	require.Equal(t, uint64(2), s.numReject)
}

func Test_SelectAlways(t *testing.T) {
	s := newSelector(1)
	for p := range uintptr(10) {
		require.True(t, s.accept(SelectAlways, p<<pageShift))
	}
}

func Test_ParseEnums(t *testing.T) {
	s, err := ParseStrategy(" Progressive ")
	require.NoError(t, err)
	require.Equal(t, StrategyProgressive, s)

	_, err = ParseStrategy("greedy")
	require.ErrorContains(t, err, "unknown strategy")

	sel, err := ParseSelection("pages-lower")
	require.NoError(t, err)
	require.Equal(t, SelectPagesLower, sel)

	r, err := ParseRecalcRule("pass-start")
	require.NoError(t, err)
	require.Equal(t, RecalcOnPassStart, r)

	c, err := ParseCacheRule("dedicated")
	require.NoError(t, err)
	require.Equal(t, CacheDedicated, c)

	require.Equal(t, "unknown(42)", Strategy(42).String())
	require.Equal(t, "utilization-trend", StrategyUtilizationTrend.String())
	for i, name := range StrategyNames() {
		require.Equal(t, name, Strategy(i).String())
	}
}
