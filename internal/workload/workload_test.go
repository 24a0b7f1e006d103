package workload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/defragkit/arena/simarena"
	"github.com/joshuapare/defragkit/defrag"
)

func newTestSim(t *testing.T, cfg Config, opts ...defrag.Option) (*Sim, *simarena.Arena, *defrag.Defragger) {
	t.Helper()
	a, err := simarena.New(simarena.WithCapacity(32 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	d := defrag.New(a, opts...)
	require.NoError(t, d.Init())
	t.Cleanup(func() { _ = d.Close() })

	s, err := New(a, d, cfg)
	require.NoError(t, err)
	return s, a, d
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Objects = 20000
	cfg.MaxSize = 512
	cfg.FreeRatio = 0.7
	cfg.Passes = 4
	return cfg
}

func Test_New_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSize = 0
	_, err := New(nil, nil, cfg)
	require.ErrorContains(t, err, "size range")

	cfg = DefaultConfig()
	cfg.MinSize, cfg.MaxSize = 100, 50
	_, err = New(nil, nil, cfg)
	require.ErrorContains(t, err, "size range")

	cfg = DefaultConfig()
	cfg.FreeRatio = 1.5
	_, err = New(nil, nil, cfg)
	require.ErrorContains(t, err, "free ratio")
}

func Test_PopulateAndFragment(t *testing.T) {
	s, a, d := newTestSim(t, smallConfig())
	ctx := context.Background()

	require.NoError(t, s.Populate(ctx, 5000))
	require.Equal(t, 5000, s.Live())
	require.NoError(t, s.Verify())
	before := d.FragmentationBytes()

	freed, err := s.Fragment(0.5)
	require.NoError(t, err)
	require.Equal(t, 5000-freed, s.Live())
	require.InDelta(t, 2500, freed, 250)
	require.Greater(t, d.FragmentationBytes(), before)
	require.Equal(t, a.Stats().Fragmented, d.FragmentationBytes())
	require.NoError(t, s.Verify())

	var live uint64
	for _, o := range s.Objects() {
		live += o.Size
	}
	require.Equal(t, live, s.LiveBytes())
}

func Test_Fragment_Extremes(t *testing.T) {
	s, _, _ := newTestSim(t, smallConfig())
	require.NoError(t, s.Populate(context.Background(), 1000))

	freed, err := s.Fragment(0)
	require.NoError(t, err)
	require.Zero(t, freed)
	require.Equal(t, 1000, s.Live())

	freed, err = s.Fragment(1)
	require.NoError(t, err)
	require.Equal(t, 1000, freed)
	require.Zero(t, s.Live())
}

func Test_RunPass_ReducesFragmentation(t *testing.T) {
	s, _, d := newTestSim(t, smallConfig())
	ctx := context.Background()
	require.NoError(t, s.Populate(ctx, 20000))
	_, err := s.Fragment(0.7)
	require.NoError(t, err)
	live := s.Live()

	pass, err := s.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, live, pass.Scanned)
	require.Positive(t, pass.Moved)
	require.Less(t, pass.FragAfter, pass.FragBefore)
	require.Equal(t, live, s.Live(), "relocation keeps every object")
	require.NoError(t, s.Verify())

	st := d.Stats()
	require.Equal(t, uint64(pass.Moved), st.Global.Hits, "every accepted object moved")
	require.Equal(t, uint64(pass.Scanned), st.Global.Hits+st.Global.Misses)
}

func Test_RunPass_Cancelled(t *testing.T) {
	s, _, _ := newTestSim(t, smallConfig())
	require.NoError(t, s.Populate(context.Background(), 2000))
	_, err := s.Fragment(0.5)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pass, err := s.RunPass(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pass.Scanned)
	require.Zero(t, pass.Moved)
	require.NoError(t, s.Verify())
}

func Test_Run(t *testing.T) {
	for _, strategy := range []defrag.Strategy{defrag.StrategyBaseline, defrag.StrategyProgressive} {
		t.Run(strategy.String(), func(t *testing.T) {
			s, a, _ := newTestSim(t, smallConfig(), defrag.WithStrategy(strategy))

			res, err := s.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, 20000, res.Allocated)
			require.Equal(t, res.Allocated-res.Freed, res.Live)
			require.NotEmpty(t, res.Passes)
			require.LessOrEqual(t, len(res.Passes), 4)
			require.Positive(t, res.Moved())
			require.Less(t, res.FragFinal, res.FragInitial)
			require.Equal(t, a.Stats().Fragmented, res.FragFinal)
		})
	}
}

func Test_Run_BelowTrigger(t *testing.T) {
	cfg := smallConfig()
	cfg.TriggerBytes = 1 << 40
	s, _, _ := newTestSim(t, cfg)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Passes)
	require.Zero(t, res.Moved())
	require.Equal(t, res.FragInitial, res.FragFinal)
}

func Test_Run_WithDedicatedCaches(t *testing.T) {
	s, _, d := newTestSim(t, smallConfig(),
		defrag.WithAllocRule(defrag.CacheDedicated), defrag.WithFreeRule(defrag.CacheDedicated))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, res.Moved())
	require.NoError(t, s.Verify())
	require.NoError(t, d.Close())
}

func Test_Verify_DetectsCorruption(t *testing.T) {
	s, a, _ := newTestSim(t, smallConfig())
	require.NoError(t, s.Populate(context.Background(), 10))

	o := s.Objects()[3]
	b, err := a.Bytes(o.Ptr, o.Size)
	require.NoError(t, err)
	b[0] ^= 0xff
	require.ErrorIs(t, s.Verify(), ErrCorrupt)
}

// flakyMemory fails Bytes on demand.
type flakyMemory struct {
	*simarena.Arena
	fail bool
}

func (m *flakyMemory) Bytes(ptr uintptr, n uint64) ([]byte, error) {
	if m.fail {
		return nil, errors.New("read failed")
	}
	return m.Arena.Bytes(ptr, n)
}

func Test_RunPass_FailedCopyReleasesDestination(t *testing.T) {
	a, err := simarena.New(simarena.WithCapacity(32 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	d := defrag.New(a)
	require.NoError(t, d.Init())
	t.Cleanup(func() { _ = d.Close() })

	mem := &flakyMemory{Arena: a}
	s, err := New(mem, d, smallConfig())
	require.NoError(t, err)
	require.NoError(t, s.Populate(context.Background(), 20000))
	_, err = s.Fragment(0.7)
	require.NoError(t, err)
	allocated := a.Stats().SmallAllocated

	mem.fail = true
	pass, err := s.RunPass(context.Background())
	require.ErrorContains(t, err, "read failed")
	require.Zero(t, pass.Moved)
	require.Equal(t, allocated, a.Stats().SmallAllocated, "relocation target freed")

	mem.fail = false
	require.NoError(t, s.Verify())
}
