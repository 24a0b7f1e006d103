package defrag

import (
	"errors"
	"log/slog"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/defrag/trend"
	"github.com/joshuapare/defragkit/internal/assert"
	"github.com/joshuapare/defragkit/internal/logger"
)

type state uint8

const (
	stateNew state = iota
	stateReady
	stateDisabled
	stateClosed
)

// Defragger decides which live allocations are worth relocating.
//
// All methods except the Set* configuration setters and Enabled must be
// called from one goroutine, the defrag cycle. Setters may be called from
// anywhere; the cycle picks the new value up on its next decision.
type Defragger struct {
	intro arena.Introspector
	cfg   *settings
	log   *slog.Logger

	seed       uint64
	trendCap   int
	trendAlpha float64

	state   state
	initErr error

	reg      *Registry
	snap     *Snapshot
	sel      *selector
	deciders [numStrategies]decider
	reloc    *Relocator
	stats    GlobalStats

	util [MaxBatch]arena.SlabUtil
}

// Option configures a Defragger.
type Option func(*Defragger)

// WithStrategy sets the initial strategy.
func WithStrategy(s Strategy) Option { return func(d *Defragger) { d.SetStrategy(s) } }

// WithSelection sets the initial selection mode.
func WithSelection(s Selection) Option { return func(d *Defragger) { d.SetSelectionMode(s) } }

// WithThreshold sets the initial per-mille margin.
func WithThreshold(permille int) Option { return func(d *Defragger) { d.SetThreshold(permille) } }

// WithRecalcRule sets when bin usage is refreshed.
func WithRecalcRule(r RecalcRule) Option { return func(d *Defragger) { d.SetRecalcRule(r) } }

// WithAllocRule sets the relocation allocation path.
func WithAllocRule(r CacheRule) Option { return func(d *Defragger) { d.SetAllocRule(r) } }

// WithFreeRule sets the relocation free path.
func WithFreeRule(r CacheRule) Option { return func(d *Defragger) { d.SetFreeRule(r) } }

// WithLogger sets the logger (default: the process-wide logger).
func WithLogger(l *slog.Logger) Option { return func(d *Defragger) { d.log = l } }

// WithSeed seeds the random selection mode.
func WithSeed(seed uint64) Option { return func(d *Defragger) { d.seed = seed } }

// WithTrendWindow sets the utilization-trend window capacity and EWMA factor.
func WithTrendWindow(capacity int, alpha float64) Option {
	return func(d *Defragger) {
		d.trendCap = capacity
		d.trendAlpha = alpha
	}
}

// New creates a Defragger observing intro. If intro also implements the
// arena allocator capabilities they are used for relocation. Call Init
// before anything else.
func New(intro arena.Introspector, opts ...Option) *Defragger {
	d := &Defragger{
		intro:      intro,
		cfg:        newSettings(),
		seed:       1,
		trendCap:   trend.DefaultCapacity,
		trendAlpha: trend.DefaultAlpha,
		deciders:   newDeciders(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logger.Or(d.log)
	d.sel = newSelector(d.seed)
	d.reloc = newRelocator(intro, d.cfg, d.log)
	return d
}

// Init discovers the allocator layout. It is a no-op once successful. On
// failure the Defragger is disabled for good and every later Init returns the
// same error: an error wrapping ErrUnsupported when the allocator lacks
// introspection, or a *LayoutMismatchError.
func (d *Defragger) Init() error {
	switch d.state {
	case stateReady:
		return nil
	case stateDisabled:
		return d.initErr
	case stateClosed:
		return ErrNotInitialized
	}

	reg, err := NewRegistry(d.intro)
	if err != nil {
		d.state = stateDisabled
		d.initErr = err
		if errors.Is(err, ErrLayoutMismatch) {
			d.log.Error("defrag: disabled", "error", err)
		} else {
			d.log.Warn("defrag: disabled", "error", err)
		}
		return err
	}

	d.reg = reg
	d.snap = newSnapshot(reg, d.intro, d.trendCap, d.trendAlpha)
	d.snap.Refresh(true, d.cfg.Recalc(), d.cfg.factor())
	d.state = stateReady
	d.log.Info("defrag: enabled",
		"quantum", reg.Quantum(), "bins", reg.NumBins(), "strategy", d.cfg.Strategy())
	return nil
}

// Enabled reports whether Init succeeded and Close has not been called.
func (d *Defragger) Enabled() bool {
	return d.state == stateReady
}

// ready reports whether decisions can run, flagging use before Init.
func (d *Defragger) ready() bool {
	if d.state == stateNew {
		assert.That(false, "defragger used before Init")
	}
	return d.state == stateReady
}

// Registry returns the discovered layout, or nil before a successful Init.
func (d *Defragger) Registry() *Registry {
	return d.reg
}

// Snapshot returns the per-bin usage, or nil before a successful Init.
func (d *Defragger) Snapshot() *Snapshot {
	return d.snap
}

// FragmentationBytes refreshes statistics and returns the bytes held in
// small-bin slabs but not allocated. Returns 0 when disabled.
func (d *Defragger) FragmentationBytes() uint64 {
	if !d.ready() {
		return 0
	}
	return d.snap.Refresh(false, d.cfg.Recalc(), d.cfg.factor())
}

// BeginPass refreshes statistics, resets the per-pass targets and returns the
// fragmentation bytes. Returns 0 when disabled.
func (d *Defragger) BeginPass() uint64 {
	if !d.ready() {
		return 0
	}
	frag := d.snap.Refresh(true, d.cfg.Recalc(), d.cfg.factor())
	d.log.Debug("defrag: pass started", "fragmentation_bytes", frag, "strategy", d.cfg.Strategy())
	return frag
}

// ShouldDefragOne reports whether ptr is worth relocating.
func (d *Defragger) ShouldDefragOne(ptr uintptr) bool {
	buf := [1]uintptr{ptr}
	d.ShouldDefragBatch(buf[:])
	return buf[0] != 0
}

// ShouldDefragBatch decides for up to MaxBatch pointers in one allocator
// query. Declined slots are set to 0; accepted slots are left untouched.
// Longer slices are caller misuse: the tail is declined.
func (d *Defragger) ShouldDefragBatch(ptrs []uintptr) {
	if !d.ready() {
		clear(ptrs)
		return
	}
	d.decideBatch(ptrs)
}

// RelocAlloc allocates size bytes for a relocated object through the
// configured alloc rule.
func (d *Defragger) RelocAlloc(size uint64) (uintptr, error) {
	if err := d.relocReady(); err != nil {
		return 0, err
	}
	return d.reloc.Alloc(size)
}

// RelocFree frees the old copy of a relocated object through the configured
// free rule. A zero ptr is a no-op.
func (d *Defragger) RelocFree(ptr uintptr, size uint64) error {
	if err := d.relocReady(); err != nil {
		return err
	}
	return d.reloc.Free(ptr, size)
}

func (d *Defragger) relocReady() error {
	switch d.state {
	case stateReady:
		return nil
	case stateNew, stateClosed:
		return ErrNotInitialized
	default:
		return ErrUnsupported
	}
}

// SetStrategy switches the decision strategy. Unknown values are ignored.
func (d *Defragger) SetStrategy(s Strategy) {
	if s < 0 || s >= numStrategies {
		d.warnIgnored("strategy", s)
		return
	}
	d.cfg.strategy.Store(int32(s))
	d.debugSet("strategy", s)
}

// SetSelectionMode switches the selection filter. Unknown values are ignored.
func (d *Defragger) SetSelectionMode(s Selection) {
	if s < 0 || s >= numSelections {
		d.warnIgnored("selection", s)
		return
	}
	d.cfg.selection.Store(int32(s))
	d.debugSet("selection", s)
}

// SetThreshold sets the per-mille margin, clamped to
// [MinThreshold, MaxThreshold].
func (d *Defragger) SetThreshold(permille int) {
	d.cfg.threshold.Store(int64(clampThreshold(permille)))
	d.debugSet("threshold", d.cfg.Threshold())
}

// SetRecalcRule sets when bin usage is refreshed. Unknown values are ignored.
func (d *Defragger) SetRecalcRule(r RecalcRule) {
	if r < 0 || r >= numRecalcRules {
		d.warnIgnored("recalc rule", r)
		return
	}
	d.cfg.recalc.Store(int32(r))
	d.debugSet("recalc", r)
}

// SetAllocRule sets the relocation allocation path. Unknown values are ignored.
func (d *Defragger) SetAllocRule(r CacheRule) {
	if r < 0 || r >= numCacheRules {
		d.warnIgnored("alloc rule", r)
		return
	}
	d.cfg.allocRule.Store(int32(r))
	d.debugSet("alloc_rule", r)
}

// SetFreeRule sets the relocation free path. Unknown values are ignored.
func (d *Defragger) SetFreeRule(r CacheRule) {
	if r < 0 || r >= numCacheRules {
		d.warnIgnored("free rule", r)
		return
	}
	d.cfg.freeRule.Store(int32(r))
	d.debugSet("free_rule", r)
}

// Strategy returns the active strategy.
func (d *Defragger) Strategy() Strategy { return d.cfg.Strategy() }

// SelectionMode returns the active selection mode.
func (d *Defragger) SelectionMode() Selection { return d.cfg.Selection() }

// Threshold returns the per-mille margin.
func (d *Defragger) Threshold() int { return d.cfg.Threshold() }

// RecalcRule returns the active recalc rule.
func (d *Defragger) RecalcRule() RecalcRule { return d.cfg.Recalc() }

// AllocRule returns the relocation allocation rule.
func (d *Defragger) AllocRule() CacheRule { return d.cfg.AllocRule() }

// FreeRule returns the relocation free rule.
func (d *Defragger) FreeRule() CacheRule { return d.cfg.FreeRule() }

func (d *Defragger) debugSet(key string, v any) {
	if d.log != nil {
		d.log.Debug("defrag: config changed", key, v)
	}
}

func (d *Defragger) warnIgnored(key string, v any) {
	if d.log != nil {
		d.log.Warn("defrag: ignoring invalid setting", key, v)
	}
}

// Close drains the relocation caches and disables the Defragger.
func (d *Defragger) Close() error {
	if d.state == stateClosed {
		return nil
	}
	d.state = stateClosed
	return d.reloc.Flush()
}
