package defrag

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Strategy selects the decision heuristic.
type Strategy int32

const (
	// StrategyBaseline accepts regions in slabs below the bin's average
	// non-full occupancy plus the threshold margin.
	StrategyBaseline Strategy = iota

	// StrategyProgressive interpolates an occupancy cutoff from per-pass
	// targets recomputed at pass start.
	StrategyProgressive

	// StrategyUtilizationTrend compares occupancy against a blend of the
	// bin's rolling median and EWMA.
	StrategyUtilizationTrend

	// StrategySamplingOnly applies the selection filter alone.
	StrategySamplingOnly

	// StrategyAllocatorHint defers to the allocator's own hint, then the
	// selection filter.
	StrategyAllocatorHint

	numStrategies
)

var strategyNames = [...]string{
	StrategyBaseline:         "baseline",
	StrategyProgressive:      "progressive",
	StrategyUtilizationTrend: "utilization-trend",
	StrategySamplingOnly:     "sampling-only",
	StrategyAllocatorHint:    "allocator-hint",
}

func (s Strategy) String() string { return enumName(strategyNames[:], int32(s)) }

// ParseStrategy parses a strategy name as printed by String.
func ParseStrategy(s string) (Strategy, error) {
	v, err := parseEnum("strategy", strategyNames[:], s)
	return Strategy(v), err
}

// Selection selects the address-sampling filter applied after a strategy
// accepts.
type Selection int32

const (
	SelectAlways     Selection = iota // accept everything
	SelectPagesLower                  // prefer low pages, throttled
	SelectRandom                      // fair coin

	numSelections
)

var selectionNames = [...]string{
	SelectAlways:     "always",
	SelectPagesLower: "pages-lower",
	SelectRandom:     "random",
}

func (s Selection) String() string { return enumName(selectionNames[:], int32(s)) }

// ParseSelection parses a selection mode name.
func ParseSelection(s string) (Selection, error) {
	v, err := parseEnum("selection", selectionNames[:], s)
	return Selection(v), err
}

// RecalcRule controls when bin usage is refreshed from the allocator.
type RecalcRule int32

const (
	RecalcAlways      RecalcRule = iota // every refresh
	RecalcOnPassStart                   // only when a pass starts

	numRecalcRules
)

var recalcNames = [...]string{
	RecalcAlways:      "always",
	RecalcOnPassStart: "pass-start",
}

func (r RecalcRule) String() string { return enumName(recalcNames[:], int32(r)) }

// ParseRecalcRule parses a recalc rule name.
func ParseRecalcRule(s string) (RecalcRule, error) {
	v, err := parseEnum("recalc rule", recalcNames[:], s)
	return RecalcRule(v), err
}

// CacheRule routes relocation allocations or frees.
type CacheRule int32

const (
	// CacheBypass goes straight to the arena bins.
	CacheBypass CacheRule = iota

	// CacheShared goes through the allocator's shared cache.
	CacheShared

	// CacheDedicated goes through a cache created for relocation only.
	CacheDedicated

	numCacheRules
)

var cacheRuleNames = [...]string{
	CacheBypass:    "bypass",
	CacheShared:    "shared",
	CacheDedicated: "dedicated",
}

func (r CacheRule) String() string { return enumName(cacheRuleNames[:], int32(r)) }

// ParseCacheRule parses a cache rule name.
func ParseCacheRule(s string) (CacheRule, error) {
	v, err := parseEnum("cache rule", cacheRuleNames[:], s)
	return CacheRule(v), err
}

const (
	// DefaultThreshold is the per-mille margin over average occupancy (12.5%).
	DefaultThreshold = 125

	// MinThreshold makes the margin factor zero.
	MinThreshold = -1000

	// MaxThreshold caps the margin at 100x.
	MaxThreshold = 100000
)

// StrategyNames returns every strategy name in enum order.
func StrategyNames() []string { return strategyNames[:] }

// SelectionNames returns every selection mode name in enum order.
func SelectionNames() []string { return selectionNames[:] }

// RecalcRuleNames returns every recalc rule name in enum order.
func RecalcRuleNames() []string { return recalcNames[:] }

// CacheRuleNames returns every cache rule name in enum order.
func CacheRuleNames() []string { return cacheRuleNames[:] }

func enumName(names []string, v int32) string {
	if v >= 0 && int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func parseEnum(kind string, names []string, s string) (int32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range names {
		if s == name {
			return int32(i), nil
		}
	}
	return 0, fmt.Errorf("defrag: unknown %s %q (want one of %s)", kind, s, strings.Join(names, ", "))
}

// settings holds the live configuration. Setters and the decision path never
// lock; a decision may observe the previous value.
type settings struct {
	strategy  atomic.Int32
	selection atomic.Int32
	threshold atomic.Int64
	recalc    atomic.Int32
	allocRule atomic.Int32
	freeRule  atomic.Int32
}

func newSettings() *settings {
	s := &settings{}
	s.threshold.Store(DefaultThreshold)
	return s
}

func (s *settings) Strategy() Strategy   { return Strategy(s.strategy.Load()) }
func (s *settings) Selection() Selection { return Selection(s.selection.Load()) }
func (s *settings) Threshold() int       { return int(s.threshold.Load()) }
func (s *settings) Recalc() RecalcRule   { return RecalcRule(s.recalc.Load()) }
func (s *settings) AllocRule() CacheRule { return CacheRule(s.allocRule.Load()) }
func (s *settings) FreeRule() CacheRule  { return CacheRule(s.freeRule.Load()) }

// factor returns 1000 + threshold, never negative.
func (s *settings) factor() uint64 {
	return uint64(1000 + s.Threshold())
}

func clampThreshold(permille int) int {
	return min(max(permille, MinThreshold), MaxThreshold)
}
