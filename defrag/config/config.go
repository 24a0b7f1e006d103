// Package config loads defragmenter and simulator settings from YAML.
//
// A file is validated against an embedded JSON Schema before it is decoded,
// so unknown keys, misspelled enum values and out-of-range numbers are
// reported with their location rather than silently ignored:
//
//	defrag:
//	  strategy: progressive
//	  selection: pages-lower
//	  threshold: 200
//	  free_rule: dedicated
//	arena:
//	  quantum: 8
//	workload:
//	  objects: 200000
//	  free_ratio: 0.6
//
// Omitted keys keep the values from Default.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/defragkit/defrag"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalid indicates a configuration that does not match the schema.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full file layout.
type Config struct {
	Defrag   Defrag   `yaml:"defrag" json:"defrag"`
	Arena    Arena    `yaml:"arena" json:"arena"`
	Workload Workload `yaml:"workload" json:"workload"`
	Log      Log      `yaml:"log" json:"log"`
}

// Defrag holds Defragger settings. Enum values use the names printed by the
// defrag package's String methods.
type Defrag struct {
	Strategy    string  `yaml:"strategy" json:"strategy"`
	Selection   string  `yaml:"selection" json:"selection"`
	Threshold   int     `yaml:"threshold" json:"threshold"`
	Recalc      string  `yaml:"recalc" json:"recalc"`
	AllocRule   string  `yaml:"alloc_rule" json:"alloc_rule"`
	FreeRule    string  `yaml:"free_rule" json:"free_rule"`
	Seed        uint64  `yaml:"seed" json:"seed"`
	TrendWindow int     `yaml:"trend_window" json:"trend_window"`
	TrendAlpha  float64 `yaml:"trend_alpha" json:"trend_alpha"`
}

// Arena holds simulated arena geometry.
type Arena struct {
	Quantum       uint64 `yaml:"quantum" json:"quantum"`
	PageSize      uint64 `yaml:"page_size" json:"page_size"`
	Capacity      uint64 `yaml:"capacity" json:"capacity"`
	CacheCapacity int    `yaml:"cache_capacity" json:"cache_capacity"`
}

// Workload holds the simulated workload shape.
type Workload struct {
	Objects      int     `yaml:"objects" json:"objects"`
	MinSize      uint64  `yaml:"min_size" json:"min_size"`
	MaxSize      uint64  `yaml:"max_size" json:"max_size"`
	FreeRatio    float64 `yaml:"free_ratio" json:"free_ratio"`
	Passes       int     `yaml:"passes" json:"passes"`
	TriggerBytes uint64  `yaml:"trigger_bytes" json:"trigger_bytes"`
	Seed         uint64  `yaml:"seed" json:"seed"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Defrag: Defrag{
			Strategy:    defrag.StrategyBaseline.String(),
			Selection:   defrag.SelectAlways.String(),
			Threshold:   defrag.DefaultThreshold,
			Recalc:      defrag.RecalcAlways.String(),
			AllocRule:   defrag.CacheBypass.String(),
			FreeRule:    defrag.CacheBypass.String(),
			Seed:        1,
			TrendWindow: 1000,
			TrendAlpha:  0.1,
		},
		Arena: Arena{
			Quantum:       16,
			PageSize:      4096,
			Capacity:      256 << 20,
			CacheCapacity: 32,
		},
		Workload: Workload{
			Objects:   100000,
			MinSize:   8,
			MaxSize:   1024,
			FreeRatio: 0.5,
			Passes:    3,
			Seed:      1,
		},
		Log: Log{Level: "info"},
	}
}

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("config: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("defragkit.json", doc); err != nil {
		return nil, fmt.Errorf("config: add schema resource: %w", err)
	}
	s, err := c.Compile("defragkit.json")
	if err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}
	return s, nil
})

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates YAML against the schema and decodes it over Default.
// An empty document yields Default.
func Parse(data []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := Default()
	if doc == nil {
		return cfg, nil
	}

	if err := validate(doc); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Workload.MinSize > cfg.Workload.MaxSize {
		return nil, fmt.Errorf("%w: workload min_size %d exceeds max_size %d",
			ErrInvalid, cfg.Workload.MinSize, cfg.Workload.MaxSize)
	}
	return cfg, nil
}

// validate checks a decoded YAML document against the schema. The document
// is re-encoded as JSON so numbers reach the validator in JSON form.
func validate(doc any) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// settings holds the defrag section parsed into typed values.
type settings struct {
	strategy  defrag.Strategy
	selection defrag.Selection
	recalc    defrag.RecalcRule
	allocRule defrag.CacheRule
	freeRule  defrag.CacheRule
}

func (c *Config) parse() (settings, error) {
	var (
		s   settings
		err error
	)
	d := c.Defrag
	if s.strategy, err = defrag.ParseStrategy(d.Strategy); err != nil {
		return s, err
	}
	if s.selection, err = defrag.ParseSelection(d.Selection); err != nil {
		return s, err
	}
	if s.recalc, err = defrag.ParseRecalcRule(d.Recalc); err != nil {
		return s, err
	}
	if s.allocRule, err = defrag.ParseCacheRule(d.AllocRule); err != nil {
		return s, err
	}
	if s.freeRule, err = defrag.ParseCacheRule(d.FreeRule); err != nil {
		return s, err
	}
	return s, nil
}

// Options converts the defrag section into Defragger options.
func (c *Config) Options() ([]defrag.Option, error) {
	s, err := c.parse()
	if err != nil {
		return nil, err
	}
	return []defrag.Option{
		defrag.WithStrategy(s.strategy),
		defrag.WithSelection(s.selection),
		defrag.WithThreshold(c.Defrag.Threshold),
		defrag.WithRecalcRule(s.recalc),
		defrag.WithAllocRule(s.allocRule),
		defrag.WithFreeRule(s.freeRule),
		defrag.WithSeed(c.Defrag.Seed),
		defrag.WithTrendWindow(c.Defrag.TrendWindow, c.Defrag.TrendAlpha),
	}, nil
}

// Apply pushes the runtime-adjustable defrag settings into a live
// Defragger. Seed and trend window only take effect at construction.
func (c *Config) Apply(d *defrag.Defragger) error {
	s, err := c.parse()
	if err != nil {
		return err
	}
	d.SetStrategy(s.strategy)
	d.SetSelectionMode(s.selection)
	d.SetThreshold(c.Defrag.Threshold)
	d.SetRecalcRule(s.recalc)
	d.SetAllocRule(s.allocRule)
	d.SetFreeRule(s.freeRule)
	return nil
}
