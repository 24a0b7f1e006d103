// Package workload drives a Defragger against an arena the way a store would:
// it keeps a table of live objects with verifiable payloads, fragments the
// arena by freeing a share of them, and runs defrag passes that relocate the
// objects the Defragger accepts.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/defrag"
	"github.com/joshuapare/defragkit/internal/logger"
)

// ErrCorrupt indicates an object whose payload no longer matches its tag.
var ErrCorrupt = errors.New("workload: payload corrupted")

// Memory is the allocator surface the driver needs: raw alloc/free for the
// application and byte access for payloads and relocation copies.
type Memory interface {
	arena.RawAllocator
	Bytes(ptr uintptr, n uint64) ([]byte, error)
}

// Config shapes a simulated workload.
type Config struct {
	Objects      int     // Objects allocated by Populate
	MinSize      uint64  // Smallest object size
	MaxSize      uint64  // Largest object size
	FreeRatio    float64 // Share of objects Fragment frees
	Passes       int     // Maximum defrag passes per Run
	TriggerBytes uint64  // Run skips passes while fragmentation is below this
	Seed         uint64
}

// DefaultConfig returns a small mixed-size workload.
func DefaultConfig() Config {
	return Config{
		Objects:   100000,
		MinSize:   8,
		MaxSize:   1024,
		FreeRatio: 0.5,
		Passes:    3,
		Seed:      1,
	}
}

// Object is one live allocation.
type Object struct {
	Ptr  uintptr
	Size uint64
	Tag  uint64
}

// PassResult describes one defrag pass.
type PassResult struct {
	FragBefore uint64 `json:"frag_before"` // Fragmentation bytes at pass start
	FragAfter  uint64 `json:"frag_after"`  // Fragmentation bytes after relocation
	Scanned    int    `json:"scanned"`     // Objects streamed through the Defragger
	Moved      int    `json:"moved"`       // Objects relocated
	MovedBytes uint64 `json:"moved_bytes"`
}

// Result summarizes a Run.
type Result struct {
	Allocated   int          `json:"allocated"`
	Freed       int          `json:"freed"`
	Live        int          `json:"live"`
	FragInitial uint64       `json:"frag_initial"`
	FragFinal   uint64       `json:"frag_final"`
	Passes      []PassResult `json:"passes"`
}

// Moved returns the objects relocated across all passes.
func (r Result) Moved() int {
	n := 0
	for _, p := range r.Passes {
		n += p.Moved
	}
	return n
}

// Sim owns the object table. It is not safe for concurrent use.
type Sim struct {
	mem  Memory
	d    *defrag.Defragger
	cfg  Config
	rng  *rand.Rand
	log  *slog.Logger
	objs []Object

	nextTag uint64
	batch   [defrag.MaxBatch]uintptr
}

// Option configures a Sim.
type Option func(*Sim)

// WithLogger sets the logger (default: the process-wide logger).
func WithLogger(l *slog.Logger) Option { return func(s *Sim) { s.log = l } }

// New creates a driver over mem steered by d. d must be initialized on the
// same allocator.
func New(mem Memory, d *defrag.Defragger, cfg Config, opts ...Option) (*Sim, error) {
	if cfg.MinSize == 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("workload: bad size range [%d, %d]", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.FreeRatio < 0 || cfg.FreeRatio > 1 {
		return nil, fmt.Errorf("workload: free ratio %v outside [0, 1]", cfg.FreeRatio)
	}
	s := &Sim{
		mem: mem,
		d:   d,
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log)
	return s, nil
}

// Objects returns the live object table. The slice is owned by the Sim.
func (s *Sim) Objects() []Object { return s.objs }

// Live returns the number of live objects.
func (s *Sim) Live() int { return len(s.objs) }

// LiveBytes returns the requested bytes held by live objects.
func (s *Sim) LiveBytes() uint64 {
	var n uint64
	for _, o := range s.objs {
		n += o.Size
	}
	return n
}

// Populate allocates n objects with random sizes in the configured range and
// writes their payloads.
func (s *Sim) Populate(ctx context.Context, n int) error {
	for i := range n {
		if i%defrag.MaxBatch == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		size := s.cfg.MinSize + s.rng.Uint64N(s.cfg.MaxSize-s.cfg.MinSize+1)
		ptr, err := s.mem.AllocRaw(size)
		if err != nil {
			return fmt.Errorf("workload: populate object %d: %w", i, err)
		}
		s.nextTag++
		o := Object{Ptr: ptr, Size: size, Tag: s.nextTag}
		if err := s.fill(o); err != nil {
			return err
		}
		s.objs = append(s.objs, o)
	}
	s.log.Debug("workload: populated", "objects", n, "live", len(s.objs))
	return nil
}

// Fragment frees each live object with probability ratio and returns the
// number freed.
func (s *Sim) Fragment(ratio float64) (int, error) {
	kept := s.objs[:0]
	freed := 0
	for _, o := range s.objs {
		if s.rng.Float64() >= ratio {
			kept = append(kept, o)
			continue
		}
		if err := s.mem.FreeRaw(o.Ptr, o.Size); err != nil {
			return freed, fmt.Errorf("workload: free %#x: %w", o.Ptr, err)
		}
		freed++
	}
	clear(s.objs[len(kept):])
	s.objs = kept
	s.log.Debug("workload: fragmented", "freed", freed, "live", len(s.objs))
	return freed, nil
}

// RunPass runs one defrag pass over every live object. Cancellation is
// checked between batches; a cancelled pass returns what it moved so far.
func (s *Sim) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	res.FragBefore = s.d.BeginPass()

	for start := 0; start < len(s.objs); start += defrag.MaxBatch {
		if err := ctx.Err(); err != nil {
			res.FragAfter = s.d.FragmentationBytes()
			return res, err
		}
		end := min(start+defrag.MaxBatch, len(s.objs))
		batch := s.batch[:end-start]
		for i := range batch {
			batch[i] = s.objs[start+i].Ptr
		}
		s.d.ShouldDefragBatch(batch)
		res.Scanned += len(batch)

		for i, p := range batch {
			if p == 0 {
				continue
			}
			o := &s.objs[start+i]
			if err := s.move(o); err != nil {
				return res, err
			}
			res.Moved++
			res.MovedBytes += o.Size
		}
	}

	res.FragAfter = s.d.FragmentationBytes()
	s.log.Info("workload: pass done",
		"frag_before", res.FragBefore, "frag_after", res.FragAfter,
		"scanned", res.Scanned, "moved", res.Moved)
	return res, nil
}

// move relocates o: allocate, copy, free the old copy, update the table.
// A failed copy releases the new region and leaves o in place.
func (s *Sim) move(o *Object) error {
	dst, err := s.d.RelocAlloc(o.Size)
	if err != nil {
		return fmt.Errorf("workload: relocate %#x: %w", o.Ptr, err)
	}
	from, err := s.mem.Bytes(o.Ptr, o.Size)
	if err != nil {
		return errors.Join(fmt.Errorf("workload: read %#x: %w", o.Ptr, err), s.d.RelocFree(dst, o.Size))
	}
	to, err := s.mem.Bytes(dst, o.Size)
	if err != nil {
		return errors.Join(fmt.Errorf("workload: write %#x: %w", dst, err), s.d.RelocFree(dst, o.Size))
	}
	copy(to, from)
	if err := s.d.RelocFree(o.Ptr, o.Size); err != nil {
		return fmt.Errorf("workload: release %#x: %w", o.Ptr, err)
	}
	o.Ptr = dst
	return nil
}

// Verify checks every live payload against its tag.
func (s *Sim) Verify() error {
	for _, o := range s.objs {
		b, err := s.mem.Bytes(o.Ptr, o.Size)
		if err != nil {
			return fmt.Errorf("workload: verify %#x: %w", o.Ptr, err)
		}
		for i := range b {
			if b[i] != pattern(o.Tag, i) {
				return fmt.Errorf("%w: object %d at %#x, byte %d", ErrCorrupt, o.Tag, o.Ptr, i)
			}
		}
	}
	return nil
}

// Run populates, fragments and then runs up to Passes defrag passes. It
// stops early when fragmentation falls below TriggerBytes or a pass moves
// nothing, and verifies payloads at the end.
func (s *Sim) Run(ctx context.Context) (Result, error) {
	var res Result
	if err := s.Populate(ctx, s.cfg.Objects); err != nil {
		return res, err
	}
	res.Allocated = s.cfg.Objects

	freed, err := s.Fragment(s.cfg.FreeRatio)
	if err != nil {
		return res, err
	}
	res.Freed = freed
	res.FragInitial = s.d.FragmentationBytes()
	res.FragFinal = res.FragInitial

	for range s.cfg.Passes {
		if res.FragFinal < s.cfg.TriggerBytes {
			s.log.Debug("workload: below trigger", "frag", res.FragFinal, "trigger", s.cfg.TriggerBytes)
			break
		}
		pass, err := s.RunPass(ctx)
		res.Passes = append(res.Passes, pass)
		res.FragFinal = pass.FragAfter
		if err != nil {
			return res, err
		}
		if pass.Moved == 0 {
			break
		}
	}

	res.Live = len(s.objs)
	if err := s.Verify(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Sim) fill(o Object) error {
	b, err := s.mem.Bytes(o.Ptr, o.Size)
	if err != nil {
		return fmt.Errorf("workload: fill %#x: %w", o.Ptr, err)
	}
	for i := range b {
		b[i] = pattern(o.Tag, i)
	}
	return nil
}

// pattern is the payload byte at offset i of the object tagged tag.
func pattern(tag uint64, i int) byte {
	h := tag * 0x9e3779b97f4a7c15
	return byte(h>>(8*(i&7))) ^ byte(i*31)
}
