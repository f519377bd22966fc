// Package permutation generates label-shuffled variants of an event series: timestamps
// stay in place while miner attributions are reassigned uniformly at random.
//
// Permutations are streamed. Each worker owns a single label buffer that is reset from
// the pristine source before every trial, so memory stays linear in the series length
// no matter how many trials run. Trial i always draws from the PCG stream seeded with
// (seed, i); a fixed seed therefore reproduces the same permutations on any platform
// and with any number of workers.
package permutation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"runtime"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidCount is returned for a non-positive permutation count
var ErrInvalidCount = errors.New("permutation count must be positive")

// Labels is a miner label multiset interned to small integer codes
type Labels struct {
	Alphabet []string
	Codes    []int32
}

// Intern encodes labels. The alphabet is sorted so codes are stable for a given multiset.
func Intern(labels []string) Labels {
	alphabet := slices.Clone(labels)
	slices.Sort(alphabet)
	alphabet = slices.Compact(alphabet)

	index := make(map[string]int32, len(alphabet))
	for i, l := range alphabet {
		index[l] = int32(i)
	}

	codes := make([]int32, len(labels))
	for i, l := range labels {
		codes[i] = index[l]
	}
	return Labels{Alphabet: alphabet, Codes: codes}
}

// Len returns the number of positions
func (l Labels) Len() int { return len(l.Codes) }

// Decode maps codes back to labels
func (l Labels) Decode(codes []int32) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = l.Alphabet[c]
	}
	return out
}

// Trial is one permuted arrangement. Codes belongs to the generating worker and is only
// valid until the observing callback returns.
type Trial struct {
	Index int
	Codes []int32
}

// Engine generates permutation trials
type Engine struct {
	count   int
	seed    uint64
	seeded  bool
	workers int
	logger  *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithSeed fixes the base seed, making every trial reproducible
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
		e.seeded = true
	}
}

// WithWorkers sets the number of goroutines generating trials
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine producing count permutations per run
func New(count int, opts ...Option) (*Engine, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	e := &Engine{
		count:   count,
		workers: runtime.GOMAXPROCS(0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !e.seeded {
		e.seed = rand.Uint64()
		e.logger.Info("drew permutation seed", zap.Uint64("seed", e.seed))
	}
	return e, nil
}

// Count returns the number of permutations per run
func (e *Engine) Count() int { return e.count }

// Seed returns the base seed
func (e *Engine) Seed() uint64 { return e.seed }

// Workers returns the configured worker count
func (e *Engine) Workers() int { return e.workers }

// Derive returns an engine with the same settings drawing from an independent family
// of streams, identified by stream
func (e *Engine) Derive(stream uint64) *Engine {
	d := *e
	d.seed = splitmix64(e.seed ^ splitmix64(stream+1))
	return &d
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// shuffle resets buf from src and applies the Fisher-Yates shuffle of trial
func (e *Engine) shuffle(trial int, src, buf []int32) {
	copy(buf, src)
	rng := rand.New(rand.NewPCG(e.seed, uint64(trial)))
	rng.Shuffle(len(buf), func(i, j int) {
		buf[i], buf[j] = buf[j], buf[i]
	})
}

// Permutations yields every trial sequentially. The yielded slice is reused between
// iterations.
func (e *Engine) Permutations(labels Labels) iter.Seq2[int, []int32] {
	return func(yield func(int, []int32) bool) {
		buf := make([]int32, labels.Len())
		for trial := 0; trial < e.count; trial++ {
			e.shuffle(trial, labels.Codes, buf)
			if !yield(trial, buf) {
				return
			}
		}
	}
}

// Reduce streams all trials through observe and returns the merged accumulator.
//
// Every worker builds its own accumulator with init and feeds it the trials it
// generates; partial accumulators are then merged into the first one in worker order.
// observe is never called concurrently on the same accumulator.
func Reduce[A any](ctx context.Context, e *Engine, labels Labels, init func() A, observe func(A, *Trial), merge func(dst, src A)) (A, error) {
	workers := min(e.workers, e.count)
	accs := make([]A, workers)
	for w := range accs {
		accs[w] = init()
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		acc := accs[w]
		g.Go(func() error {
			t := &Trial{Codes: make([]int32, labels.Len())}
			for trial := w; trial < e.count; trial += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				e.shuffle(trial, labels.Codes, t.Codes)
				t.Index = trial
				observe(acc, t)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var zero A
		return zero, fmt.Errorf("permutation run aborted: %w", err)
	}

	for _, acc := range accs[1:] {
		merge(accs[0], acc)
	}

	e.logger.Debug("permutation run complete",
		zap.Int("trials", e.count),
		zap.Int("workers", workers),
		zap.Int("positions", labels.Len()))
	return accs[0], nil
}
