// Package runs counts consecutive repeated miner attributions in a chronologically
// sorted series and compares the real counts with permutation-derived ones.
package runs

import (
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// Count returns the run count of every miner in a time-sorted series: the number of
// events whose predecessor was attributed to the same miner. Every miner of the
// series is present in the result, possibly with 0.
func Count(events []types.MiningEvent) types.RunCount {
	rc := make(types.RunCount)
	for i, ev := range events {
		if _, ok := rc[ev.Miner]; !ok {
			rc[ev.Miner] = 0
		}
		if i > 0 && events[i-1].Miner == ev.Miner {
			rc[ev.Miner]++
		}
	}
	return rc
}

// CountLabels is Count over a bare label sequence
func CountLabels(labels []string) types.RunCount {
	rc := make(types.RunCount)
	for i, l := range labels {
		if _, ok := rc[l]; !ok {
			rc[l] = 0
		}
		if i > 0 && labels[i-1] == l {
			rc[l]++
		}
	}
	return rc
}

// CountCodes adds the run counts of an interned label sequence into counts, which
// must have one slot per label code
func CountCodes(codes []int32, counts []int64) {
	for i := 1; i < len(codes); i++ {
		if codes[i] == codes[i-1] {
			counts[codes[i]]++
		}
	}
}

// Rank returns, per miner of real, the number of permuted counts strictly below the
// real count. Miners absent from a permutation count as 0 there.
func Rank(real types.RunCount, permuted []types.RunCount) map[string]int {
	out := make(map[string]int, len(real))
	for miner, count := range real {
		below := 0
		for _, p := range permuted {
			if p[miner] < count {
				below++
			}
		}
		out[miner] = below
	}
	return out
}

// RankAccumulator computes Rank without retaining the permuted counts
type RankAccumulator struct {
	real   []int64
	below  []int64
	trials int
}

// NewRankAccumulator creates an accumulator for the real run counts indexed by label code
func NewRankAccumulator(real []int64) *RankAccumulator {
	return &RankAccumulator{real: real, below: make([]int64, len(real))}
}

// Observe records one permutation's run counts, indexed by label code
func (a *RankAccumulator) Observe(counts []int64) {
	for code, c := range counts {
		if c < a.real[code] {
			a.below[code]++
		}
	}
	a.trials++
}

// Merge folds another accumulator over the same real counts into a
func (a *RankAccumulator) Merge(b *RankAccumulator) {
	for code := range a.below {
		a.below[code] += b.below[code]
	}
	a.trials += b.trials
}

// Trials returns the number of observed permutations
func (a *RankAccumulator) Trials() int { return a.trials }

// Result maps the accumulated ranks back to miner labels
func (a *RankAccumulator) Result(alphabet []string) map[string]int {
	out := make(map[string]int, len(alphabet))
	for code, miner := range alphabet {
		out[miner] = int(a.below[code])
	}
	return out
}
