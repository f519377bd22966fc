package calculator

import (
	"sort"
	"time"

	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// PeriodShares pairs a period with the block shares of its miners
type PeriodShares struct {
	Period string             `json:"period"`
	Total  int                `json:"total"`
	Shares []types.MinerShare `json:"shares"`
}

// Shares returns each miner's share of the attributed blocks, largest first
func Shares(events []types.MiningEvent) []types.MinerShare {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Miner]++
	}
	return sharesFromCounts(counts, len(events))
}

// SharesByPeriod returns block shares per period of a time-sorted event slice
func SharesByPeriod(events []types.MiningEvent, g types.Granularity) []PeriodShares {
	var out []PeriodShares
	for _, ps := range SplitPeriods(events, g) {
		out = append(out, PeriodShares{
			Period: ps.Period.Key(),
			Total:  ps.Len(),
			Shares: Shares(events[ps.Start:ps.End]),
		})
	}
	return out
}

func sharesFromCounts(counts map[string]int, total int) []types.MinerShare {
	shares := make([]types.MinerShare, 0, len(counts))
	for miner, n := range counts {
		share := 0.0
		if total > 0 {
			share = float64(n) / float64(total)
		}
		shares = append(shares, types.MinerShare{Miner: miner, Blocks: n, Share: share})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Blocks != shares[j].Blocks {
			return shares[i].Blocks > shares[j].Blocks
		}
		return shares[i].Miner < shares[j].Miner
	})
	return shares
}

// Bursts counts, for every miner, how many of its blocks followed its own previous block
// within window. Events must be sorted by time.
func Bursts(events []types.MiningEvent, window time.Duration) []types.BurstCount {
	last := make(map[string]time.Time)
	counts := make(map[string]*types.BurstCount)
	var order []string

	for _, ev := range events {
		bc, ok := counts[ev.Miner]
		if !ok {
			bc = &types.BurstCount{Miner: ev.Miner, Total: len(events)}
			counts[ev.Miner] = bc
			order = append(order, ev.Miner)
		}
		if prev, seen := last[ev.Miner]; seen && ev.Time.Sub(prev) <= window {
			bc.Consecutive++
		}
		bc.Blocks++
		last[ev.Miner] = ev.Time
	}

	sort.Strings(order)
	out := make([]types.BurstCount, 0, len(order))
	for _, miner := range order {
		out = append(out, *counts[miner])
	}
	return out
}
