// Package classifier flags selfish mining suspects from SMT scores or block shares.
package classifier

import (
	"sort"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// Default criteria
const (
	DefaultSMTThreshold       = 2.0
	DefaultFrequencyThreshold = 0.1
)

// SMTSuspects returns the miners with at least one per-period score strictly above
// criterion, sorted
func SMTSuspects(scores map[string][]float64, criterion float64) []string {
	suspects := make([]string, 0)
	for miner, list := range scores {
		for _, s := range list {
			if s > criterion {
				suspects = append(suspects, miner)
				break
			}
		}
	}
	sort.Strings(suspects)
	return suspects
}

// SMTPeriodSuspects returns, per period, the miners whose score in that period is
// strictly above criterion
func SMTPeriodSuspects(scores map[string][]types.SMTScore, criterion float64) map[string][]string {
	out := make(map[string][]string)
	for miner, list := range scores {
		for _, s := range list {
			if s.Score > criterion {
				out[s.Period] = append(out[s.Period], miner)
			}
		}
	}
	for period := range out {
		sort.Strings(out[period])
	}
	return out
}

// ShareSuspects returns the shares strictly above threshold, largest first
func ShareSuspects(shares []types.MinerShare, threshold float64) []types.MinerShare {
	suspects := make([]types.MinerShare, 0)
	for _, s := range shares {
		if s.Share > threshold {
			suspects = append(suspects, s)
		}
	}
	return suspects
}

// PeriodShareSuspects applies ShareSuspects to every period
func PeriodShareSuspects(periods []calculator.PeriodShares, threshold float64) map[string][]types.MinerShare {
	out := make(map[string][]types.MinerShare, len(periods))
	for _, p := range periods {
		out[p.Period] = ShareSuspects(p.Shares, threshold)
	}
	return out
}

// Names returns the miner labels of shares
func Names(shares []types.MinerShare) []string {
	names := make([]string, len(shares))
	for i, s := range shares {
		names[i] = s.Miner
	}
	return names
}
