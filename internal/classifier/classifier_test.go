package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

var scores = map[string][]float64{
	"A": {0.5, 2.5, 1.0},
	"B": {2.0, 1.9},
	"C": {-3, 4.1},
	"D": {},
}

func TestSMTSuspects(t *testing.T) {
	require.Equal(t, []string{"A", "C"}, SMTSuspects(scores, DefaultSMTThreshold))

	// strictly greater: a score equal to the criterion does not qualify
	require.Equal(t, []string{"A", "C"}, SMTSuspects(scores, 2.0))
	require.Equal(t, []string{"A", "B", "C"}, SMTSuspects(scores, 1.95))
	require.Empty(t, SMTSuspects(nil, 2))
	require.NotNil(t, SMTSuspects(nil, 2))
}

func TestSMTSuspectsMonotone(t *testing.T) {
	prev := SMTSuspects(scores, -10)
	for _, c := range []float64{-1, 0, 1, 2, 2.5, 3, 5} {
		cur := SMTSuspects(scores, c)
		for _, m := range cur {
			require.Contains(t, prev, m, "raising the criterion to %v added %s", c, m)
		}
		prev = cur
	}
	require.Empty(t, prev)
}

func TestSMTPeriodSuspects(t *testing.T) {
	in := map[string][]types.SMTScore{
		"A": {{Period: "2023-01", Score: 3}, {Period: "2023-02", Score: 1}},
		"B": {{Period: "2023-01", Score: 2.1}, {Period: "2023-02", Score: 2}},
	}
	require.Equal(t, map[string][]string{"2023-01": {"A", "B"}}, SMTPeriodSuspects(in, 2))
}

func TestShareSuspects(t *testing.T) {
	shares := []types.MinerShare{
		{Miner: "A", Blocks: 6, Share: 0.6},
		{Miner: "B", Blocks: 3, Share: 0.3},
		{Miner: "C", Blocks: 1, Share: 0.1},
	}

	got := ShareSuspects(shares, DefaultFrequencyThreshold)
	require.Equal(t, []string{"A", "B"}, Names(got))
	require.Equal(t, []string{"A"}, Names(ShareSuspects(shares, 0.3)))
	require.Empty(t, ShareSuspects(shares, 0.6))

	prev := len(shares)
	for _, th := range []float64{0.05, 0.1, 0.3, 0.5, 0.9} {
		n := len(ShareSuspects(shares, th))
		require.LessOrEqual(t, n, prev)
		prev = n
	}
}

func TestPeriodShareSuspects(t *testing.T) {
	periods := []calculator.PeriodShares{
		{Period: "2023-01", Total: 2, Shares: []types.MinerShare{{Miner: "A", Blocks: 2, Share: 1}}},
		{Period: "2023-02", Total: 10, Shares: []types.MinerShare{
			{Miner: "B", Blocks: 5, Share: 0.5},
			{Miner: "A", Blocks: 5, Share: 0.5},
		}},
	}

	got := PeriodShareSuspects(periods, 0.6)
	require.Equal(t, []string{"A"}, Names(got["2023-01"]))
	require.Empty(t, got["2023-02"])
}
