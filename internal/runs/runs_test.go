package runs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

func events(labels ...string) []types.MiningEvent {
	base := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.MiningEvent, len(labels))
	for i, l := range labels {
		out[i] = types.MiningEvent{Time: base.Add(time.Duration(i) * time.Minute), Miner: l}
	}
	return out
}

func TestCount(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   types.RunCount
	}{
		{"empty", nil, types.RunCount{}},
		{"single", []string{"A"}, types.RunCount{"A": 0}},
		{"scenario", []string{"A", "B", "A", "A"}, types.RunCount{"A": 1, "B": 0}},
		{"permuted scenario", []string{"B", "A", "A", "A"}, types.RunCount{"A": 2, "B": 0}},
		{"constant", []string{"A", "A", "A", "A", "A"}, types.RunCount{"A": 4}},
		{"alternating", []string{"A", "B", "A", "B"}, types.RunCount{"A": 0, "B": 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Count(events(tc.labels...)))
			require.Equal(t, tc.want, CountLabels(tc.labels))
		})
	}
}

func TestCountConservation(t *testing.T) {
	labels := []string{"A", "A", "B", "C", "C", "C", "A", "B", "B"}

	rc := CountLabels(labels)
	total := 0
	for _, c := range rc {
		total += c
	}

	changes := 0
	for i := 1; i < len(labels); i++ {
		if labels[i] != labels[i-1] {
			changes++
		}
	}
	require.Equal(t, len(labels)-1, total+changes)
}

func TestCountCodes(t *testing.T) {
	counts := make([]int64, 2)
	CountCodes([]int32{1, 0, 0, 0}, counts)
	require.Equal(t, []int64{2, 0}, counts)

	// Counts accumulate
	CountCodes([]int32{1, 1}, counts)
	require.Equal(t, []int64{2, 1}, counts)
}

func TestRank(t *testing.T) {
	real := types.RunCount{"A": 2, "B": 1}
	permuted := []types.RunCount{
		{"A": 0, "B": 1},
		{"A": 2, "B": 0},
		{"A": 1},
		{"A": 3, "B": 2},
	}

	require.Equal(t, map[string]int{"A": 2, "B": 2}, Rank(real, permuted))
	require.Equal(t, map[string]int{"A": 0, "B": 0}, Rank(real, nil))
}

func TestRankAccumulator(t *testing.T) {
	alphabet := []string{"A", "B"}
	real := []int64{2, 1}

	left := NewRankAccumulator(real)
	left.Observe([]int64{0, 1})
	left.Observe([]int64{2, 0})

	right := NewRankAccumulator(real)
	right.Observe([]int64{1, 0})
	right.Observe([]int64{3, 2})

	left.Merge(right)
	require.Equal(t, 4, left.Trials())

	ranks := left.Result(alphabet)
	require.Equal(t, map[string]int{"A": 2, "B": 2}, ranks)
	for _, r := range ranks {
		require.GreaterOrEqual(t, r, 0)
		require.LessOrEqual(t, r, left.Trials())
	}
}
