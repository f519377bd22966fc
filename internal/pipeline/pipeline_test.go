package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/metrics"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/runs"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

func config(count int, seed uint64) *types.AnalysisConfig {
	cfg := calculator.DefaultConfig()
	cfg.PermutationCount = count
	cfg.RandomSeed = &seed
	return cfg
}

func scenario() types.EventSeries {
	base := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	return types.EventSeries{Name: "scenario", Events: []types.MiningEvent{
		{Time: base, Miner: "A"},
		{Time: base.Add(100 * time.Second), Miner: "B"},
		{Time: base.Add(700 * time.Second), Miner: "A"},
		{Time: base.Add(1300 * time.Second), Miner: "A"},
	}}
}

// selfish builds three months of blocks where "S" mines in long streaks during the
// second month and honest miners alternate otherwise
func selfish() types.EventSeries {
	base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	honest := []string{"H1", "H2", "H3", "H4"}

	var events []types.MiningEvent
	for day := 0; day < 90; day++ {
		for slot := 0; slot < 6; slot++ {
			ts := base.Add(time.Duration(day)*24*time.Hour + time.Duration(slot)*4*time.Hour)
			miner := honest[(day*6+slot)%len(honest)]
			if day >= 31 && day < 59 && slot < 4 {
				miner = "S"
			}
			events = append(events, types.MiningEvent{Height: int64(len(events) + 1), Time: ts, Miner: miner})
		}
	}
	return types.EventSeries{Name: "selfish", Events: events}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.AnalysisConfig)
	}{
		{"granularity", func(c *types.AnalysisConfig) { c.PeriodGranularity = "year" }},
		{"estimator", func(c *types.AnalysisConfig) { c.StdEstimator = "mad" }},
		{"scope", func(c *types.AnalysisConfig) { c.NullScope = "global" }},
		{"statistic", func(c *types.AnalysisConfig) { c.Statistic = "gaps" }},
		{"frequency zero", func(c *types.AnalysisConfig) { c.FrequencyThreshold = 0 }},
		{"frequency one", func(c *types.AnalysisConfig) { c.FrequencyThreshold = 1 }},
		{"permutations", func(c *types.AnalysisConfig) { c.PermutationCount = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config(10, 1)
			tc.mutate(cfg)
			_, err := New(cfg)
			require.Error(t, err)
		})
	}
}

func TestAnalyzeScenario(t *testing.T) {
	a, err := New(config(200, 11), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), scenario())
	require.NoError(t, err)

	require.Equal(t, 4, res.Events)
	require.Equal(t, []string{"A", "B"}, res.Miners)
	require.Equal(t, []string{"2023-03"}, res.Periods)
	require.Equal(t, types.RunCount{"A": 1, "B": 0}, res.RunCounts)
	require.Equal(t, uint64(11), res.Seed)
	require.NotEmpty(t, res.RunID)

	require.Equal(t, 3, res.GapStats.SampleSize)
	require.Equal(t, 600.0, res.GapStats.Median)

	for miner, r := range res.Ranks {
		require.GreaterOrEqual(t, r, 0, miner)
		require.LessOrEqual(t, r, 200, miner)
	}
	// B can never have a positive run count, so no permutation is below its 0
	require.Equal(t, 0, res.Ranks["B"])

	// A single period holds every block, so its block count never changes under
	// permutation: every SMT score is degenerate.
	for _, list := range res.Scores {
		require.Len(t, list, 1)
		require.True(t, list[0].Degenerate)
		require.Equal(t, 0.0, list[0].Score)
	}
	require.Empty(t, res.Suspects)

	require.Equal(t, []string{"A", "B"}, []string{res.ShareSuspects[0].Miner, res.ShareSuspects[1].Miner})
}

func TestAnalyzeFlagsSelfishMiner(t *testing.T) {
	// honest miners drift a little above their series-wide share in January and
	// March, so the criterion sits above that noise
	cfg := config(300, 2024)
	cfg.SMTThreshold = 5
	a, err := New(cfg)
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), selfish())
	require.NoError(t, err)

	require.Equal(t, []string{"2023-01", "2023-02", "2023-03"}, res.Periods)
	require.Equal(t, []string{"S"}, res.Suspects)
	require.Equal(t, []string{"S"}, res.PeriodSuspects["2023-02"])
	require.Equal(t, 300, res.Ranks["S"])

	feb := res.Scores["S"][1]
	require.Equal(t, "2023-02", feb.Period)
	require.Greater(t, feb.Score, 2.0)
	require.Less(t, feb.PValue, 0.05)

	require.Greater(t, res.RunScores["S"].Score, 2.0)
}

func TestAnalyzeReproducibleAcrossWorkers(t *testing.T) {
	series := selfish()

	run := func(workers int) *Result {
		cfg := config(64, 5)
		cfg.Workers = workers
		cfg.Statistic = string(StatRuns)
		a, err := New(cfg)
		require.NoError(t, err)
		res, err := a.Analyze(context.Background(), series)
		require.NoError(t, err)
		return res
	}

	one, four, many := run(1), run(4), run(16)
	for _, other := range []*Result{four, many} {
		require.Equal(t, one.RunCounts, other.RunCounts)
		require.Equal(t, one.Ranks, other.Ranks)
		require.Equal(t, one.RunScores, other.RunScores)
		require.Equal(t, one.Scores, other.Scores)
		require.Equal(t, one.Suspects, other.Suspects)
	}
}

func TestAnalyzePeriodScope(t *testing.T) {
	cfg := config(50, 3)
	cfg.NullScope = string(ScopePeriod)
	a, err := New(cfg)
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), selfish())
	require.NoError(t, err)

	// block counts are fixed within a period
	for _, list := range res.Scores {
		for _, s := range list {
			require.True(t, s.Degenerate)
			require.Equal(t, 0.0, s.Score)
		}
	}
	require.Empty(t, res.Suspects)

	cfg = config(50, 3)
	cfg.NullScope = string(ScopePeriod)
	cfg.Statistic = string(StatRuns)
	a, err = New(cfg)
	require.NoError(t, err)

	res, err = a.Analyze(context.Background(), selfish())
	require.NoError(t, err)
	feb := res.Scores["S"][1]
	require.False(t, feb.Degenerate)
	require.Positive(t, feb.Score)
}

func TestAnalyzeEmptyAndSingle(t *testing.T) {
	a, err := New(config(10, 1))
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), types.EventSeries{Name: "empty"})
	require.NoError(t, err)
	require.Zero(t, res.Events)
	require.Empty(t, res.RunCounts)
	require.Empty(t, res.Suspects)
	require.Zero(t, res.GapStats.SampleSize)

	single := types.EventSeries{Events: []types.MiningEvent{{Time: time.Unix(1_600_000_000, 0), Miner: "A"}}}
	res, err = a.Analyze(context.Background(), single)
	require.NoError(t, err)
	require.Equal(t, types.RunCount{"A": 0}, res.RunCounts)
	require.Zero(t, res.GapStats.SampleSize)
	require.True(t, res.Scores["A"][0].Degenerate)
}

func TestAnalyzeInvalidTimestamp(t *testing.T) {
	a, err := New(config(10, 1))
	require.NoError(t, err)

	series := scenario()
	series.Events[2].Time = time.Time{}

	res, err := a.Analyze(context.Background(), series)
	require.Nil(t, res)
	require.True(t, errors.Is(err, calculator.ErrInvalidTimestamp))
}

func TestAnalyzeCancelled(t *testing.T) {
	a, err := New(config(1000, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.Analyze(ctx, selfish())
	require.True(t, errors.Is(err, context.Canceled))
}

func TestTrialHook(t *testing.T) {
	var (
		calls atomic.Int64
		bad   atomic.Int64
	)
	hook := func(trial int, rc types.RunCount) {
		calls.Add(1)
		total := 0
		for _, c := range rc {
			total += c
		}
		// run counts of four events never exceed three
		if trial < 0 || trial >= 40 || total > 3 || len(rc) != 2 {
			bad.Add(1)
		}
	}

	a, err := New(config(40, 9), WithTrialHook(hook))
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), scenario())
	require.NoError(t, err)

	require.Equal(t, int64(40), calls.Load())
	require.Zero(t, bad.Load())
}

func TestRanksMatchExplicitPermutations(t *testing.T) {
	var permuted []types.RunCount
	collect := make(chan types.RunCount, 100)

	cfg := config(100, 77)
	cfg.Workers = 3
	a, err := New(cfg, WithTrialHook(func(_ int, rc types.RunCount) { collect <- rc }))
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), selfish())
	require.NoError(t, err)
	close(collect)
	for rc := range collect {
		permuted = append(permuted, rc)
	}

	require.Equal(t, runs.Rank(res.RunCounts, permuted), res.Ranks)
}

func TestShares(t *testing.T) {
	a, err := New(config(10, 1))
	require.NoError(t, err)

	res, err := a.Shares(scenario())
	require.NoError(t, err)
	require.Zero(t, res.Permutations)
	require.Equal(t, []string{"A", "B"}, res.Miners)
	require.Equal(t, 3, res.Shares[0].Blocks)
	require.Len(t, res.ShareSuspects, 2)
	require.Empty(t, res.Scores)
}

func TestRecorder(t *testing.T) {
	rec := metrics.NewRecorder()
	cfg := config(25, 1)
	cfg.SMTThreshold = 5
	a, err := New(cfg, WithRecorder(rec))
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), selfish())
	require.NoError(t, err)

	expected := `
# HELP smdetect_permutations_total Label permutations generated
# TYPE smdetect_permutations_total counter
smdetect_permutations_total 25
# HELP smdetect_suspects Selfish mining suspects of the last run, by classifier
# TYPE smdetect_suspects gauge
smdetect_suspects{classifier="share"} 5
smdetect_suspects{classifier="smt"} 1
`
	require.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected),
		"smdetect_permutations_total", "smdetect_suspects"))
}

func TestNullScopeDefaultMovesBlocksAcrossPeriods(t *testing.T) {
	require.Equal(t, string(ScopeSeries), calculator.DefaultConfig().NullScope)

	score := func(scope NullScope) types.SMTScore {
		cfg := config(60, 8)
		cfg.NullScope = string(scope)
		a, err := New(cfg)
		require.NoError(t, err)
		res, err := a.Analyze(context.Background(), selfish())
		require.NoError(t, err)
		return res.Scores["S"][1]
	}

	series := score(ScopeSeries)
	require.False(t, series.Degenerate)
	require.Positive(t, series.NullStdDev)

	// the February block count of S is fixed when shuffling stays inside February
	period := score(ScopePeriod)
	require.True(t, period.Degenerate)
	require.Equal(t, float64(period.Observed), period.NullMean)
}
