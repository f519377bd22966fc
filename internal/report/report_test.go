package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/pipeline"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

func sampleResult() *pipeline.Result {
	start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &pipeline.Result{
		RunID:        "5f0c6d1e-4b1a-4c55-9d8e-0a1b2c3d4e5f",
		Series:       "scenario",
		Events:       4,
		Miners:       []string{"A", "B"},
		Granularity:  "month",
		Periods:      []string{"2023-03"},
		Permutations: 200,
		Seed:         11,
		Estimator:    "population",
		NullScope:    "series",
		Statistic:    "blocks",
		StartedAt:    start,
		Duration:     0.25,
		GapStats: &types.GapStats{
			SampleSize: 3, Mean: 433.33, Median: 600, StdDev: 235.70, Min: 100, Max: 600,
			StartTime: start, EndTime: start.Add(1300 * time.Second),
		},
		PeriodGapStats: []calculator.PeriodGapStats{
			{Period: "2023-03", Stats: &types.GapStats{SampleSize: 3, Mean: 433.33, Median: 600}},
		},
		MinerGapStats: map[string]*types.GapStats{"A": {SampleSize: 2, Mean: 600}},

		Shares: []types.MinerShare{
			{Miner: "A", Blocks: 3, Share: 0.75},
			{Miner: "B", Blocks: 1, Share: 0.25},
		},
		Bursts:    []types.BurstCount{{Miner: "A", Consecutive: 1, Blocks: 3}},
		RunCounts: types.RunCount{"A": 1, "B": 0},
		RunScores: map[string]types.SMTScore{"A": {Miner: "A", Period: "all", Observed: 1, NullMean: 1.5, NullStdDev: 0.5, Score: -1}},
		Ranks:     map[string]int{"A": 0, "B": 0},

		Scores: map[string][]types.SMTScore{
			"A": {{Miner: "A", Period: "2023-03", Observed: 3, NullMean: 1.2, NullStdDev: 0.4, Score: 4.5, PValue: 0.000003}},
			"B": {{Miner: "B", Period: "2023-03", Observed: 1, Score: 0, PValue: 1, Degenerate: true}},
		},
		Suspects:       []string{"A"},
		PeriodSuspects: map[string][]string{"2023-03": {"A"}},

		ShareSuspects: []types.MinerShare{
			{Miner: "A", Blocks: 3, Share: 0.75},
			{Miner: "B", Blocks: 1, Share: 0.25},
		},

		PeriodShareSuspects: map[string][]types.MinerShare{"2023-03": {{Miner: "A", Blocks: 3, Share: 0.75}}},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": FormatJSON, " TEXT ": FormatText, "table": FormatTable} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	require.Error(t, err)
}

func TestAnalysisJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON, false).Analysis(sampleResult()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "scenario", decoded["series"])
	require.Equal(t, []any{"A"}, decoded["smt_suspects"])
	require.Equal(t, map[string]any{"A": 1.0, "B": 0.0}, decoded["run_counts"])
}

func TestAnalysisText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatText, true).Analysis(sampleResult()))
	out := buf.String()

	for _, want := range []string{
		"Run: 5f0c6d1e-4b1a-4c55-9d8e-0a1b2c3d4e5f",
		"Series: scenario (4 events, 2 miners)",
		"Permutations: 200 (seed 11, series scope, blocks statistic, population std)",
		"Duration: 250ms",
		"Median: 600.00",
		"P95:",
		"75.00%  [suspect]",
		"2023-03: A",
		"rank=0/200",
		"(degenerate)",
		"SMT suspects: A",
	} {
		require.Contains(t, out, want)
	}
}

func TestAnalysisTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable, false).Analysis(sampleResult()))
	out := buf.String()

	for _, want := range []string{"Block Intervals", "Block Shares", "Consecutive Runs (200 permutations)", "SMT Scores", "Suspects", "4.50", "0/200"} {
		require.Contains(t, out, want)
	}
	require.NotContains(t, out, "Per Miner Intervals")
}

func TestSMTTextNoSuspects(t *testing.T) {
	res := sampleResult()
	res.Suspects = []string{}

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatText, false).SMT(res))
	require.Contains(t, buf.String(), "No SMT suspects")
}

func TestUnsupportedFormat(t *testing.T) {
	r := New(&bytes.Buffer{}, Format("xml"), false)
	require.Error(t, r.Runs(sampleResult()))
	require.Error(t, r.Files("Extracted", nil))
}

func TestFiles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatText, false).Files("Extracted", []string{"a.tsv", "b.tsv"}))
	require.Equal(t, "Extracted: 2\n  a.tsv\n  b.tsv\n", buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, FormatJSON, false).Files("Extracted", []string{"a.tsv"}))
	require.True(t, strings.Contains(buf.String(), `"files"`))
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		250 * time.Millisecond:      "250ms",
		1500 * time.Millisecond:     "1.5 seconds",
		90 * time.Second:            "1m 30s",
		2 * time.Minute:             "2 minutes",
		2*time.Hour + 5*time.Minute: "2h 5m",
		3 * time.Hour:               "3 hours",
	}
	for d, want := range tests {
		require.Equal(t, want, FormatDuration(d))
	}
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
