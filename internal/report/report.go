// Package report renders analysis results as json, plain text or tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/classifier"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/pipeline"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// Format is an output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatTable Format = "table"
)

// ParseFormat parses json, text or table
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText, FormatTable:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// Reporter writes results to an output stream
type Reporter struct {
	out     io.Writer
	format  Format
	verbose bool
}

// New creates a reporter
func New(out io.Writer, format Format, verbose bool) *Reporter {
	return &Reporter{out: out, format: format, verbose: verbose}
}

func (r *Reporter) json(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.out, string(data))
	return err
}

func (r *Reporter) table(title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(header)
	return t
}

func (r *Reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// Analysis writes a complete analysis result
func (r *Reporter) Analysis(res *pipeline.Result) error {
	if r.format == FormatJSON {
		return r.json(res)
	}

	r.header(res)
	if err := r.GapStats(res.GapStats, res.PeriodGapStats, res.MinerGapStats); err != nil {
		return err
	}
	if err := r.Shares(res); err != nil {
		return err
	}
	if err := r.Runs(res); err != nil {
		return err
	}
	return r.SMT(res)
}

func (r *Reporter) header(res *pipeline.Result) {
	r.printf("Selfish Mining Analysis\n")
	r.printf("=======================\n")
	r.printf("Run: %s\n", res.RunID)
	r.printf("Series: %s (%d events, %d miners)\n", res.Series, res.Events, len(res.Miners))
	r.printf("Periods: %d (%s)\n", len(res.Periods), res.Granularity)
	r.printf("Permutations: %d (seed %d, %s scope, %s statistic, %s std)\n",
		res.Permutations, res.Seed, res.NullScope, res.Statistic, res.Estimator)
	r.printf("Duration: %s\n\n", FormatDuration(time.Duration(res.Duration*float64(time.Second))))
}

// GapStats writes inter-arrival statistics
func (r *Reporter) GapStats(stats *types.GapStats, periods []calculator.PeriodGapStats, miners map[string]*types.GapStats) error {
	if stats == nil {
		stats = &types.GapStats{}
	}

	switch r.format {
	case FormatJSON:
		return r.json(struct {
			Overall *types.GapStats             `json:"overall"`
			Periods []calculator.PeriodGapStats `json:"periods,omitempty"`
			Miners  map[string]*types.GapStats  `json:"miners,omitempty"`
		}{stats, periods, miners})

	case FormatText:
		r.printf("Block Interval Statistics\n")
		r.printf("=========================\n")
		r.printf("Sample Size: %d intervals\n", stats.SampleSize)
		if stats.SampleSize > 0 {
			r.printf("Time Range: %s - %s\n", stats.StartTime.Format(time.RFC3339), stats.EndTime.Format(time.RFC3339))
		}
		r.printf("\nStatistics (seconds):\n")
		r.printf("  Mean: %.2f\n", stats.Mean)
		r.printf("  Median: %.2f\n", stats.Median)
		r.printf("  Std Dev: %.2f\n", stats.StdDev)
		r.printf("  Min: %.2f\n", stats.Min)
		r.printf("  Max: %.2f\n", stats.Max)
		if r.verbose {
			r.printf("\nPercentiles:\n")
			r.printf("  P25: %.2f\n", stats.P25)
			r.printf("  P75: %.2f\n", stats.P75)
			r.printf("  P95: %.2f\n", stats.P95)
			r.printf("  P99: %.2f\n", stats.P99)
			r.printf("\nOutliers Removed: %d\n", stats.OutlierCount)
		}
		if len(periods) > 0 {
			r.printf("\nPer period:\n")
			for _, p := range periods {
				r.printf("  %-10s n=%-6d mean=%.2f median=%.2f std=%.2f\n",
					p.Period, p.Stats.SampleSize, p.Stats.Mean, p.Stats.Median, p.Stats.SampleStdDev)
			}
		}
		r.printf("\n")

	case FormatTable:
		t := r.table("Block Intervals", table.Row{"Scope", "Intervals", "Mean (s)", "Median (s)", "Std Dev", "Min", "Max"})
		t.AppendRow(gapRow("all", stats))
		for _, p := range periods {
			t.AppendRow(gapRow(p.Period, p.Stats))
		}
		t.Render()

		if r.verbose && len(miners) > 0 {
			m := r.table("Per Miner Intervals", table.Row{"Miner", "Intervals", "Mean (s)", "Median (s)", "Std Dev", "Min", "Max"})
			for _, name := range sortedKeys(miners) {
				m.AppendRow(gapRow(truncate(name, 38), miners[name]))
			}
			m.Render()
		}

	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
	return nil
}

func gapRow(scope string, s *types.GapStats) table.Row {
	return table.Row{
		scope, s.SampleSize,
		fmt.Sprintf("%.2f", s.Mean), fmt.Sprintf("%.2f", s.Median), fmt.Sprintf("%.2f", s.StdDev),
		fmt.Sprintf("%.0f", s.Min), fmt.Sprintf("%.0f", s.Max),
	}
}

// Shares writes block shares and the frequency classification
func (r *Reporter) Shares(res *pipeline.Result) error {
	suspect := make(map[string]bool, len(res.ShareSuspects))
	for _, s := range res.ShareSuspects {
		suspect[s.Miner] = true
	}

	switch r.format {
	case FormatJSON:
		return r.json(struct {
			Shares              []types.MinerShare            `json:"shares"`
			PeriodShares        []calculator.PeriodShares     `json:"period_shares,omitempty"`
			Bursts              []types.BurstCount            `json:"bursts,omitempty"`
			ShareSuspects       []types.MinerShare            `json:"share_suspects"`
			PeriodShareSuspects map[string][]types.MinerShare `json:"period_share_suspects,omitempty"`
		}{res.Shares, res.PeriodShares, res.Bursts, res.ShareSuspects, res.PeriodShareSuspects})

	case FormatText:
		r.printf("Block Shares\n")
		r.printf("============\n")
		for _, s := range res.Shares {
			mark := ""
			if suspect[s.Miner] {
				mark = "  [suspect]"
			}
			r.printf("  %-30s %6d blocks  %6.2f%%%s\n", s.Miner, s.Blocks, s.Share*100, mark)
		}
		if len(res.PeriodShareSuspects) > 0 {
			r.printf("\nPeriods with dominant miners:\n")
			for _, key := range sortedKeys(res.PeriodShareSuspects) {
				if len(res.PeriodShareSuspects[key]) == 0 {
					continue
				}
				r.printf("  %s: %s\n", key, strings.Join(classifier.Names(res.PeriodShareSuspects[key]), ", "))
			}
		}
		r.printf("\n")

	case FormatTable:
		bursts := make(map[string]types.BurstCount, len(res.Bursts))
		for _, b := range res.Bursts {
			bursts[b.Miner] = b
		}
		t := r.table("Block Shares", table.Row{"Miner", "Blocks", "Share", "Bursts", "Suspect"})
		for _, s := range res.Shares {
			t.AppendRow(table.Row{
				truncate(s.Miner, 38), s.Blocks, fmt.Sprintf("%.2f%%", s.Share*100),
				bursts[s.Miner].Consecutive, yesNo(suspect[s.Miner]),
			})
		}
		t.Render()

	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
	return nil
}

// Runs writes real run counts against the permutation null
func (r *Reporter) Runs(res *pipeline.Result) error {
	switch r.format {
	case FormatJSON:
		return r.json(struct {
			RunCounts    types.RunCount            `json:"run_counts"`
			Ranks        map[string]int            `json:"ranks"`
			RunScores    map[string]types.SMTScore `json:"run_scores,omitempty"`
			Permutations int                       `json:"permutations"`
		}{res.RunCounts, res.Ranks, res.RunScores, res.Permutations})

	case FormatText:
		r.printf("Consecutive Runs (%d permutations)\n", res.Permutations)
		r.printf("==================================\n")
		for _, miner := range res.Miners {
			s := res.RunScores[miner]
			r.printf("  %-30s real=%-5d null=%.2f±%.2f  rank=%d/%d\n",
				miner, res.RunCounts[miner], s.NullMean, s.NullStdDev, res.Ranks[miner], res.Permutations)
		}
		r.printf("\n")

	case FormatTable:
		t := r.table(fmt.Sprintf("Consecutive Runs (%d permutations)", res.Permutations),
			table.Row{"Miner", "Runs", "Null Mean", "Null Std", "Score", "Rank"})
		for _, miner := range res.Miners {
			s := res.RunScores[miner]
			t.AppendRow(table.Row{
				truncate(miner, 38), res.RunCounts[miner],
				fmt.Sprintf("%.2f", s.NullMean), fmt.Sprintf("%.2f", s.NullStdDev), fmt.Sprintf("%.2f", s.Score),
				fmt.Sprintf("%d/%d", res.Ranks[miner], res.Permutations),
			})
		}
		t.Render()

	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
	return nil
}

// SMT writes per period scores and the SMT classification
func (r *Reporter) SMT(res *pipeline.Result) error {
	switch r.format {
	case FormatJSON:
		return r.json(struct {
			Scores         map[string][]types.SMTScore `json:"scores"`
			Suspects       []string                    `json:"smt_suspects"`
			PeriodSuspects map[string][]string         `json:"smt_period_suspects,omitempty"`
		}{res.Scores, res.Suspects, res.PeriodSuspects})

	case FormatText:
		r.printf("SMT Scores\n")
		r.printf("==========\n")
		for _, miner := range res.Miners {
			r.printf("  %s\n", miner)
			for _, s := range res.Scores[miner] {
				if !r.verbose && s.Observed == 0 {
					continue
				}
				note := ""
				if s.Degenerate {
					note = " (degenerate)"
				}
				r.printf("    %-10s observed=%-5d smt=%6.2f p=%.4f%s\n", s.Period, s.Observed, s.Score, s.PValue, note)
			}
		}
		if len(res.Suspects) == 0 {
			r.printf("\nNo SMT suspects\n")
		} else {
			r.printf("\nSMT suspects: %s\n", strings.Join(res.Suspects, ", "))
		}

	case FormatTable:
		t := r.table("SMT Scores", table.Row{"Miner", "Period", "Observed", "Null Mean", "Null Std", "SMT", "p-value"})
		for _, miner := range res.Miners {
			for _, s := range res.Scores[miner] {
				if !r.verbose && s.Observed == 0 {
					continue
				}
				t.AppendRow(table.Row{
					truncate(miner, 38), s.Period, s.Observed,
					fmt.Sprintf("%.2f", s.NullMean), fmt.Sprintf("%.2f", s.NullStdDev),
					fmt.Sprintf("%.2f", s.Score), fmt.Sprintf("%.4f", s.PValue),
				})
			}
		}
		t.Render()

		s := r.table("Suspects", table.Row{"Classifier", "Miners"})
		s.AppendRow(table.Row{"smt", strings.Join(res.Suspects, ", ")})
		s.AppendRow(table.Row{"share", strings.Join(classifier.Names(res.ShareSuspects), ", ")})
		s.Render()

	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
	return nil
}

// Files writes a list of produced files
func (r *Reporter) Files(title string, paths []string) error {
	switch r.format {
	case FormatJSON:
		return r.json(struct {
			Files []string `json:"files"`
		}{paths})
	case FormatText, FormatTable:
		r.printf("%s: %d\n", title, len(paths))
		for _, p := range paths {
			r.printf("  %s\n", p)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
}

// FormatDuration renders d in a short human form
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1f seconds", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%d minutes", mins)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%d hours", hours)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
