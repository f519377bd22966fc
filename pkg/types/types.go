package types

import (
	"fmt"
	"strings"
	"time"
)

// MiningEvent represents a mined block attributed to a miner
type MiningEvent struct {
	Height int64     `json:"height,omitempty"`
	Hash   string    `json:"hash,omitempty"`
	Time   time.Time `json:"time"`
	Miner  string    `json:"miner"`
}

// EventSeries is a named sequence of mining events for an analysis window
type EventSeries struct {
	Name   string        `json:"name"`
	Events []MiningEvent `json:"events"`
}

// Len returns the number of events in the series
func (s EventSeries) Len() int { return len(s.Events) }

// Labels returns the miner label of every event, in series order
func (s EventSeries) Labels() []string {
	labels := make([]string, len(s.Events))
	for i, ev := range s.Events {
		labels[i] = ev.Miner
	}
	return labels
}

// SortedSeries is an EventSeries sorted ascending by time with inter-arrival deltas.
// Deltas[i-1] holds the delta in seconds between Events[i-1] and Events[i].
type SortedSeries struct {
	Name   string        `json:"name"`
	Events []MiningEvent `json:"events"`
	Deltas []float64     `json:"deltas"`
}

// Delta returns the delta of the i-th event. The first event has none.
func (s SortedSeries) Delta(i int) (float64, bool) {
	if i <= 0 || i > len(s.Deltas) {
		return 0, false
	}
	return s.Deltas[i-1], true
}

// Series returns the sorted events as a plain EventSeries
func (s SortedSeries) Series() EventSeries {
	return EventSeries{Name: s.Name, Events: s.Events}
}

// RunCount maps a miner label to its number of immediately repeated attributions
type RunCount map[string]int

// Granularity is the calendar bucket size used to partition a series
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity parses day, week or month (case-insensitive). D, W and M are accepted as aliases.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "d", "daily":
		return Day, nil
	case "week", "w", "weekly":
		return Week, nil
	case "month", "m", "monthly":
		return Month, nil
	default:
		return "", fmt.Errorf("unknown period granularity: %q (must be day, week, or month)", s)
	}
}

// PeriodOf returns the period containing t. Buckets are computed in UTC.
func (g Granularity) PeriodOf(t time.Time) Period {
	t = t.UTC()
	y, m, d := t.Date()
	switch g {
	case Day:
		return Period{Granularity: g, Start: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
	case Week:
		// ISO weeks start on Monday
		offset := (int(t.Weekday()) + 6) % 7
		return Period{Granularity: g, Start: time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)}
	default:
		return Period{Granularity: Month, Start: time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)}
	}
}

// Period is a calendar bucket
type Period struct {
	Granularity Granularity `json:"granularity"`
	Start       time.Time   `json:"start"`
}

// Key returns a sortable label for the period
func (p Period) Key() string {
	switch p.Granularity {
	case Day:
		return p.Start.Format("2006-01-02")
	case Week:
		year, week := p.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return p.Start.Format("2006-01")
	}
}

func (p Period) String() string { return p.Key() }

// SMTScore is the standardized deviation of an observed per-period statistic from its
// permutation null distribution
type SMTScore struct {
	Miner       string    `json:"miner"`
	Period      string    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	Observed    int       `json:"observed"`
	NullMean    float64   `json:"null_mean"`
	NullStdDev  float64   `json:"null_std_dev"`
	Score       float64   `json:"score"`
	PValue      float64   `json:"p_value"`
	Degenerate  bool      `json:"degenerate,omitempty"` // zero-variance null, score forced to 0
}

// GapStats represents descriptive statistics of inter-block gaps
type GapStats struct {
	SampleSize   int       `json:"sample_size"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Mean         float64   `json:"mean"`
	Median       float64   `json:"median"`
	StdDev       float64   `json:"std_dev"`        // population
	SampleStdDev float64   `json:"sample_std_dev"` // n-1 denominator
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	P25          float64   `json:"p25"`
	P75          float64   `json:"p75"`
	P95          float64   `json:"p95"`
	P99          float64   `json:"p99"`
	OutlierCount int       `json:"outlier_count"`
}

// MinerShare is a miner's share of attributed blocks in a window
type MinerShare struct {
	Miner  string  `json:"miner"`
	Blocks int     `json:"blocks"`
	Share  float64 `json:"share"`
}

// BurstCount counts a miner's blocks found within a short window of its previous block
type BurstCount struct {
	Miner       string `json:"miner"`
	Consecutive int    `json:"consecutive"`
	Blocks      int    `json:"blocks"`
	Total       int    `json:"total"`
}

// SourceConfig represents where mining events are loaded from
type SourceConfig struct {
	Kind        string        `json:"kind" mapstructure:"kind"`                 // tsv, store, cometbft
	Paths       []string      `json:"paths" mapstructure:"paths"`               // TSV files or directories
	From        string        `json:"from" mapstructure:"from"`                 // inclusive lower time bound (store)
	To          string        `json:"to" mapstructure:"to"`                     // exclusive upper time bound (store)
	RPCEndpoint string        `json:"rpc_endpoint" mapstructure:"rpc_endpoint"` // CometBFT RPC
	StartHeight int64         `json:"start_height" mapstructure:"start_height"`
	EndHeight   int64         `json:"end_height" mapstructure:"end_height"`
	SampleSize  int           `json:"sample_size" mapstructure:"sample_size"` // latest N blocks when no range is given
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AnalysisConfig represents the statistical analysis configuration
type AnalysisConfig struct {
	PeriodGranularity  string        `json:"period_granularity" mapstructure:"period_granularity"`   // day, week, month
	PermutationCount   int           `json:"permutation_count" mapstructure:"permutation_count"`     // R
	SMTThreshold       float64       `json:"smt_threshold" mapstructure:"smt_threshold"`             // SMT criterion
	FrequencyThreshold float64       `json:"frequency_threshold" mapstructure:"frequency_threshold"` // share criterion in (0,1)
	RandomSeed         *uint64       `json:"random_seed,omitempty" mapstructure:"random_seed"`       // nil draws a fresh seed
	StdEstimator       string        `json:"std_estimator" mapstructure:"std_estimator"`             // population, sample
	NullScope          string        `json:"null_scope" mapstructure:"null_scope"`                   // series, period
	Statistic          string        `json:"statistic" mapstructure:"statistic"`                     // blocks, runs
	Workers            int           `json:"workers" mapstructure:"workers"`                         // permutation goroutines
	BurstWindow        time.Duration `json:"burst_window" mapstructure:"burst_window"`
	RemoveOutliers     bool          `json:"remove_outliers" mapstructure:"remove_outliers"`     // clean gap statistics
	OutlierThreshold   float64       `json:"outlier_threshold" mapstructure:"outlier_threshold"` // IQR multiplier
	UseMedianAbsolute  bool          `json:"use_median_absolute" mapstructure:"use_median_absolute"`
}

// ArchiveConfig represents the blockchair archive download configuration
type ArchiveConfig struct {
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	DownloadDir string        `json:"download_dir" mapstructure:"download_dir"`
	ExtractDir  string        `json:"extract_dir" mapstructure:"extract_dir"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Window parses the From and To bounds. Dates are taken as UTC midnight; an empty
// bound is the zero time.
func (c SourceConfig) Window() (from, to time.Time, err error) {
	if from, err = parseBound(c.From); err != nil {
		return from, to, fmt.Errorf("invalid from: %w", err)
	}
	if to, err = parseBound(c.To); err != nil {
		return from, to, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, fmt.Errorf("from %s must be before to %s", c.From, c.To)
	}
	return from, to, nil
}

func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
