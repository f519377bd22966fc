// Package pipeline runs a complete selfish mining analysis over an in-memory series:
// gap statistics, block shares, consecutive-run counting against permutations, SMT
// scoring and suspect classification.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/classifier"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/metrics"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/permutation"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/smt"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// NullScope selects the positions a permutation may move labels across
type NullScope string

const (
	// ScopeSeries shuffles labels across the whole analysis window, so a period's
	// null sees blocks moved in from other periods. This differs from the classic
	// per-period test, where the block count of a period cannot change and every
	// blocks score would be degenerate. Use ScopePeriod for that behaviour.
	ScopeSeries NullScope = "series"
	// ScopePeriod shuffles labels inside each period only
	ScopePeriod NullScope = "period"
)

// Statistic selects the per-period quantity scored by SMT
type Statistic string

const (
	// StatBlocks is the number of blocks a miner found in the period
	StatBlocks Statistic = "blocks"
	// StatRuns is the number of consecutive repeats of a miner inside the period
	StatRuns Statistic = "runs"
)

// ParseNullScope parses series or period
func ParseNullScope(s string) (NullScope, error) {
	switch NullScope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeSeries, "":
		return ScopeSeries, nil
	case ScopePeriod:
		return ScopePeriod, nil
	default:
		return "", fmt.Errorf("unknown null scope: %q (must be series or period)", s)
	}
}

// ParseStatistic parses blocks or runs
func ParseStatistic(s string) (Statistic, error) {
	switch Statistic(strings.ToLower(strings.TrimSpace(s))) {
	case StatBlocks, "":
		return StatBlocks, nil
	case StatRuns:
		return StatRuns, nil
	default:
		return "", fmt.Errorf("unknown statistic: %q (must be blocks or runs)", s)
	}
}

// TrialHook receives the run counts of every permutation. It may be called
// concurrently from several workers.
type TrialHook func(trial int, rc types.RunCount)

// Analyzer runs the analysis pipeline
type Analyzer struct {
	config      *types.AnalysisConfig
	granularity types.Granularity
	estimator   smt.Estimator
	scope       NullScope
	statistic   Statistic

	engine   *permutation.Engine
	gaps     *calculator.GapCalculator
	logger   *zap.Logger
	recorder *metrics.Recorder
	hook     TrialHook
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the analyzer logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder records run metrics
func WithRecorder(r *metrics.Recorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

// WithTrialHook streams the run counts of every permutation to hook
func WithTrialHook(hook TrialHook) Option {
	return func(a *Analyzer) { a.hook = hook }
}

// New creates an analyzer from the analysis configuration
func New(config *types.AnalysisConfig, opts ...Option) (*Analyzer, error) {
	if config == nil {
		config = calculator.DefaultConfig()
	}

	a := &Analyzer{config: config, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.granularity, err = types.ParseGranularity(config.PeriodGranularity); err != nil {
		return nil, err
	}
	if a.estimator, err = smt.ParseEstimator(config.StdEstimator); err != nil {
		return nil, err
	}
	if a.scope, err = ParseNullScope(config.NullScope); err != nil {
		return nil, err
	}
	if a.statistic, err = ParseStatistic(config.Statistic); err != nil {
		return nil, err
	}
	if config.FrequencyThreshold <= 0 || config.FrequencyThreshold >= 1 {
		return nil, fmt.Errorf("frequency threshold must be between 0 and 1, got %v", config.FrequencyThreshold)
	}

	engineOpts := []permutation.Option{
		permutation.WithLogger(a.logger.Named("permutation")),
		permutation.WithWorkers(config.Workers),
	}
	if config.RandomSeed != nil {
		engineOpts = append(engineOpts, permutation.WithSeed(*config.RandomSeed))
	}
	if a.engine, err = permutation.New(config.PermutationCount, engineOpts...); err != nil {
		return nil, err
	}

	a.gaps = calculator.NewGapCalculator(config)
	return a, nil
}

// Seed returns the permutation seed used by the analyzer
func (a *Analyzer) Seed() uint64 { return a.engine.Seed() }

// Result is the outcome of an analysis run
type Result struct {
	RunID        string    `json:"run_id"`
	Series       string    `json:"series"`
	Events       int       `json:"events"`
	Miners       []string  `json:"miners"`
	Granularity  string    `json:"granularity"`
	Periods      []string  `json:"periods"`
	Permutations int       `json:"permutations"`
	Seed         uint64    `json:"seed"`
	Estimator    string    `json:"std_estimator"`
	NullScope    string    `json:"null_scope"`
	Statistic    string    `json:"statistic"`
	StartedAt    time.Time `json:"started_at"`
	Duration     float64   `json:"duration_seconds"`

	GapStats            *types.GapStats               `json:"gap_stats"`
	PeriodGapStats      []calculator.PeriodGapStats   `json:"period_gap_stats,omitempty"`
	MinerGapStats       map[string]*types.GapStats    `json:"miner_gap_stats,omitempty"`
	Shares              []types.MinerShare            `json:"shares"`
	PeriodShares        []calculator.PeriodShares     `json:"period_shares,omitempty"`
	Bursts              []types.BurstCount            `json:"bursts,omitempty"`
	RunCounts           types.RunCount                `json:"run_counts"`
	RunScores           map[string]types.SMTScore     `json:"run_scores,omitempty"`
	Ranks               map[string]int                `json:"ranks"`
	Scores              map[string][]types.SMTScore   `json:"scores"`
	Suspects            []string                      `json:"smt_suspects"`
	PeriodSuspects      map[string][]string           `json:"smt_period_suspects,omitempty"`
	ShareSuspects       []types.MinerShare            `json:"share_suspects"`
	PeriodShareSuspects map[string][]types.MinerShare `json:"period_share_suspects,omitempty"`
}

// Analyze runs the full pipeline over series. An invalid timestamp aborts the run
// without a partial result. An empty series is not an error: its statistics are
// zero and every suspect set is empty.
func (a *Analyzer) Analyze(ctx context.Context, series types.EventSeries) (*Result, error) {
	started := time.Now()
	log := a.logger.With(zap.String("series", series.Name))

	res, sorted, err := a.describe(series, started)
	if err != nil {
		return nil, err
	}
	if len(sorted.Events) == 0 {
		log.Warn("empty series, statistics reported as zero")
		a.finish(res, started)
		return res, nil
	}

	labels := permutation.Intern(sorted.Series().Labels())
	periods := calculator.SplitPeriods(sorted.Events, a.granularity)
	res.Miners = labels.Alphabet
	for _, ps := range periods {
		res.Periods = append(res.Periods, ps.Period.Key())
	}

	log.Info("analysing series",
		zap.Int("events", labels.Len()),
		zap.Int("miners", len(labels.Alphabet)),
		zap.Int("periods", len(periods)),
		zap.Int("permutations", a.engine.Count()),
		zap.Uint64("seed", a.engine.Seed()))

	if err := a.score(ctx, res, labels, periods); err != nil {
		return nil, err
	}

	a.finish(res, started)
	log.Info("analysis complete",
		zap.String("run_id", res.RunID),
		zap.Strings("smt_suspects", res.Suspects),
		zap.Strings("share_suspects", classifier.Names(res.ShareSuspects)),
		zap.Float64("duration_seconds", res.Duration))
	return res, nil
}

// Shares runs only the descriptive part of the pipeline: gap statistics, shares,
// bursts and the frequency classification. No permutations are drawn.
func (a *Analyzer) Shares(series types.EventSeries) (*Result, error) {
	started := time.Now()
	res, sorted, err := a.describe(series, started)
	if err != nil {
		return nil, err
	}
	res.Permutations = 0
	res.Miners = permutation.Intern(sorted.Series().Labels()).Alphabet
	res.Duration = time.Since(started).Seconds()
	return res, nil
}

// describe sorts the series and fills every result field that needs no permutation
func (a *Analyzer) describe(series types.EventSeries, started time.Time) (*Result, types.SortedSeries, error) {
	sorted, err := calculator.ComputeGaps(series)
	if err != nil {
		return nil, sorted, fmt.Errorf("failed to compute gaps: %w", err)
	}

	res := &Result{
		RunID:         uuid.NewString(),
		Series:        series.Name,
		Events:        len(sorted.Events),
		Granularity:   string(a.granularity),
		Permutations:  a.engine.Count(),
		Seed:          a.engine.Seed(),
		Estimator:     string(a.estimator),
		NullScope:     string(a.scope),
		Statistic:     string(a.statistic),
		StartedAt:     started.UTC(),
		GapStats:      a.gaps.Stats(sorted),
		Shares:        []types.MinerShare{},
		ShareSuspects: []types.MinerShare{},
		RunCounts:     types.RunCount{},
		Ranks:         map[string]int{},
		Scores:        map[string][]types.SMTScore{},
		Suspects:      []string{},
	}
	if len(sorted.Events) == 0 {
		return res, sorted, nil
	}

	res.PeriodGapStats = a.gaps.PeriodStats(sorted, a.granularity)
	res.MinerGapStats = a.gaps.MinerStats(sorted)
	res.Shares = calculator.Shares(sorted.Events)
	res.PeriodShares = calculator.SharesByPeriod(sorted.Events, a.granularity)
	res.Bursts = calculator.Bursts(sorted.Events, a.config.BurstWindow)
	res.ShareSuspects = classifier.ShareSuspects(res.Shares, a.config.FrequencyThreshold)
	res.PeriodShareSuspects = classifier.PeriodShareSuspects(res.PeriodShares, a.config.FrequencyThreshold)
	return res, sorted, nil
}

func (a *Analyzer) finish(res *Result, started time.Time) {
	res.Duration = time.Since(started).Seconds()
	if a.recorder == nil {
		return
	}
	a.recorder.ObserveAnalysis(res.Duration)
	a.recorder.Miners(len(res.Miners))
	a.recorder.Suspects("smt", len(res.Suspects))
	a.recorder.Suspects("share", len(res.ShareSuspects))
	if len(res.Miners) > 0 {
		a.recorder.Permutations(res.Permutations)
	}
}
