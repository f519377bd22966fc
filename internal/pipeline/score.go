package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/classifier"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/permutation"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/runs"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/smt"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// trialAcc is the per-worker state of a series-wide permutation pass
type trialAcc struct {
	runScratch  []int64
	statScratch []int64
	rank        *runs.RankAccumulator
	runNull     []smt.Moments
	grid        *smt.Grid // nil when the SMT null is drawn per period
}

// periodAcc is the per-worker state of a permutation pass confined to one period
type periodAcc struct {
	scratch []int64
	null    []smt.Moments
}

func (a *Analyzer) score(ctx context.Context, res *Result, labels permutation.Labels, periods []calculator.PeriodSlice) error {
	k := len(labels.Alphabet)

	realRuns := make([]int64, k)
	runs.CountCodes(labels.Codes, realRuns)
	res.RunCounts = make(types.RunCount, k)
	for code, miner := range labels.Alphabet {
		res.RunCounts[miner] = int(realRuns[code])
	}

	observed := make([][]int64, len(periods))
	for p, ps := range periods {
		observed[p] = make([]int64, k)
		a.periodStatistic(labels.Codes[ps.Start:ps.End], observed[p])
	}

	withGrid := a.scope == ScopeSeries
	acc, err := permutation.Reduce(ctx, a.engine, labels,
		func() *trialAcc {
			t := &trialAcc{
				runScratch:  make([]int64, k),
				statScratch: make([]int64, k),
				rank:        runs.NewRankAccumulator(realRuns),
				runNull:     make([]smt.Moments, k),
			}
			if withGrid {
				t.grid = smt.NewGrid(len(periods), k)
			}
			return t
		},
		func(t *trialAcc, trial *permutation.Trial) {
			clear(t.runScratch)
			runs.CountCodes(trial.Codes, t.runScratch)
			t.rank.Observe(t.runScratch)
			for code, c := range t.runScratch {
				t.runNull[code].Add(c)
			}
			if t.grid != nil {
				for p, ps := range periods {
					a.periodStatistic(trial.Codes[ps.Start:ps.End], t.statScratch)
					for code, c := range t.statScratch {
						t.grid.Add(p, code, c)
					}
				}
			}
			if a.hook != nil {
				rc := make(types.RunCount, k)
				for code, miner := range labels.Alphabet {
					rc[miner] = int(t.runScratch[code])
				}
				a.hook(trial.Index, rc)
			}
		},
		func(dst, src *trialAcc) {
			dst.rank.Merge(src.rank)
			for code := range dst.runNull {
				dst.runNull[code].Merge(src.runNull[code])
			}
			if dst.grid != nil {
				dst.grid.Merge(src.grid)
			}
		},
	)
	if err != nil {
		return err
	}

	res.Ranks = acc.rank.Result(labels.Alphabet)
	res.RunScores = make(map[string]types.SMTScore, k)
	for code, miner := range labels.Alphabet {
		r := acc.runNull[code].Evaluate(realRuns[code], a.estimator)
		res.RunScores[miner] = types.SMTScore{
			Miner:      miner,
			Period:     "all",
			Observed:   int(realRuns[code]),
			NullMean:   r.Mean,
			NullStdDev: r.StdDev,
			Score:      r.Score,
			PValue:     r.PValue,
			Degenerate: r.Degenerate,
		}
	}

	grid := acc.grid
	if !withGrid {
		if grid, err = a.periodNulls(ctx, labels, periods); err != nil {
			return err
		}
	}

	keys := make([]types.Period, len(periods))
	for p, ps := range periods {
		keys[p] = ps.Period
	}
	res.Scores = smt.Scores(keys, labels.Alphabet, observed, grid, a.estimator)
	res.Suspects = classifier.SMTSuspects(smt.Values(res.Scores), a.config.SMTThreshold)
	res.PeriodSuspects = classifier.SMTPeriodSuspects(res.Scores, a.config.SMTThreshold)
	return nil
}

// periodNulls draws an independent permutation null inside every period
func (a *Analyzer) periodNulls(ctx context.Context, labels permutation.Labels, periods []calculator.PeriodSlice) (*smt.Grid, error) {
	k := len(labels.Alphabet)
	if a.statistic == StatBlocks {
		a.logger.Warn("block counts are invariant under within-period permutations, every SMT score will be 0",
			zap.String("null_scope", string(a.scope)))
	}

	grid := smt.NewGrid(len(periods), k)
	for p, ps := range periods {
		sub := permutation.Labels{Alphabet: labels.Alphabet, Codes: labels.Codes[ps.Start:ps.End]}
		acc, err := permutation.Reduce(ctx, a.engine.Derive(uint64(p)), sub,
			func() *periodAcc {
				return &periodAcc{scratch: make([]int64, k), null: make([]smt.Moments, k)}
			},
			func(t *periodAcc, trial *permutation.Trial) {
				a.periodStatistic(trial.Codes, t.scratch)
				for code, c := range t.scratch {
					t.null[code].Add(c)
				}
			},
			func(dst, src *periodAcc) {
				for code := range dst.null {
					dst.null[code].Merge(src.null[code])
				}
			},
		)
		if err != nil {
			return nil, fmt.Errorf("period %s: %w", ps.Period.Key(), err)
		}
		for code := range acc.null {
			grid.Set(p, code, acc.null[code])
		}
	}
	return grid, nil
}

// periodStatistic writes the configured statistic of every label code into out
func (a *Analyzer) periodStatistic(codes []int32, out []int64) {
	clear(out)
	if a.statistic == StatRuns {
		runs.CountCodes(codes, out)
		return
	}
	for _, c := range codes {
		out[c]++
	}
}
