package smt

import (
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// Grid holds one null summary per (period, miner) cell
type Grid struct {
	miners int
	cells  []Moments
}

// NewGrid allocates an empty grid
func NewGrid(periods, miners int) *Grid {
	return &Grid{miners: miners, cells: make([]Moments, periods*miners)}
}

// Add records a null observation for a cell
func (g *Grid) Add(period, miner int, x int64) {
	g.cells[period*g.miners+miner].Add(x)
}

// At returns the summary of a cell
func (g *Grid) At(period, miner int) Moments {
	return g.cells[period*g.miners+miner]
}

// Set replaces the summary of a cell
func (g *Grid) Set(period, miner int, m Moments) {
	g.cells[period*g.miners+miner] = m
}

// Merge folds o, which must have the same shape, into g
func (g *Grid) Merge(o *Grid) {
	for i := range g.cells {
		g.cells[i].Merge(o.cells[i])
	}
}

// Scores builds the SMT scores of every miner in every period. observed[p][m] is the
// real statistic of miner m in period p. Each cell is scored against its own null
// summary only.
func Scores(periods []types.Period, alphabet []string, observed [][]int64, null *Grid, est Estimator) map[string][]types.SMTScore {
	out := make(map[string][]types.SMTScore, len(alphabet))
	for m, miner := range alphabet {
		scores := make([]types.SMTScore, 0, len(periods))
		for p, period := range periods {
			res := null.At(p, m).Evaluate(observed[p][m], est)
			scores = append(scores, types.SMTScore{
				Miner:       miner,
				Period:      period.Key(),
				PeriodStart: period.Start,
				Observed:    int(observed[p][m]),
				NullMean:    res.Mean,
				NullStdDev:  res.StdDev,
				Score:       res.Score,
				PValue:      res.PValue,
				Degenerate:  res.Degenerate,
			})
		}
		out[miner] = scores
	}
	return out
}

// Values extracts the bare per-period score sequence of every miner
func Values(scores map[string][]types.SMTScore) map[string][]float64 {
	out := make(map[string][]float64, len(scores))
	for miner, list := range scores {
		vals := make([]float64, len(list))
		for i, s := range list {
			vals[i] = s.Score
		}
		out[miner] = vals
	}
	return out
}
