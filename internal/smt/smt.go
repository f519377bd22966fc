// Package smt computes the Selfish Mining Test score: the deviation of a miner's
// observed per-period statistic from the mean of its permutation null distribution,
// in units of that distribution's standard deviation.
//
// A null distribution with zero variance yields a score of exactly 0.
package smt

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Estimator selects the standard deviation estimator of the null distribution
type Estimator string

const (
	// Population divides by R
	Population Estimator = "population"
	// Sample divides by R-1
	Sample Estimator = "sample"
)

// ParseEstimator parses population or sample
func ParseEstimator(s string) (Estimator, error) {
	switch Estimator(strings.ToLower(strings.TrimSpace(s))) {
	case Population, "pop", "":
		return Population, nil
	case Sample:
		return Sample, nil
	default:
		return "", fmt.Errorf("unknown std estimator: %q (must be population or sample)", s)
	}
}

// Result is the score of one observation against its null sample
type Result struct {
	Score      float64
	Mean       float64
	StdDev     float64
	PValue     float64 // one-sided P(Z > Score) under a normal approximation
	Degenerate bool
}

// Score scores observed against an explicit null sample
func Score(observed float64, null []float64, est Estimator) Result {
	if len(null) == 0 {
		return degenerate(0)
	}

	var mean, std float64
	if est == Sample {
		mean, std = stat.MeanStdDev(null, nil)
	} else {
		mean, std = stat.PopMeanStdDev(null, nil)
	}

	if constant(null) || std == 0 || math.IsNaN(std) {
		return degenerate(mean)
	}
	return finish(observed, mean, std)
}

func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

func degenerate(mean float64) Result {
	return Result{Mean: mean, PValue: 1, Degenerate: true}
}

func finish(observed, mean, std float64) Result {
	score := (observed - mean) / std
	return Result{
		Score:  score,
		Mean:   mean,
		StdDev: std,
		PValue: distuv.UnitNormal.Survival(score),
	}
}

// Moments summarises an integer null sample exactly, so partial moments can be merged
// in any order with identical results
type Moments struct {
	N     int64
	Sum   int64
	SumSq int64
	Min   int64
	Max   int64
}

// Add records one null observation
func (m *Moments) Add(x int64) {
	if m.N == 0 || x < m.Min {
		m.Min = x
	}
	if m.N == 0 || x > m.Max {
		m.Max = x
	}
	m.N++
	m.Sum += x
	m.SumSq += x * x
}

// Merge folds o into m
func (m *Moments) Merge(o Moments) {
	if o.N == 0 {
		return
	}
	if m.N == 0 {
		*m = o
		return
	}
	m.Min = min(m.Min, o.Min)
	m.Max = max(m.Max, o.Max)
	m.N += o.N
	m.Sum += o.Sum
	m.SumSq += o.SumSq
}

// Mean returns the sample mean, 0 when empty
func (m Moments) Mean() float64 {
	if m.N == 0 {
		return 0
	}
	return float64(m.Sum) / float64(m.N)
}

// StdDev returns the standard deviation under est
func (m Moments) StdDev(est Estimator) float64 {
	if m.N == 0 || m.Min == m.Max {
		return 0
	}
	n := float64(m.N)
	num := n*float64(m.SumSq) - float64(m.Sum)*float64(m.Sum)
	if num <= 0 {
		return 0
	}
	if est == Sample {
		if m.N < 2 {
			return 0
		}
		return math.Sqrt(num / (n * (n - 1)))
	}
	return math.Sqrt(num / (n * n))
}

// Evaluate scores observed against the summarised null sample
func (m Moments) Evaluate(observed int64, est Estimator) Result {
	mean := m.Mean()
	std := m.StdDev(est)
	if std == 0 {
		return degenerate(mean)
	}
	return finish(float64(observed), mean, std)
}
