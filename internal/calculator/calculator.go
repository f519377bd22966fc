package calculator

import (
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// GapCalculator calculates descriptive statistics over inter-block gaps
type GapCalculator struct {
	config *types.AnalysisConfig
}

// PeriodGapStats pairs a period with the statistics of the gaps ending inside it
type PeriodGapStats struct {
	Period string          `json:"period"`
	Stats  *types.GapStats `json:"stats"`
}

// NewGapCalculator creates a new calculator instance
func NewGapCalculator(config *types.AnalysisConfig) *GapCalculator {
	if config == nil {
		config = DefaultConfig()
	}

	if config.OutlierThreshold <= 0 {
		config.OutlierThreshold = 1.5 // 1.5 * IQR for outlier detection
	}

	return &GapCalculator{config: config}
}

// DefaultConfig returns default analysis configuration
func DefaultConfig() *types.AnalysisConfig {
	return &types.AnalysisConfig{
		PeriodGranularity:  string(types.Month),
		PermutationCount:   1000,
		SMTThreshold:       2.0,
		FrequencyThreshold: 0.1,
		StdEstimator:       "population",
		NullScope:          "series",
		Statistic:          "blocks",
		BurstWindow:        10 * time.Minute,
		OutlierThreshold:   1.5,
		UseMedianAbsolute:  true,
	}
}

// Stats calculates gap statistics for a sorted series. A series with fewer than two
// events has no gaps and yields zero statistics.
func (c *GapCalculator) Stats(sorted types.SortedSeries) *types.GapStats {
	st := c.statsFor(sorted.Deltas)
	if len(sorted.Events) > 0 {
		st.StartTime = sorted.Events[0].Time
		st.EndTime = sorted.Events[len(sorted.Events)-1].Time
	}
	return st
}

// PeriodStats calculates gap statistics per period. The gap of an event is attributed
// to the period of that event.
func (c *GapCalculator) PeriodStats(sorted types.SortedSeries, g types.Granularity) []PeriodGapStats {
	var out []PeriodGapStats
	for _, ps := range SplitPeriods(sorted.Events, g) {
		gaps := make([]float64, 0, ps.Len())
		for i := ps.Start; i < ps.End; i++ {
			if d, ok := sorted.Delta(i); ok {
				gaps = append(gaps, d)
			}
		}
		st := c.statsFor(gaps)
		st.StartTime = sorted.Events[ps.Start].Time
		st.EndTime = sorted.Events[ps.End-1].Time
		out = append(out, PeriodGapStats{Period: ps.Period.Key(), Stats: st})
	}
	return out
}

// MinerStats calculates gap statistics per miner: the gaps preceding the blocks each
// miner found
func (c *GapCalculator) MinerStats(sorted types.SortedSeries) map[string]*types.GapStats {
	minerGaps := make(map[string][]float64)

	for i := range sorted.Events {
		if d, ok := sorted.Delta(i); ok {
			miner := sorted.Events[i].Miner
			minerGaps[miner] = append(minerGaps[miner], d)
		}
	}

	minerStats := make(map[string]*types.GapStats, len(minerGaps))
	for miner, gaps := range minerGaps {
		minerStats[miner] = c.statsFor(gaps)
	}
	return minerStats
}

func (c *GapCalculator) statsFor(gaps []float64) *types.GapStats {
	if len(gaps) == 0 {
		return &types.GapStats{}
	}

	cleaned, outlierCount := gaps, 0
	if c.config.RemoveOutliers {
		cleaned, outlierCount = c.removeOutliers(gaps)
	}

	st := calculateStatistics(cleaned)
	st.SampleSize = len(gaps)
	st.OutlierCount = outlierCount
	return st
}

// removeOutliers removes outliers using MAD method or IQR method
func (c *GapCalculator) removeOutliers(gaps []float64) ([]float64, int) {
	if len(gaps) <= 3 {
		return gaps, 0
	}

	if !c.config.UseMedianAbsolute {
		return c.removeOutliersIQR(gaps)
	}

	median, _ := stats.Median(gaps)
	mad, _ := stats.MedianAbsoluteDeviationPopulation(gaps)
	if mad == 0 {
		// MAD collapses when most gaps are equal
		return c.removeOutliersIQR(gaps)
	}

	// Modified Z-score threshold (usually 3.5 for MAD)
	const threshold = 3.5
	cleaned := make([]float64, 0, len(gaps))
	outlierCount := 0
	for _, v := range gaps {
		if math.Abs(0.6745*(v-median)/mad) <= threshold {
			cleaned = append(cleaned, v)
		} else {
			outlierCount++
		}
	}
	return cleaned, outlierCount
}

// removeOutliersIQR removes outliers using Interquartile Range method
func (c *GapCalculator) removeOutliersIQR(gaps []float64) ([]float64, int) {
	q, err := stats.Quartile(gaps)
	if err != nil {
		return gaps, 0
	}
	iqr := q.Q3 - q.Q1

	lowerBound := q.Q1 - c.config.OutlierThreshold*iqr
	upperBound := q.Q3 + c.config.OutlierThreshold*iqr

	cleaned := make([]float64, 0, len(gaps))
	outlierCount := 0
	for _, v := range gaps {
		if v >= lowerBound && v <= upperBound {
			cleaned = append(cleaned, v)
		} else {
			outlierCount++
		}
	}
	return cleaned, outlierCount
}

// calculateStatistics calculates basic statistics
func calculateStatistics(gaps []float64) *types.GapStats {
	if len(gaps) == 0 {
		return &types.GapStats{}
	}

	sorted := make([]float64, len(gaps))
	copy(sorted, gaps)
	sort.Float64s(sorted)

	st := &types.GapStats{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P25: percentile(sorted, 25),
		P75: percentile(sorted, 75),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
	st.Mean, _ = stats.Mean(sorted)
	st.Median, _ = stats.Median(sorted)
	st.StdDev, _ = stats.StandardDeviationPopulation(sorted)
	if len(sorted) > 1 {
		st.SampleStdDev, _ = stats.StandardDeviationSample(sorted)
	}
	return st
}

// percentile falls back to the nearest extreme when the sample is too small for the rank
func percentile(sorted []float64, p float64) float64 {
	v, err := stats.Percentile(sorted, p)
	if err != nil || math.IsNaN(v) {
		if p >= 50 {
			return sorted[len(sorted)-1]
		}
		return sorted[0]
	}
	return v
}
