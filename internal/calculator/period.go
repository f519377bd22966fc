package calculator

import (
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// PeriodSlice is the contiguous run of sorted events falling into one period.
// Events are the half-open range [Start, End) of the sorted series.
type PeriodSlice struct {
	Period types.Period
	Start  int
	End    int
}

// Len returns the number of events in the period
func (p PeriodSlice) Len() int { return p.End - p.Start }

// SplitPeriods partitions a time-sorted event slice into consecutive periods.
// Every event belongs to exactly one slice.
func SplitPeriods(events []types.MiningEvent, g types.Granularity) []PeriodSlice {
	if len(events) == 0 {
		return nil
	}

	var slices []PeriodSlice
	current := PeriodSlice{Period: g.PeriodOf(events[0].Time), Start: 0}
	for i := 1; i < len(events); i++ {
		p := g.PeriodOf(events[i].Time)
		if p.Start.Equal(current.Period.Start) {
			continue
		}
		current.End = i
		slices = append(slices, current)
		current = PeriodSlice{Period: p, Start: i}
	}
	current.End = len(events)
	return append(slices, current)
}
