package calculator

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// TimestampLayout is the layout of block times in blockchair archives
const TimestampLayout = "2006-01-02 15:04:05"

// ErrInvalidTimestamp reports a timestamp that cannot be parsed or ordered
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// InvalidTimestampError identifies the record carrying a bad timestamp
type InvalidTimestampError struct {
	Index  int
	Height int64
	Hash   string
	Value  string
	Err    error
}

func (e *InvalidTimestampError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid timestamp %q at record %d", e.Value, e.Index)
	if e.Height > 0 {
		fmt.Fprintf(&b, " (height %d)", e.Height)
	}
	if e.Hash != "" {
		fmt.Fprintf(&b, " (hash %s)", e.Hash)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *InvalidTimestampError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidTimestamp}
	}
	return []error{ErrInvalidTimestamp, e.Err}
}

// ParseTimestamp parses a block time in archive layout or RFC3339. Archive times are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation(TimestampLayout, value, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported time layout: %w", err)
	}
	return t.UTC(), nil
}

// SortByTime returns a copy of the series sorted ascending by time.
// Events with equal timestamps keep their input order.
func SortByTime(series types.EventSeries) (types.EventSeries, error) {
	for i, ev := range series.Events {
		if err := validTime(ev.Time); err != nil {
			return types.EventSeries{}, &InvalidTimestampError{
				Index:  i,
				Height: ev.Height,
				Hash:   ev.Hash,
				Value:  ev.Time.String(),
				Err:    err,
			}
		}
	}

	events := slices.Clone(series.Events)
	slices.SortStableFunc(events, func(a, b types.MiningEvent) int {
		return a.Time.Compare(b.Time)
	})
	return types.EventSeries{Name: series.Name, Events: events}, nil
}

// ComputeGaps sorts the series and computes the absolute inter-arrival delta in seconds
// between every event and its predecessor
func ComputeGaps(series types.EventSeries) (types.SortedSeries, error) {
	sorted, err := SortByTime(series)
	if err != nil {
		return types.SortedSeries{}, err
	}

	deltas := make([]float64, 0, max(len(sorted.Events)-1, 0))
	for i := 1; i < len(sorted.Events); i++ {
		diff := sorted.Events[i].Time.Sub(sorted.Events[i-1].Time).Seconds()
		deltas = append(deltas, math.Abs(diff))
	}

	return types.SortedSeries{
		Name:   sorted.Name,
		Events: sorted.Events,
		Deltas: deltas,
	}, nil
}

func validTime(t time.Time) error {
	if t.IsZero() {
		return errors.New("zero time")
	}
	// Sub saturates outside this range, so deltas could not be trusted
	if y := t.Year(); y < 1 || y > 9999 {
		return fmt.Errorf("year %d out of range", y)
	}
	return nil
}
