package permutation

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testLabels() Labels {
	return Intern([]string{"B", "A", "A", "C", "A", "B", "C", "C", "A", "B", "A", "A"})
}

func TestIntern(t *testing.T) {
	l := Intern([]string{"B", "A", "B"})
	require.Equal(t, []string{"A", "B"}, l.Alphabet)
	require.Equal(t, []int32{1, 0, 1}, l.Codes)
	require.Equal(t, []string{"B", "A", "B"}, l.Decode(l.Codes))
	require.Equal(t, 3, l.Len())
}

func TestNewInvalidCount(t *testing.T) {
	for _, n := range []int{0, -5} {
		_, err := New(n)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrInvalidCount))
	}
}

func TestUnseededEngineDrawsSeed(t *testing.T) {
	e, err := New(3, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Equal(t, 3, e.Count())
	require.Positive(t, e.Workers())
}

func TestPermutationsPreserveMultiset(t *testing.T) {
	labels := testLabels()
	src := slices.Clone(labels.Codes)
	want := slices.Clone(labels.Codes)
	slices.Sort(want)

	e, err := New(50, WithSeed(7))
	require.NoError(t, err)

	trials := 0
	for i, codes := range e.Permutations(labels) {
		require.Equal(t, trials, i)
		got := slices.Clone(codes)
		slices.Sort(got)
		require.Equal(t, want, got)
		trials++
	}
	require.Equal(t, 50, trials)
	require.Equal(t, src, labels.Codes, "source arrangement must not change")
}

func TestPermutationsEarlyStop(t *testing.T) {
	e, err := New(10, WithSeed(1))
	require.NoError(t, err)

	n := 0
	for range e.Permutations(testLabels()) {
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, 3, n)
}

func TestSeedReproducible(t *testing.T) {
	labels := testLabels()

	collect := func(e *Engine) [][]int32 {
		var out [][]int32
		for _, codes := range e.Permutations(labels) {
			out = append(out, slices.Clone(codes))
		}
		return out
	}

	a, err := New(20, WithSeed(42))
	require.NoError(t, err)
	b, err := New(20, WithSeed(42))
	require.NoError(t, err)
	c, err := New(20, WithSeed(43))
	require.NoError(t, err)

	require.Equal(t, collect(a), collect(b))
	require.NotEqual(t, collect(a), collect(c))
}

// reduceAll gathers every trial arrangement by index
func reduceAll(t *testing.T, e *Engine, labels Labels) [][]int32 {
	t.Helper()

	type acc struct{ trials map[int][]int32 }
	res, err := Reduce(context.Background(), e, labels,
		func() *acc { return &acc{trials: map[int][]int32{}} },
		func(a *acc, tr *Trial) { a.trials[tr.Index] = slices.Clone(tr.Codes) },
		func(dst, src *acc) {
			for k, v := range src.trials {
				dst.trials[k] = v
			}
		},
	)
	require.NoError(t, err)

	out := make([][]int32, e.Count())
	for i := range out {
		out[i] = res.trials[i]
	}
	return out
}

func TestReduceIndependentOfWorkers(t *testing.T) {
	labels := testLabels()

	seq, err := New(37, WithSeed(99), WithWorkers(1))
	require.NoError(t, err)
	par, err := New(37, WithSeed(99), WithWorkers(6))
	require.NoError(t, err)
	wide, err := New(37, WithSeed(99), WithWorkers(64))
	require.NoError(t, err)

	want := reduceAll(t, seq, labels)
	require.Equal(t, want, reduceAll(t, par, labels))
	require.Equal(t, want, reduceAll(t, wide, labels))

	var iterated [][]int32
	for _, codes := range seq.Permutations(labels) {
		iterated = append(iterated, slices.Clone(codes))
	}
	require.Equal(t, want, iterated)
}

func TestReduceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(100, WithSeed(1), WithWorkers(2))
	require.NoError(t, err)

	_, err = Reduce(ctx, e, testLabels(),
		func() *int { return new(int) },
		func(n *int, _ *Trial) { *n++ },
		func(dst, src *int) { *dst += *src },
	)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestDerive(t *testing.T) {
	e, err := New(5, WithSeed(3), WithWorkers(2))
	require.NoError(t, err)

	d0 := e.Derive(0)
	d1 := e.Derive(1)
	require.NotEqual(t, e.Seed(), d0.Seed())
	require.NotEqual(t, d0.Seed(), d1.Seed())
	require.Equal(t, d0.Seed(), e.Derive(0).Seed())
	require.Equal(t, e.Count(), d0.Count())
	require.Equal(t, e.Workers(), d0.Workers())
}
