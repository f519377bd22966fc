package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.EventsLoaded("tsv", 10)
	r.EventsLoaded("tsv", 5)
	r.EventsLoaded("store", 3)
	r.ArchiveFetched("downloaded")
	r.ArchiveFetched("missing")
	r.ArchiveFetched("missing")
	r.Permutations(1000)
	r.Miners(4)
	r.Suspects("smt", 2)
	r.ObserveAnalysis(0.5)

	require.Equal(t, 15.0, testutil.ToFloat64(r.eventsLoaded.WithLabelValues("tsv")))
	require.Equal(t, 3.0, testutil.ToFloat64(r.eventsLoaded.WithLabelValues("store")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.archivesFetched.WithLabelValues("missing")))
	require.Equal(t, 1000.0, testutil.ToFloat64(r.permutations))
	require.Equal(t, 4.0, testutil.ToFloat64(r.miners))
	require.Equal(t, 1, testutil.CollectAndCount(r.analysisDuration))

	r.Suspects("smt", 0)
	require.Equal(t, 0.0, testutil.ToFloat64(r.suspects.WithLabelValues("smt")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.Permutations(7)

	path := filepath.Join(t.TempDir(), "smdetect.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "smdetect_permutations_total 7"))

	require.Error(t, r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}
