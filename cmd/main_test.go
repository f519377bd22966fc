package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/config"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

func TestParseMonth(t *testing.T) {
	got, err := parseMonth("2023-03")
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseMonth(" 2023-03-15 ")
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, time.March, 15, 0, 0, 0, 0, time.UTC), got)

	for _, bad := range []string{"", "03/2023", "2023-13"} {
		_, err := parseMonth(bad)
		require.Error(t, err, bad)
	}
}

func TestTrialWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trials.jsonl")
	w, err := newTrialWriter(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Write(i, types.RunCount{"A": i % 3, "B": 0})
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	seen := make(map[int]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line struct {
			Trial     int            `json:"trial"`
			RunCounts types.RunCount `json:"run_counts"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		require.Equal(t, line.Trial%3, line.RunCounts["A"])
		seen[line.Trial] = true
	}
	require.NoError(t, scanner.Err())
	require.Len(t, seen, 50)
}

func TestTrialWriterReportsWriteErrors(t *testing.T) {
	w, err := newTrialWriter(filepath.Join(t.TempDir(), "trials.jsonl"))
	require.NoError(t, err)

	// every encode now fails against the closed descriptor
	require.NoError(t, w.f.Close())
	w.Write(0, types.RunCount{"A": 1})
	w.Write(1, types.RunCount{"A": 2})

	err = w.Close()
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrClosed))
	require.Contains(t, err.Error(), "failed to write trial 0")
	require.NotContains(t, err.Error(), "trial 1")
}

func TestTrialWriterFullDevice(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	w, err := newTrialWriter("/dev/full")
	require.NoError(t, err)

	w.Write(0, types.RunCount{"A": 1})
	require.Error(t, w.Close())
}

func TestRunConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, runConfig(configCmd, []string{path}))

	loaded, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(), loaded)
}
