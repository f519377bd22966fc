// Package archive reads blockchair block dumps and fetches them from the public
// archive.
package archive

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// Column names of a blockchair block dump
const (
	ColumnHeight = "id"
	ColumnHash   = "hash"
	ColumnTime   = "time"
	ColumnMiner  = "guessed_miner"
)

// UnknownMiner labels blocks the archive could not attribute
const UnknownMiner = "Unknown"

// ErrMissingColumn is returned when a dump lacks a required column
var ErrMissingColumn = errors.New("missing column")

type columns struct {
	height, hash, time, miner int
}

func lookupColumns(header []string) (columns, error) {
	idx := func(name string) int {
		return slices.IndexFunc(header, func(h string) bool {
			return strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), name)
		})
	}

	c := columns{
		height: idx(ColumnHeight),
		hash:   idx(ColumnHash),
		time:   idx(ColumnTime),
		miner:  idx(ColumnMiner),
	}
	if c.time < 0 {
		return c, fmt.Errorf("%w: %s", ErrMissingColumn, ColumnTime)
	}
	if c.miner < 0 {
		return c, fmt.Errorf("%w: %s", ErrMissingColumn, ColumnMiner)
	}
	return c, nil
}

// ReadTSV parses a tab separated block dump with a header row. Block hashes are
// validated and normalised; an unparseable time aborts the read with an
// *calculator.InvalidTimestampError.
func ReadTSV(r io.Reader) ([]types.MiningEvent, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := lookupColumns(header)
	if err != nil {
		return nil, err
	}

	var events []types.MiningEvent
	for i := 0; ; i++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}

		ev, err := parseRecord(record, cols)
		if err != nil {
			var tsErr *calculator.InvalidTimestampError
			if errors.As(err, &tsErr) {
				tsErr.Index = i
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func parseRecord(record []string, cols columns) (types.MiningEvent, error) {
	var ev types.MiningEvent

	if v := field(record, cols.height); v != "" {
		height, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("invalid height %q: %w", v, err)
		}
		ev.Height = height
	}

	if v := field(record, cols.hash); v != "" {
		h, err := chainhash.NewHashFromStr(v)
		if err != nil {
			return ev, fmt.Errorf("invalid hash %q at height %d: %w", v, ev.Height, err)
		}
		ev.Hash = h.String()
	}

	raw := field(record, cols.time)
	t, err := calculator.ParseTimestamp(raw)
	if err != nil {
		return ev, &calculator.InvalidTimestampError{
			Height: ev.Height,
			Hash:   ev.Hash,
			Value:  raw,
			Err:    err,
		}
	}
	ev.Time = t

	ev.Miner = field(record, cols.miner)
	if ev.Miner == "" {
		ev.Miner = UnknownMiner
	}
	return ev, nil
}

// ReadFile reads a dump from disk, decompressing it when the name ends in .gz
func ReadFile(path string) ([]types.MiningEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	events, err := ReadTSV(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// ExpandPaths resolves directories to the dump files they contain, sorted by name
func ExpandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !(strings.HasSuffix(name, ".tsv") || strings.HasSuffix(name, ".tsv.gz")) {
				continue
			}
			files = append(files, filepath.Join(p, name))
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// TSVSource loads events from dump files and directories
type TSVSource struct {
	paths  []string
	logger *zap.Logger
	loaded func(n int)
}

// SourceOption configures a TSVSource
type SourceOption func(*TSVSource)

// WithSourceLogger sets the source logger
func WithSourceLogger(l *zap.Logger) SourceOption {
	return func(s *TSVSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLoadedCallback is called with the number of events read from every file
func WithLoadedCallback(fn func(n int)) SourceOption {
	return func(s *TSVSource) { s.loaded = fn }
}

// NewTSVSource creates a source over paths
func NewTSVSource(paths []string, opts ...SourceOption) *TSVSource {
	s := &TSVSource{paths: paths, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events reads every file in name order and concatenates the records
func (s *TSVSource) Events(ctx context.Context) (types.EventSeries, error) {
	files, err := ExpandPaths(s.paths)
	if err != nil {
		return types.EventSeries{}, fmt.Errorf("failed to resolve input paths: %w", err)
	}
	if len(files) == 0 {
		return types.EventSeries{}, fmt.Errorf("no block dumps found in %s", strings.Join(s.paths, ", "))
	}

	var events []types.MiningEvent
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return types.EventSeries{}, err
		}
		evs, err := ReadFile(file)
		if err != nil {
			return types.EventSeries{}, err
		}
		s.logger.Debug("read block dump", zap.String("file", file), zap.Int("events", len(evs)))
		if s.loaded != nil {
			s.loaded(len(evs))
		}
		events = append(events, evs...)
	}

	name := filepath.Base(files[0])
	if len(files) > 1 {
		name = fmt.Sprintf("%s..%s", filepath.Base(files[0]), filepath.Base(files[len(files)-1]))
	}
	return types.EventSeries{Name: name, Events: events}, nil
}

// Close is a no-op
func (s *TSVSource) Close() error { return nil }
