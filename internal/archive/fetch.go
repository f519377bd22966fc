package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/metrics"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// DefaultBaseURL is the public blockchair archive of daily bitcoin block dumps
const DefaultBaseURL = "https://gz.blockchair.com/bitcoin/blocks/"

// Outcomes recorded for every processed daily archive
const (
	OutcomeDownloaded = "downloaded"
	OutcomeMissing    = "missing"
	OutcomeFailed     = "failed"
)

// ErrNotAvailable is returned when the archive does not serve a requested day
var ErrNotAvailable = errors.New("archive not available")

// FileName returns the archive name of the dump of day
func FileName(day time.Time) string {
	return fmt.Sprintf("blockchair_bitcoin_blocks_%s.tsv.gz", day.UTC().Format("20060102"))
}

// IngestFunc receives every extracted dump
type IngestFunc func(ctx context.Context, path string) error

// Fetcher downloads and extracts daily archives
type Fetcher struct {
	config   types.ArchiveConfig
	base     *url.URL
	client   *http.Client
	logger   *zap.Logger
	recorder *metrics.Recorder
	ingest   IngestFunc
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithLogger sets the fetcher logger
func WithLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder records fetch outcomes
func WithRecorder(r *metrics.Recorder) FetcherOption {
	return func(f *Fetcher) { f.recorder = r }
}

// WithIngest hands every extracted file to fn
func WithIngest(fn IngestFunc) FetcherOption {
	return func(f *Fetcher) { f.ingest = fn }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// NewFetcher creates a fetcher. Missing directories are created.
func NewFetcher(config types.ArchiveConfig, opts ...FetcherOption) (*Fetcher, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(config.BaseURL, "/") {
		config.BaseURL += "/"
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid archive base URL: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.DownloadDir == "" {
		config.DownloadDir = os.TempDir()
	}
	if config.ExtractDir == "" {
		config.ExtractDir = "."
	}

	for _, dir := range []string{config.DownloadDir, config.ExtractDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	f := &Fetcher{
		config: config,
		base:   base,
		client: &http.Client{Timeout: config.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Fetcher) url(day time.Time) string {
	return f.base.JoinPath(FileName(day)).String()
}

func (f *Fetcher) record(outcome string) {
	if f.recorder != nil {
		f.recorder.ArchiveFetched(outcome)
	}
}

// Available lists the days of the months from..to (inclusive, by calendar month)
// that the archive serves. Within a month, probing stops at the first missing day.
func (f *Fetcher) Available(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	from = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is after %s", from.Format("2006-01"), to.Format("2006-01"))
	}

	var days []time.Time
	for month := from; !month.After(to); month = month.AddDate(0, 1, 0) {
		for day := month; day.Month() == month.Month(); day = day.AddDate(0, 0, 1) {
			ok, err := f.probe(ctx, day)
			if err != nil {
				return nil, err
			}
			if !ok {
				f.logger.Info("archive month ends",
					zap.String("month", month.Format("2006-01")),
					zap.String("first_missing", day.Format(time.DateOnly)))
				f.record(OutcomeMissing)
				break
			}
			days = append(days, day)
		}
	}
	return days, nil
}

func (f *Fetcher) probe(ctx context.Context, day time.Time) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url(day), nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", FileName(day), err)
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Fetch downloads and extracts every available day of the months from..to and
// returns the extracted paths. A day that fails to download or extract is logged
// and skipped; there is no retry.
func (f *Fetcher) Fetch(ctx context.Context, from, to time.Time) ([]string, error) {
	days, err := f.Available(ctx, from, to)
	if err != nil {
		return nil, err
	}
	f.logger.Info("archives available", zap.Int("days", len(days)))

	var extracted []string
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}

		path, err := f.FetchDay(ctx, day)
		if err != nil {
			if ctx.Err() != nil {
				return extracted, ctx.Err()
			}
			f.logger.Warn("skipping archive", zap.String("file", FileName(day)), zap.Error(err))
			f.record(OutcomeFailed)
			continue
		}
		f.record(OutcomeDownloaded)
		extracted = append(extracted, path)

		if f.ingest != nil {
			if err := f.ingest(ctx, path); err != nil {
				return extracted, fmt.Errorf("failed to ingest %s: %w", path, err)
			}
		}
	}
	return extracted, nil
}

// FetchDay downloads the dump of day, extracts it and removes the compressed copy
func (f *Fetcher) FetchDay(ctx context.Context, day time.Time) (string, error) {
	name := FileName(day)
	gzPath := filepath.Join(f.config.DownloadDir, name)

	if err := f.download(ctx, day, gzPath); err != nil {
		return "", err
	}
	defer os.Remove(gzPath)

	out := filepath.Join(f.config.ExtractDir, strings.TrimSuffix(name, ".gz"))
	if err := extract(gzPath, out); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", name, err)
	}

	f.logger.Debug("extracted archive", zap.String("file", out))
	return out, nil
}

func (f *Fetcher) download(ctx context.Context, day time.Time, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(day), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", FileName(day), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrNotAvailable, FileName(day), resp.Status)
	}

	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to save %s: %w", FileName(day), err)
	}
	return file.Close()
}

func extract(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
