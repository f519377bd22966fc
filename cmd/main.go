package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/archive"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/client"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/config"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/logging"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/metrics"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/pipeline"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/report"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/store"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "selfish-mining-detector",
		Short: "Statistical selfish mining detector",
		Long: `Detects miners whose blocks arrive in suspiciously long consecutive runs.
Real block attributions are compared against label permutations of the same
timestamps, scored per period with the SMT statistic and classified against
score and hash-power share thresholds.`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// only the executing command's flags, so shared flag names do not shadow each other
			return viper.BindPFlags(cmd.Flags())
		},
		SilenceUsage: true,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze [paths...]",
		Short: "Run the full detection pipeline",
		Long:  `Compute interval statistics, shares, consecutive runs, SMT scores and suspects`,
		RunE:  runAnalyze,
	}

	statsCmd = &cobra.Command{
		Use:   "stats [paths...]",
		Short: "Calculate block interval statistics",
		Long:  `Calculate inter-arrival statistics overall, per period and per miner`,
		RunE:  runStats,
	}

	runsCmd = &cobra.Command{
		Use:   "runs [paths...]",
		Short: "Compare consecutive runs against permutations",
		RunE:  runSection((*report.Reporter).Runs),
	}

	smtCmd = &cobra.Command{
		Use:   "smt [paths...]",
		Short: "Score miners per period and classify SMT suspects",
		RunE:  runSection((*report.Reporter).SMT),
	}

	sharesCmd = &cobra.Command{
		Use:   "shares [paths...]",
		Short: "Classify miners by hash-power share",
		RunE:  runShares,
	}

	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Download daily block archives",
		Long:  `Download and extract the daily blockchair dumps of a range of months`,
		RunE:  runFetch,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest <paths...>",
		Short: "Load block dumps into the event store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}

	configCmd = &cobra.Command{
		Use:   "config [file]",
		Short: "Generate default configuration",
		Long:  `Generate a default configuration file`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfig,
	}
)

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("input", "", "Event source (tsv, store, cometbft)")
	cmd.Flags().String("from", "", "Inclusive lower time bound for the store source (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Exclusive upper time bound for the store source (YYYY-MM-DD)")
	cmd.Flags().String("rpc", "", "CometBFT RPC endpoint URL")
	cmd.Flags().Int64("start-height", 0, "Start height (0 for latest - sample-size)")
	cmd.Flags().Int64("end-height", 0, "End height (0 for latest)")
	cmd.Flags().Int("sample-size", 1000, "Number of latest blocks when no height range is given")
	cmd.Flags().Duration("timeout", 30*time.Second, "Request timeout")
	cmd.Flags().String("granularity", "month", "Period granularity (day, week, month)")
	cmd.Flags().Bool("remove-outliers", false, "Remove outliers from interval statistics")
	cmd.Flags().Float64("outlier-threshold", 1.5, "IQR multiplier for outlier detection")
	cmd.Flags().Bool("use-mad", true, "Use Median Absolute Deviation for outlier detection")
	cmd.Flags().String("format", "", "Output format (json, text, table)")
	cmd.Flags().Bool("verbose", false, "Verbose output")
	cmd.Flags().String("save-to-file", "", "Write the report to a file instead of stdout")
}

func addAnalysisFlags(cmd *cobra.Command) {
	cmd.Flags().Int("permutations", 1000, "Number of label permutations")
	cmd.Flags().Uint64("seed", 0, "Permutation seed (random when unset)")
	cmd.Flags().Int("workers", 0, "Permutation workers (0 for GOMAXPROCS)")
	cmd.Flags().Float64("smt-threshold", 2.0, "SMT score criterion")
	cmd.Flags().Float64("frequency-threshold", 0.1, "Share of blocks above which a miner is suspect")
	cmd.Flags().String("std-estimator", "population", "Null standard deviation estimator (population, sample)")
	cmd.Flags().String("null-scope", "series", "Permutation scope of the SMT null (series, period)")
	cmd.Flags().String("statistic", "blocks", "Per-period SMT statistic (blocks, runs)")
	cmd.Flags().Duration("burst-window", 10*time.Minute, "Maximum gap between bursting blocks of a miner")
	cmd.Flags().StringSlice("kafka-brokers", nil, "Publish suspect reports to these Kafka brokers")
	cmd.Flags().String("kafka-topic", "", "Kafka topic of suspect reports")
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.json)")
	rootCmd.PersistentFlags().String("db", "", "Event store database path")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	for _, cmd := range []*cobra.Command{analyzeCmd, statsCmd, runsCmd, smtCmd, sharesCmd} {
		addSourceFlags(cmd)
	}
	for _, cmd := range []*cobra.Command{analyzeCmd, runsCmd, smtCmd, sharesCmd} {
		addAnalysisFlags(cmd)
	}
	analyzeCmd.Flags().String("trials-out", "", "Stream per-permutation run counts to this JSON lines file")

	// Fetch command flags
	fetchCmd.Flags().String("start", "", "First month to fetch (YYYY-MM)")
	fetchCmd.Flags().String("end", "", "Last month to fetch (YYYY-MM, default start)")
	fetchCmd.Flags().String("base-url", archive.DefaultBaseURL, "Archive base URL")
	fetchCmd.Flags().String("download-dir", "", "Directory for compressed downloads")
	fetchCmd.Flags().String("extract-dir", "", "Directory for extracted dumps")
	fetchCmd.Flags().Bool("ingest", false, "Load extracted dumps into the event store")
	fetchCmd.Flags().String("format", "", "Output format (json, text, table)")

	rootCmd.AddCommand(analyzeCmd, statsCmd, runsCmd, smtCmd, sharesCmd, fetchCmd, ingestCmd, configCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	viper.SetEnvPrefix("SMDETECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		// Config file found - silently use it
		_ = viper.ConfigFileUsed()
	}
}

// app carries the per-invocation configuration, logger and metrics
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	recorder *metrics.Recorder
}

func newApp() (*app, error) {
	cfg, err := config.BuildConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", zap.String("path", used))
	}

	return &app{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}, nil
}

func (a *app) close() {
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.recorder.WriteTextfile(path); err != nil {
			a.logger.Warn("failed to export metrics", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// output opens the report destination
func (a *app) output() (io.Writer, func() error, error) {
	if a.cfg.Output.SaveToFile == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(a.cfg.Output.SaveToFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, f.Close, nil
}

func (a *app) reporter(w io.Writer) (*report.Reporter, error) {
	format, err := report.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	return report.New(w, format, a.cfg.Output.Verbose), nil
}

func (a *app) openSource(args []string) (client.EventSource, error) {
	src := &a.cfg.Source
	switch src.Kind {
	case config.SourceTSV:
		paths := args
		if len(paths) == 0 {
			paths = src.Paths
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no input files (pass paths or set source.paths)")
		}
		return archive.NewTSVSource(paths,
			archive.WithSourceLogger(a.logger.Named("tsv")),
			archive.WithLoadedCallback(func(n int) { a.recorder.EventsLoaded(config.SourceTSV, n) }),
		), nil

	case config.SourceStore:
		from, to, err := src.Window()
		if err != nil {
			return nil, err
		}
		st, err := store.Open(a.cfg.Store.Path, a.logger.Named("store"))
		if err != nil {
			return nil, err
		}
		return store.NewSource(st, from, to), nil

	case config.SourceCometBFT:
		if src.RPCEndpoint == "" {
			return nil, fmt.Errorf("RPC endpoint is required (use --rpc flag or config file)")
		}
		rpc, err := client.NewCometBFTClient(src)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		return client.NewChainSource(rpc, src, a.logger.Named("cometbft")), nil

	default:
		return nil, fmt.Errorf("unknown source: %s", src.Kind)
	}
}

func (a *app) loadSeries(ctx context.Context, args []string) (types.EventSeries, error) {
	src, err := a.openSource(args)
	if err != nil {
		return types.EventSeries{}, err
	}
	defer src.Close()

	series, err := src.Events(ctx)
	if err != nil {
		return types.EventSeries{}, fmt.Errorf("failed to load events: %w", err)
	}
	if a.cfg.Source.Kind != config.SourceTSV {
		a.recorder.EventsLoaded(a.cfg.Source.Kind, len(series.Events))
	}
	a.logger.Info("loaded events",
		zap.String("source", a.cfg.Source.Kind),
		zap.String("series", series.Name),
		zap.Int("events", len(series.Events)))
	return series, nil
}

func (a *app) analyze(ctx context.Context, args []string, opts ...pipeline.Option) (*pipeline.Result, error) {
	series, err := a.loadSeries(ctx, args)
	if err != nil {
		return nil, err
	}

	opts = append([]pipeline.Option{
		pipeline.WithLogger(a.logger.Named("pipeline")),
		pipeline.WithRecorder(a.recorder),
	}, opts...)
	analyzer, err := pipeline.New(&a.cfg.Analysis, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	res, err := analyzer.Analyze(ctx, series)
	if err != nil {
		return nil, err
	}

	if a.cfg.Kafka.Enabled {
		pub, err := report.NewKafkaPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic,
			a.cfg.Analysis.SMTThreshold, a.logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		defer pub.Close()
		if err := pub.Publish(ctx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withReport runs fn with a configured app and reporter
func withReport(fn func(ctx context.Context, a *app, rep *report.Reporter) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	w, closeOut, err := a.output()
	if err != nil {
		return err
	}
	rep, err := a.reporter(w)
	if err != nil {
		closeOut()
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := fn(ctx, a, rep); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
		var (
			opts   []pipeline.Option
			trials *trialWriter
		)
		if path := viper.GetString("trials-out"); path != "" {
			var err error
			if trials, err = newTrialWriter(path); err != nil {
				return err
			}
			opts = append(opts, pipeline.WithTrialHook(trials.Write))
		}

		res, err := a.analyze(ctx, args, opts...)
		if trials != nil {
			err = errors.Join(err, trials.Close())
		}
		if err != nil {
			return err
		}
		return rep.Analysis(res)
	})
}

func runSection(section func(*report.Reporter, *pipeline.Result) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
			res, err := a.analyze(ctx, args)
			if err != nil {
				return err
			}
			return section(rep, res)
		})
	}
}

func runShares(cmd *cobra.Command, args []string) error {
	return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
		series, err := a.loadSeries(ctx, args)
		if err != nil {
			return err
		}
		analyzer, err := pipeline.New(&a.cfg.Analysis, pipeline.WithLogger(a.logger.Named("pipeline")))
		if err != nil {
			return err
		}
		res, err := analyzer.Shares(series)
		if err != nil {
			return err
		}
		return rep.Shares(res)
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
		series, err := a.loadSeries(ctx, args)
		if err != nil {
			return err
		}

		g, err := types.ParseGranularity(a.cfg.Analysis.PeriodGranularity)
		if err != nil {
			return err
		}
		sorted, err := calculator.ComputeGaps(series)
		if err != nil {
			return fmt.Errorf("failed to compute gaps: %w", err)
		}

		calc := calculator.NewGapCalculator(&a.cfg.Analysis)
		return rep.GapStats(calc.Stats(sorted), calc.PeriodStats(sorted, g), calc.MinerStats(sorted))
	})
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
		st, err := store.Open(a.cfg.Store.Path, a.logger.Named("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		files, err := archive.ExpandPaths(args)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := ingestFile(ctx, a, st, file); err != nil {
				return err
			}
		}
		return rep.Files("Ingested", files)
	})
}

func ingestFile(ctx context.Context, a *app, st *store.Store, path string) error {
	events, err := archive.ReadFile(path)
	if err != nil {
		return err
	}
	added, err := st.Put(ctx, events)
	if err != nil {
		return err
	}
	a.recorder.EventsLoaded(config.SourceStore, added)
	a.logger.Info("ingested dump",
		zap.String("file", path),
		zap.Int("events", len(events)),
		zap.Int("added", added))
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	return withReport(func(ctx context.Context, a *app, rep *report.Reporter) error {
		from, err := parseMonth(viper.GetString("start"))
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		to := from
		if s := viper.GetString("end"); s != "" {
			if to, err = parseMonth(s); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
		}

		opts := []archive.FetcherOption{
			archive.WithLogger(a.logger.Named("fetch")),
			archive.WithRecorder(a.recorder),
		}
		if viper.GetBool("ingest") {
			st, err := store.Open(a.cfg.Store.Path, a.logger.Named("store"))
			if err != nil {
				return err
			}
			defer st.Close()
			opts = append(opts, archive.WithIngest(func(ctx context.Context, path string) error {
				return ingestFile(ctx, a, st, path)
			}))
		}

		fetcher, err := archive.NewFetcher(a.cfg.Archive, opts...)
		if err != nil {
			return err
		}
		files, err := fetcher.Fetch(ctx, from, to)
		if err != nil {
			return err
		}
		return rep.Files("Extracted", files)
	})
}

func parseMonth(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("month is required (YYYY-MM)")
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func runConfig(cmd *cobra.Command, args []string) error {
	filename := "config.json"
	if len(args) > 0 {
		filename = args[0]
	}

	if err := config.SaveToFile(config.DefaultConfig(), filename); err != nil {
		return err
	}

	fmt.Printf("Default configuration written to %s\n", filename)
	return nil
}

// trialWriter streams per-permutation run counts as JSON lines. Trials arrive
// from several workers, so lines are in completion order. The first write error
// is kept and returned by Close.
type trialWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	err error
}

func newTrialWriter(path string) (*trialWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trials file: %w", err)
	}
	return &trialWriter{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *trialWriter) Write(trial int, rc types.RunCount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	err := w.enc.Encode(struct {
		Trial     int            `json:"trial"`
		RunCounts types.RunCount `json:"run_counts"`
	}{trial, rc})
	if err != nil {
		w.err = fmt.Errorf("failed to write trial %d: %w", trial, err)
	}
}

func (w *trialWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return errors.Join(w.err, fmt.Errorf("failed to close trials file: %w", err))
	}
	return w.err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
