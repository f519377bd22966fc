package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/archive"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/calculator"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/pipeline"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/report"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/smt"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Source kinds
const (
	SourceTSV      = "tsv"
	SourceStore    = "store"
	SourceCometBFT = "cometbft"
)

// Config represents the application configuration
type Config struct {
	Source   types.SourceConfig   `json:"source" mapstructure:"source"`
	Analysis types.AnalysisConfig `json:"analysis" mapstructure:"analysis"`
	Archive  types.ArchiveConfig  `json:"archive" mapstructure:"archive"`
	Store    StoreConfig          `json:"store" mapstructure:"store"`
	Output   OutputConfig         `json:"output" mapstructure:"output"`
	Log      LogConfig            `json:"log" mapstructure:"log"`
	Metrics  MetricsConfig        `json:"metrics" mapstructure:"metrics"`
	Kafka    KafkaConfig          `json:"kafka" mapstructure:"kafka"`
}

// StoreConfig represents the event store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"` // bolt database file
}

// OutputConfig represents output formatting configuration
type OutputConfig struct {
	Format     string `json:"format" mapstructure:"format"`             // json, text, table
	Verbose    bool   `json:"verbose" mapstructure:"verbose"`           // Show extended statistics
	SaveToFile string `json:"save_to_file" mapstructure:"save_to_file"` // Save output to file
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json
}

// MetricsConfig represents metrics export configuration
type MetricsConfig struct {
	Textfile string `json:"textfile" mapstructure:"textfile"` // node_exporter textfile, empty disables export
}

// KafkaConfig represents the suspect report sink
type KafkaConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Brokers []string `json:"brokers" mapstructure:"brokers"`
	Topic   string   `json:"topic" mapstructure:"topic"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: types.SourceConfig{
			Kind:        SourceTSV,
			RPCEndpoint: "http://localhost:26657",
			SampleSize:  1000,
			Timeout:     30 * time.Second,
		},
		Analysis: *calculator.DefaultConfig(),
		Archive: types.ArchiveConfig{
			BaseURL:     archive.DefaultBaseURL,
			DownloadDir: filepath.Join("data", "downloads"),
			ExtractDir:  filepath.Join("data", "blocks"),
			Timeout:     5 * time.Minute,
		},
		Store: StoreConfig{
			Path: filepath.Join("data", "events.db"),
		},
		Output: OutputConfig{
			Format: "text",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "selfish-mining-suspects",
		},
	}
}

// BuildConfig builds configuration from the global viper settings
func BuildConfig() (*Config, error) {
	return BuildConfigFrom(viper.GetViper())
}

// BuildConfigFrom layers config file sections, then flags and environment, over the
// defaults
func BuildConfigFrom(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	sections := []struct {
		key    string
		target any
	}{
		{"source", &cfg.Source},
		{"analysis", &cfg.Analysis},
		{"archive", &cfg.Archive},
		{"store", &cfg.Store},
		{"output", &cfg.Output},
		{"log", &cfg.Log},
		{"metrics", &cfg.Metrics},
		{"kafka", &cfg.Kafka},
	}
	for _, s := range sections {
		if !v.IsSet(s.key) {
			continue
		}
		if err := v.UnmarshalKey(s.key, s.target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s config: %w", s.key, err)
		}
	}

	// Source configuration
	if v.IsSet("input") {
		cfg.Source.Kind = v.GetString("input")
	}
	if v.IsSet("from") {
		cfg.Source.From = v.GetString("from")
	}
	if v.IsSet("to") {
		cfg.Source.To = v.GetString("to")
	}
	if v.IsSet("rpc") {
		cfg.Source.RPCEndpoint = v.GetString("rpc")
	}
	if v.IsSet("start-height") {
		cfg.Source.StartHeight = v.GetInt64("start-height")
	}
	if v.IsSet("end-height") {
		cfg.Source.EndHeight = v.GetInt64("end-height")
	}
	if v.IsSet("sample-size") {
		cfg.Source.SampleSize = v.GetInt("sample-size")
	}
	if v.IsSet("timeout") {
		cfg.Source.Timeout = v.GetDuration("timeout")
	}

	// Analysis configuration
	if v.IsSet("granularity") {
		cfg.Analysis.PeriodGranularity = v.GetString("granularity")
	}
	if v.IsSet("permutations") {
		cfg.Analysis.PermutationCount = v.GetInt("permutations")
	}
	if v.IsSet("smt-threshold") {
		cfg.Analysis.SMTThreshold = v.GetFloat64("smt-threshold")
	}
	if v.IsSet("frequency-threshold") {
		cfg.Analysis.FrequencyThreshold = v.GetFloat64("frequency-threshold")
	}
	if v.IsSet("seed") {
		seed := v.GetUint64("seed")
		cfg.Analysis.RandomSeed = &seed
	}
	if v.IsSet("std-estimator") {
		cfg.Analysis.StdEstimator = v.GetString("std-estimator")
	}
	if v.IsSet("null-scope") {
		cfg.Analysis.NullScope = v.GetString("null-scope")
	}
	if v.IsSet("statistic") {
		cfg.Analysis.Statistic = v.GetString("statistic")
	}
	if v.IsSet("workers") {
		cfg.Analysis.Workers = v.GetInt("workers")
	}
	if v.IsSet("burst-window") {
		cfg.Analysis.BurstWindow = v.GetDuration("burst-window")
	}
	if v.IsSet("remove-outliers") {
		cfg.Analysis.RemoveOutliers = v.GetBool("remove-outliers")
	}
	if v.IsSet("outlier-threshold") {
		cfg.Analysis.OutlierThreshold = v.GetFloat64("outlier-threshold")
	}
	if v.IsSet("use-mad") {
		cfg.Analysis.UseMedianAbsolute = v.GetBool("use-mad")
	}

	// Archive configuration
	if v.IsSet("base-url") {
		cfg.Archive.BaseURL = v.GetString("base-url")
	}
	if v.IsSet("download-dir") {
		cfg.Archive.DownloadDir = v.GetString("download-dir")
	}
	if v.IsSet("extract-dir") {
		cfg.Archive.ExtractDir = v.GetString("extract-dir")
	}

	// Store, output, logging, metrics and kafka
	if v.IsSet("db") {
		cfg.Store.Path = v.GetString("db")
	}
	if v.IsSet("format") {
		cfg.Output.Format = v.GetString("format")
	}
	if v.IsSet("verbose") {
		cfg.Output.Verbose = v.GetBool("verbose")
	}
	if v.IsSet("save-to-file") {
		cfg.Output.SaveToFile = v.GetString("save-to-file")
	}
	if v.IsSet("log-level") {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Log.Format = v.GetString("log-format")
	}
	if v.IsSet("metrics-textfile") {
		cfg.Metrics.Textfile = v.GetString("metrics-textfile")
	}
	if v.IsSet("kafka-brokers") {
		cfg.Kafka.Brokers = v.GetStringSlice("kafka-brokers")
		cfg.Kafka.Enabled = true
	}
	if v.IsSet("kafka-topic") {
		cfg.Kafka.Topic = v.GetString("kafka-topic")
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	// Validate source config
	switch cfg.Source.Kind {
	case SourceTSV, SourceStore, SourceCometBFT:
	default:
		return invalid("unknown source %q (must be tsv, store or cometbft)", cfg.Source.Kind)
	}
	if cfg.Source.Timeout <= 0 {
		return invalid("timeout must be positive")
	}
	if cfg.Source.StartHeight < 0 || cfg.Source.EndHeight < 0 {
		return invalid("heights must be non-negative")
	}
	if cfg.Source.EndHeight > 0 && cfg.Source.StartHeight > cfg.Source.EndHeight {
		return invalid("start height %d is after end height %d", cfg.Source.StartHeight, cfg.Source.EndHeight)
	}
	if _, _, err := cfg.Source.Window(); err != nil {
		return invalid("%v", err)
	}

	// Validate analysis config
	a := cfg.Analysis
	if _, err := types.ParseGranularity(a.PeriodGranularity); err != nil {
		return invalid("%v", err)
	}
	if a.PermutationCount <= 0 {
		return invalid("permutation count must be positive")
	}
	if a.SMTThreshold < 0 {
		return invalid("smt threshold must be non-negative")
	}
	if a.FrequencyThreshold <= 0 || a.FrequencyThreshold >= 1 {
		return invalid("frequency threshold must be between 0 and 1")
	}
	if _, err := smt.ParseEstimator(a.StdEstimator); err != nil {
		return invalid("%v", err)
	}
	if _, err := pipeline.ParseNullScope(a.NullScope); err != nil {
		return invalid("%v", err)
	}
	if _, err := pipeline.ParseStatistic(a.Statistic); err != nil {
		return invalid("%v", err)
	}
	if a.Workers < 0 {
		return invalid("workers must be non-negative")
	}
	if a.BurstWindow < 0 {
		return invalid("burst window must be non-negative")
	}
	if a.OutlierThreshold <= 0 {
		return invalid("outlier threshold must be positive")
	}

	// Validate output and logging config
	if _, err := report.ParseFormat(cfg.Output.Format); err != nil {
		return invalid("%v (must be json, text, or table)", err)
	}
	if _, err := zap.ParseAtomicLevel(cfg.Log.Level); err != nil {
		return invalid("log level: %v", err)
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return invalid("log format must be console or json")
	}

	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return invalid("kafka needs brokers and a topic")
	}

	return nil
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return BuildConfigFrom(v)
}

// SaveToFile saves configuration to a file. Sections are written under their
// mapstructure keys so LoadFromFile reads them back unchanged.
func SaveToFile(cfg *Config, path string) error {
	var settings map[string]any
	if err := mapstructure.Decode(cfg, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
