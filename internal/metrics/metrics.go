// Package metrics records Prometheus metrics of batch analysis runs. A batch process
// has no scrape endpoint, so the registry is exported to a node_exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smdetect"

// Recorder owns a private registry and the detector metrics
type Recorder struct {
	registry *prometheus.Registry

	eventsLoaded     *prometheus.CounterVec
	permutations     prometheus.Counter
	archivesFetched  *prometheus.CounterVec
	suspects         *prometheus.GaugeVec
	miners           prometheus.Gauge
	analysisDuration prometheus.Histogram
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Recorder{
		registry: reg,
		eventsLoaded: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_loaded_total",
			Help:      "Mining events loaded, by source kind",
		}, []string{"source"}),
		permutations: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permutations_total",
			Help:      "Label permutations generated",
		}),
		archivesFetched: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_fetched_total",
			Help:      "Daily archives processed, by outcome",
		}, []string{"outcome"}),
		suspects: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspects",
			Help:      "Selfish mining suspects of the last run, by classifier",
		}, []string{"classifier"}),
		miners: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "miners",
			Help:      "Distinct miners in the last analysed series",
		}),
		analysisDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of analysis runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// EventsLoaded counts loaded events for a source kind
func (r *Recorder) EventsLoaded(source string, n int) {
	r.eventsLoaded.WithLabelValues(source).Add(float64(n))
}

// Permutations counts generated permutations
func (r *Recorder) Permutations(n int) { r.permutations.Add(float64(n)) }

// ArchiveFetched counts a processed archive: downloaded, missing or failed
func (r *Recorder) ArchiveFetched(outcome string) {
	r.archivesFetched.WithLabelValues(outcome).Inc()
}

// Suspects sets the suspect count of a classifier
func (r *Recorder) Suspects(classifier string, n int) {
	r.suspects.WithLabelValues(classifier).Set(float64(n))
}

// Miners sets the number of distinct miners
func (r *Recorder) Miners(n int) { r.miners.Set(float64(n)) }

// ObserveAnalysis records the duration of an analysis run
func (r *Recorder) ObserveAnalysis(seconds float64) { r.analysisDuration.Observe(seconds) }

// WriteTextfile writes all metrics in text exposition format to path
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
