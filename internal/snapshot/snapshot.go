// Package snapshot turns MLflow runs into immutable sets of exported samples
// and publishes them to concurrent readers.
package snapshot

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	mlflowexporter "github.com/masa23/mlflow-exporter"
)

// Names of the per-run series emitted next to the run's own metrics.
const (
	RunInfoName      = "mlflow_run_info"
	RunStartTimeName = "mlflow_run_start_time_seconds"
	RunEndTimeName   = "mlflow_run_end_time_seconds"
	RunParamName     = "mlflow_run_param"

	// SelfMetricsPrefix is reserved for the exporter's own metrics.
	SelfMetricsPrefix = "mlflow_exporter_"
)

// Label names
const (
	LabelExperiment   = "experiment"
	LabelExperimentID = "experiment_id"
	LabelRunID        = "run_id"
	LabelRunName      = "run_name"
	LabelStatus       = "status"
	LabelKey          = "key"
	LabelValue        = "value"
)

type Label struct {
	Name  string
	Value string
}

// Sample is one exported series value.
type Sample struct {
	Name      string
	Help      string
	Labels    []Label // sorted by name
	Value     float64
	Timestamp time.Time

	// loggedAt is when MLflow recorded the value; it breaks name collisions.
	loggedAt time.Time
}

// LabelValue returns the value of the named label or "".
func (s *Sample) LabelValue(name string) string {
	for _, l := range s.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func (s *Sample) key() string {
	var b strings.Builder
	b.WriteString(s.Name)
	for _, l := range s.Labels {
		b.WriteByte(0)
		b.WriteString(l.Name)
		b.WriteByte(0)
		b.WriteString(l.Value)
	}
	return b.String()
}

// Snapshot is an immutable point-in-time set of samples.
// Nothing returned by its methods may be modified.
type Snapshot struct {
	samples []Sample
	metrics []prometheus.Metric
	builtAt time.Time
	runs    int
	dropped int
}

func (s *Snapshot) Samples() []Sample {
	return s.samples
}

func (s *Snapshot) Len() int {
	return len(s.samples)
}

func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Runs is the number of runs the snapshot was built from.
func (s *Snapshot) Runs() int {
	return s.runs
}

// Dropped counts metrics left out because their name was unusable,
// reserved, or their labels could not be encoded.
func (s *Snapshot) Dropped() int {
	return s.dropped
}

type Options struct {
	// Prefix is prepended to every run metric name.
	Prefix       string
	ExportParams bool
	// Now is the poll start time every sample is stamped with.
	Now time.Time
}

// Build creates a snapshot from runs. experiments maps experiment id to name.
func Build(runs []mlflowexporter.Run, experiments map[string]string, opts Options) *Snapshot {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	b := builder{
		opts:   opts,
		byKey:  make(map[string]int),
		result: &Snapshot{builtAt: opts.Now, runs: len(runs)},
	}
	for i := range runs {
		b.addRun(&runs[i], experiments)
	}
	b.finish()
	return b.result
}

type builder struct {
	opts    Options
	samples []Sample
	byKey   map[string]int
	result  *Snapshot
}

func (b *builder) addRun(run *mlflowexporter.Run, experiments map[string]string) {
	expName := experiments[run.ExperimentID]
	if expName == "" {
		expName = run.ExperimentID
	}
	base := []Label{
		{LabelExperiment, expName},
		{LabelRunID, run.ID},
		{LabelRunName, run.Name},
	}

	keys := make([]string, 0, len(run.Metrics))
	for key := range run.Metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m := run.Metrics[key]
		name := mlflowexporter.SanitizeMetricName(b.opts.Prefix, key)
		if name == "" || isReserved(name) {
			b.result.dropped++
			continue
		}
		b.add(Sample{
			Name:      name,
			Help:      "MLflow run metric " + name,
			Labels:    base,
			Value:     m.Value,
			Timestamp: b.opts.Now,
			loggedAt:  m.Timestamp,
		})
	}

	b.add(Sample{
		Name:      RunInfoName,
		Help:      "Information about an MLflow run, always 1.",
		Labels:    withLabels(base, Label{LabelExperimentID, run.ExperimentID}, Label{LabelStatus, string(run.Status)}),
		Value:     1,
		Timestamp: b.opts.Now,
	})
	if !run.StartTime.IsZero() {
		b.add(Sample{
			Name:      RunStartTimeName,
			Help:      "Start time of an MLflow run in unix seconds.",
			Labels:    base,
			Value:     float64(run.StartTime.UnixMilli()) / 1000,
			Timestamp: b.opts.Now,
		})
	}
	if !run.EndTime.IsZero() {
		b.add(Sample{
			Name:      RunEndTimeName,
			Help:      "End time of a finished MLflow run in unix seconds.",
			Labels:    base,
			Value:     float64(run.EndTime.UnixMilli()) / 1000,
			Timestamp: b.opts.Now,
		})
	}
	if b.opts.ExportParams {
		for key, value := range run.Params {
			b.add(Sample{
				Name:      RunParamName,
				Help:      "Parameter of an MLflow run, always 1.",
				Labels:    withLabels(base, Label{LabelKey, key}, Label{LabelValue, value}),
				Value:     1,
				Timestamp: b.opts.Now,
			})
		}
	}
}

// add keeps the newest sample when two metric keys sanitize to the same series.
func (b *builder) add(s Sample) {
	k := s.key()
	if i, ok := b.byKey[k]; ok {
		if s.loggedAt.After(b.samples[i].loggedAt) {
			b.samples[i] = s
		}
		return
	}
	b.byKey[k] = len(b.samples)
	b.samples = append(b.samples, s)
}

func (b *builder) finish() {
	sort.Slice(b.samples, func(i, j int) bool {
		return lessSample(&b.samples[i], &b.samples[j])
	})

	out := b.samples[:0]
	metrics := make([]prometheus.Metric, 0, len(b.samples))
	descs := make(map[string]*prometheus.Desc)
	for _, s := range b.samples {
		names := make([]string, len(s.Labels))
		values := make([]string, len(s.Labels))
		for i, l := range s.Labels {
			names[i], values[i] = l.Name, l.Value
		}
		descKey := s.Name + "\x00" + strings.Join(names, "\x00")
		desc, ok := descs[descKey]
		if !ok {
			desc = prometheus.NewDesc(s.Name, s.Help, names, nil)
			descs[descKey] = desc
		}
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.Value, values...)
		if err != nil {
			b.result.dropped++
			continue
		}
		metrics = append(metrics, prometheus.NewMetricWithTimestamp(s.Timestamp, m))
		out = append(out, s)
	}
	b.result.samples = out
	b.result.metrics = metrics
}

func lessSample(a, b *Sample) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	for i := 0; i < len(a.Labels) && i < len(b.Labels); i++ {
		if a.Labels[i].Name != b.Labels[i].Name {
			return a.Labels[i].Name < b.Labels[i].Name
		}
		if a.Labels[i].Value != b.Labels[i].Value {
			return a.Labels[i].Value < b.Labels[i].Value
		}
	}
	return len(a.Labels) < len(b.Labels)
}

func withLabels(base []Label, extra ...Label) []Label {
	out := make([]Label, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isReserved(name string) bool {
	switch name {
	case RunInfoName, RunStartTimeName, RunEndTimeName, RunParamName:
		return true
	}
	return strings.HasPrefix(name, SelfMetricsPrefix)
}

// Store publishes the current snapshot to concurrent readers.
// The zero value holds no snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, or nil before the first Publish.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Ready reports whether a snapshot has ever been published.
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// Publish replaces the current snapshot and returns the previous one.
func (s *Store) Publish(snap *Snapshot) *Snapshot {
	if snap == nil {
		panic("snapshot: publish of nil snapshot")
	}
	return s.current.Swap(snap)
}

// Collector exposes the current snapshot of a Store to a prometheus registry.
// It is unchecked: series change with every snapshot.
type Collector struct {
	store *Store
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(store *Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Load()
	if snap == nil {
		return
	}
	for _, m := range snap.metrics {
		ch <- m
	}
}
