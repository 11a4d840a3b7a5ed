// Package poller keeps the published snapshot in step with the MLflow
// tracking store.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/exporter"
	"github.com/masa23/mlflow-exporter/internal/mlflow"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

// Source is the read side of the tracking store.
type Source interface {
	SearchExperiments(ctx context.Context) ([]mlflowexporter.Experiment, []*mlflowexporter.RecordError, error)
	SearchRuns(ctx context.Context, experimentIDs []string, filter string) (mlflow.RunsResult, error)
}

var _ Source = (*mlflow.Client)(nil)

type Config struct {
	Interval time.Duration
	// Lookback bounds the cold start scan and how long finished runs stay exported.
	Lookback time.Duration
	// ExperimentNames restricts polling to these experiments when not empty.
	ExperimentNames []string
	Prefix          string
	ExportParams    bool
}

type Poller struct {
	source  Source
	store   *snapshot.Store
	sinks   []exporter.Exporter
	metrics *Metrics
	config  Config
	now     func() time.Time

	running atomic.Bool

	// poll cycle state, written only by the refresh holding running
	runs        map[string]mlflowexporter.Run
	lastSuccess time.Time
}

func New(source Source, store *snapshot.Store, metrics *Metrics, config Config, sinks ...exporter.Exporter) *Poller {
	if config.Interval <= 0 {
		config.Interval = mlflowexporter.DefaultPollIntervalSeconds * time.Second
	}
	if config.Lookback <= 0 {
		config.Lookback = mlflowexporter.DefaultLookbackWindow
	}
	return &Poller{
		source:  source,
		store:   store,
		sinks:   sinks,
		metrics: metrics,
		config:  config,
		now:     time.Now,
		runs:    make(map[string]mlflowexporter.Run),
	}
}

// Run polls once immediately, then on every interval boundary until ctx is
// cancelled. It returns after the in-flight refresh, if any, has finished.
func (p *Poller) Run(ctx context.Context) {
	ltsvlog.Logger.Info().String("msg", "poller started").Fmt("interval", "%s", p.config.Interval).
		Fmt("lookback", "%s", p.config.Lookback).Log()

	var wg sync.WaitGroup
	defer wg.Wait()

	p.tick(ctx, &wg)
	// the cold start may take a while, keep the first boundary a full interval away
	timer := time.NewTimer(p.untilNextTick(p.config.Interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			ltsvlog.Logger.Info().String("msg", "poller stopping").Log()
			return
		case <-timer.C:
			p.tick(ctx, &wg)
			timer.Reset(p.untilNextTick(0))
		}
	}
}

// untilNextTick returns the wait until the first interval boundary later than
// now+atLeast.
func (p *Poller) untilNextTick(atLeast time.Duration) time.Duration {
	now := p.now()
	return now.Add(atLeast).Truncate(p.config.Interval).Add(p.config.Interval).Sub(now)
}

// tick starts a refresh in the background unless one is still running.
func (p *Poller) tick(ctx context.Context, wg *sync.WaitGroup) {
	if !p.running.CompareAndSwap(false, true) {
		p.skip()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.running.Store(false)
		p.refresh(ctx)
	}()
}

func (p *Poller) skip() {
	p.metrics.SkippedPollsTotal.Inc()
	ltsvlog.Logger.Info().String("msg", "previous poll still running, skipping tick").Log()
}

// Refresh polls the tracking store once and publishes a new snapshot on
// success. Failures are logged and counted, the previous snapshot stays in
// place. It reports whether a snapshot was published; a call made while
// another refresh is running is skipped.
func (p *Poller) Refresh(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.skip()
		return false
	}
	defer p.running.Store(false)
	return p.refresh(ctx)
}

func (p *Poller) refresh(ctx context.Context) bool {
	start := p.now()
	err := p.poll(ctx, start)
	elapsed := p.now().Sub(start)
	p.metrics.PollDuration.Observe(elapsed.Seconds())
	if err != nil {
		p.metrics.PollsTotal.WithLabelValues("failure").Inc()
		p.metrics.PollErrorsTotal.Inc()
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("poll failed, serving previous snapshot err=%+v", err)))
		return false
	}
	p.metrics.PollsTotal.WithLabelValues("success").Inc()
	return true
}

func (p *Poller) poll(ctx context.Context, start time.Time) error {
	exps, badExps, err := p.source.SearchExperiments(ctx)
	if err != nil {
		return fmt.Errorf("search experiments: %w", err)
	}
	malformed := p.logMalformed("experiment", badExps)

	names := make(map[string]string, len(exps))
	ids := make([]string, 0, len(exps))
	for _, e := range exps {
		if !p.wantExperiment(e.Name) {
			continue
		}
		names[e.ID] = e.Name
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	cold := p.lastSuccess.IsZero()
	var (
		fetched []mlflowexporter.Run
		badRuns []*mlflowexporter.RecordError
	)
	for _, filter := range p.filters(start, cold) {
		res, err := p.source.SearchRuns(ctx, ids, filter)
		if err != nil {
			return fmt.Errorf("search runs filter=%q: %w", filter, err)
		}
		fetched = append(fetched, res.Runs...)
		badRuns = append(badRuns, res.Malformed...)
	}
	malformed += p.logMalformed("run", uniqueRecordErrors(badRuns))

	next := p.merge(fetched, names, start, cold)
	runs := make([]mlflowexporter.Run, 0, len(next))
	for _, r := range next {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })

	snap := snapshot.Build(runs, names, snapshot.Options{
		Prefix:       p.config.Prefix,
		ExportParams: p.config.ExportParams,
		Now:          start,
	})
	p.store.Publish(snap)
	p.runs = next
	p.lastSuccess = start

	p.metrics.MalformedRecordsTotal.Add(float64(malformed))
	p.metrics.LastSuccessfulPoll.Set(float64(start.UnixMilli()) / 1000)
	p.metrics.SnapshotSamples.Set(float64(snap.Len()))
	p.metrics.SnapshotDropped.Set(float64(snap.Dropped()))
	p.metrics.TrackedRuns.Set(float64(snap.Runs()))
	ltsvlog.Logger.Info().String("msg", "snapshot published").Int("runs", snap.Runs()).
		Int("samples", snap.Len()).Int("malformed", malformed).Fmt("cold", "%t", cold).Log()

	p.forward(ctx, snap)
	return nil
}

// filters returns the runs/search filters of one cycle. Active runs are always
// fetched. A cold start adds every run started inside the lookback window, later
// cycles add runs that ended since the previous successful poll, with one
// interval of slack for clock skew.
func (p *Poller) filters(start time.Time, cold bool) []string {
	active := fmt.Sprintf("attributes.status = '%s'", mlflowexporter.RunStatusRunning)
	if cold {
		return []string{
			active,
			fmt.Sprintf("attributes.start_time >= %d", start.Add(-p.config.Lookback).UnixMilli()),
		}
	}
	return []string{
		active,
		fmt.Sprintf("attributes.end_time >= %d", p.lastSuccess.Add(-p.config.Interval).UnixMilli()),
	}
}

// merge folds fetched runs into the previous cycle's runs.
func (p *Poller) merge(fetched []mlflowexporter.Run, names map[string]string, start time.Time, cold bool) map[string]mlflowexporter.Run {
	next := make(map[string]mlflowexporter.Run, len(p.runs)+len(fetched))
	seen := make(map[string]bool, len(fetched))
	for _, r := range fetched {
		seen[r.ID] = true
		next[r.ID] = r
	}
	if cold {
		return next
	}

	cutoff := start.Add(-p.config.Lookback)
	for id, r := range p.runs {
		if seen[id] {
			continue
		}
		if _, ok := names[r.ExperimentID]; !ok && r.ExperimentID != "" {
			continue
		}
		// an active run missing from both queries was deleted
		if !r.Status.IsTerminal() {
			continue
		}
		last := r.EndTime
		if last.IsZero() {
			last = r.StartTime
		}
		if !last.IsZero() && last.Before(cutoff) {
			continue
		}
		next[id] = r
	}
	return next
}

func (p *Poller) wantExperiment(name string) bool {
	if len(p.config.ExperimentNames) == 0 {
		return true
	}
	for _, n := range p.config.ExperimentNames {
		if n == name {
			return true
		}
	}
	return false
}

func (p *Poller) logMalformed(kind string, errs []*mlflowexporter.RecordError) int {
	for _, e := range errs {
		ltsvlog.Logger.Info().String("msg", "skipping malformed record").String("kind", kind).
			String("err", e.Error()).Log()
	}
	return len(errs)
}

// uniqueRecordErrors drops repeats of a record returned by more than one
// query of the same cycle. Records without an id are kept.
func uniqueRecordErrors(errs []*mlflowexporter.RecordError) []*mlflowexporter.RecordError {
	seen := make(map[string]bool, len(errs))
	out := errs[:0:0]
	for _, e := range errs {
		if e.ID != "" {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
		}
		out = append(out, e)
	}
	return out
}

func (p *Poller) forward(ctx context.Context, snap *snapshot.Snapshot) {
	if len(p.sinks) == 0 {
		return
	}
	metrics := exporter.FromSnapshot(snap)
	for _, s := range p.sinks {
		if err := s.Export(ctx, metrics); err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("forward snapshot err=%+v", err)))
		}
	}
}
