package graphite

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/marpaia/graphite-golang"
	"github.com/masa23/mlflow-exporter/internal/exporter"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

type client interface {
	Connect() error
	Disconnect() error
	SendMetrics(metrics []graphite.Metric) error
}

type GraphiteExporter struct {
	queue     *exporter.Queue
	done      chan struct{}
	config    *GraphiteExporterConfig
	g         client
	isRunning atomic.Bool
}

var _ exporter.Exporter = (*GraphiteExporter)(nil)

type GraphiteExporterConfig struct {
	Prefix        string
	Host          string
	Port          int
	SendBuffer    int
	MaxRetryCount int
	RetryWait     time.Duration
}

func NewGraphiteExporter(config *GraphiteExporterConfig) (*GraphiteExporter, error) {
	g, err := graphite.NewGraphite(config.Host, config.Port)
	if err != nil {
		return nil, err
	}
	return newGraphiteExporter(config, g), nil
}

func newGraphiteExporter(config *GraphiteExporterConfig, g client) *GraphiteExporter {
	return &GraphiteExporter{
		queue:  exporter.NewQueue(config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
		g:      g,
	}
}

func (e *GraphiteExporter) Export(ctx context.Context, metrics []*exporter.Metric) error {
	return e.queue.Offer(metrics)
}

// Stop flushes buffered batches and disconnects. It waits for Start to return
// or for ctx to expire.
func (e *GraphiteExporter) Stop(ctx context.Context) error {
	e.queue.Close()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *GraphiteExporter) IsRunning() bool {
	return e.isRunning.Load()
}

func (e *GraphiteExporter) Start(ctx context.Context) {
	ltsvlog.Logger.Debug().String("msg", "Starting GraphiteExporter goroutine").Log()
	e.isRunning.Store(true)
	defer close(e.done)
	for {
		select {
		case metrics := <-e.queue.C():
			if err := e.send(metrics); err != nil {
				ltsvlog.Logger.Err(err)
			}
		case <-e.queue.Stopped():
			ltsvlog.Logger.Info().String("msg", "graphite exporter receive stop signal").Log()
			for _, metrics := range e.queue.Drain() {
				ltsvlog.Logger.Info().String("msg", "graphite exporter send remaining metrics").Log()
				if err := e.send(metrics); err != nil {
					ltsvlog.Logger.Err(err)
				}
			}
			_ = e.g.Disconnect()
			e.isRunning.Store(false)
			ltsvlog.Logger.Info().String("msg", "graphite exporter stopped").Log()
			return
		}
	}
}

func (e *GraphiteExporter) send(metrics []*exporter.Metric) error {
	graphiteMetrics := e.convertGraphiteMetrics(metrics)
	if len(graphiteMetrics) == 0 {
		return nil
	}
	ltsvlog.Logger.Debug().Fmt("msg", "Sending %d metrics to Graphite", len(graphiteMetrics)).Log()
	retryCount := 0
	for ; retryCount < e.config.MaxRetryCount; retryCount++ {
		// reconnect before every retry
		if retryCount >= 1 {
			if err := e.g.Connect(); err != nil {
				ltsvlog.Logger.Info().Fmt("msg", "failed to connect graphite err=%s", err.Error()).
					Int("retryCount", retryCount).Log()
				time.Sleep(e.config.RetryWait)
				continue
			}
		}
		err := e.g.SendMetrics(graphiteMetrics)
		if err == nil {
			return nil
		}
		ltsvlog.Logger.Info().Fmt("msg", "failed to graphite.SendMetrics err=%s", err.Error()).
			Int("retryCount", retryCount).Log()
		time.Sleep(e.config.RetryWait)
	}
	return fmt.Errorf("failed to send graphite, retry %d", retryCount)
}

// convertGraphiteMetrics maps each run series to prefix.experiment.run_id.metric.
// Info and param series carry no numeric meaning in Graphite and are skipped.
func (e *GraphiteExporter) convertGraphiteMetrics(metrics []*exporter.Metric) []graphite.Metric {
	gmetrics := make([]graphite.Metric, 0, len(metrics))
	for _, m := range metrics {
		if m.Name == snapshot.RunInfoName || m.Name == snapshot.RunParamName {
			continue
		}
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			continue
		}
		parts := make([]string, 0, 4)
		if e.config.Prefix != "" {
			parts = append(parts, e.config.Prefix)
		}
		parts = append(parts,
			pathElement(m.LabelValue(snapshot.LabelExperiment)),
			pathElement(m.LabelValue(snapshot.LabelRunID)),
			m.Name,
		)
		gmetrics = append(gmetrics, graphite.Metric{
			Name:      strings.Join(parts, "."),
			Value:     strconv.FormatFloat(m.Value, 'f', -1, 64),
			Timestamp: m.Timestamp.Unix(),
		})
	}
	return gmetrics
}

func pathElement(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '/', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
