package pushgateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/masa23/mlflow-exporter/internal/exporter"
)

type PushgatewayExporterConfig struct {
	URL        string
	Job        string
	Instance   string
	SendBuffer int
	Timeout    time.Duration
}

// PushgatewayExporter replaces its grouping key on a Pushgateway with every
// snapshot. The Pushgateway rejects client timestamps, so none are sent.
type PushgatewayExporter struct {
	queue     *exporter.Queue
	done      chan struct{}
	config    *PushgatewayExporterConfig
	client    push.HTTPDoer
	isRunning atomic.Bool
}

var _ exporter.Exporter = (*PushgatewayExporter)(nil)

func NewPushgatewayExporter(config *PushgatewayExporterConfig) *PushgatewayExporter {
	return &PushgatewayExporter{
		queue:  exporter.NewQueue(config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (e *PushgatewayExporter) Export(ctx context.Context, metrics []*exporter.Metric) error {
	return e.queue.Offer(metrics)
}

func (e *PushgatewayExporter) Stop(ctx context.Context) error {
	e.queue.Close()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PushgatewayExporter) IsRunning() bool {
	return e.isRunning.Load()
}

func (e *PushgatewayExporter) Start(ctx context.Context) {
	ltsvlog.Logger.Debug().String("msg", "Starting PushgatewayExporter goroutine").Log()
	e.isRunning.Store(true)
	defer close(e.done)
	for {
		select {
		case metrics := <-e.queue.C():
			if err := e.send(ctx, metrics); err != nil {
				ltsvlog.Logger.Err(err)
			}
		case <-e.queue.Stopped():
			ltsvlog.Logger.Info().String("msg", "pushgateway exporter receive stop signal").Log()
			// only the newest batch matters, it replaces the whole group
			if pending := e.queue.Drain(); len(pending) > 0 {
				if err := e.send(context.Background(), pending[len(pending)-1]); err != nil {
					ltsvlog.Logger.Err(err)
				}
			}
			e.isRunning.Store(false)
			return
		}
	}
}

func (e *PushgatewayExporter) send(ctx context.Context, metrics []*exporter.Metric) error {
	ltsvlog.Logger.Debug().Fmt("msg", "Pushing %d metrics to Pushgateway", len(metrics)).Log()
	return push.New(e.config.URL, e.config.Job).
		Grouping("instance", e.config.Instance).
		Client(e.client).
		Collector(&batchCollector{metrics: metrics}).
		PushContext(ctx)
}

// batchCollector exposes one batch as untimestamped gauges.
type batchCollector struct {
	metrics []*exporter.Metric
}

func (c *batchCollector) Describe(ch chan<- *prometheus.Desc) {}

func (c *batchCollector) Collect(ch chan<- prometheus.Metric) {
	descs := make(map[string]*prometheus.Desc)
	for _, m := range c.metrics {
		names := make([]string, len(m.Labels))
		values := make([]string, len(m.Labels))
		for i, l := range m.Labels {
			names[i], values[i] = l.Name, l.Value
		}
		key := m.Name
		for _, n := range names {
			key += "\x00" + n
		}
		desc, ok := descs[key]
		if !ok {
			desc = prometheus.NewDesc(m.Name, "MLflow run series "+m.Name, names, nil)
			descs[key] = desc
		}
		pm, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, m.Value, values...)
		if err != nil {
			continue
		}
		ch <- pm
	}
}
