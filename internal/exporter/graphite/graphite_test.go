package graphite

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/marpaia/graphite-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masa23/mlflow-exporter/internal/exporter"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

type fakeClient struct {
	mu        sync.Mutex
	failSends int
	sent      [][]graphite.Metric
	connects  int
	closed    bool
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) SendMetrics(metrics []graphite.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, metrics)
	return nil
}

var ts = time.Unix(1700000050, 0)

func runMetric(name string, v float64) *exporter.Metric {
	return &exporter.Metric{
		Timestamp: ts,
		Name:      name,
		Labels: []snapshot.Label{
			{Name: snapshot.LabelExperiment, Value: "test.generator"},
			{Name: snapshot.LabelRunID, Value: "r1"},
		},
		Value: v,
	}
}

func TestConvertGraphiteMetrics(t *testing.T) {
	e := newGraphiteExporter(&GraphiteExporterConfig{Prefix: "mlflow"}, &fakeClient{})
	got := e.convertGraphiteMetrics([]*exporter.Metric{
		runMetric("token_cost_usd", 0.0042),
		runMetric(snapshot.RunInfoName, 1),
		runMetric("loss", math.NaN()),
	})
	require.Len(t, got, 1)
	assert.Equal(t, graphite.Metric{
		Name:      "mlflow.test_generator.r1.token_cost_usd",
		Value:     "0.0042",
		Timestamp: ts.Unix(),
	}, got[0])
}

func TestSendRetries(t *testing.T) {
	fc := &fakeClient{failSends: 1}
	e := newGraphiteExporter(&GraphiteExporterConfig{MaxRetryCount: 3}, fc)
	require.NoError(t, e.send([]*exporter.Metric{runMetric("tests_generated", 7)}))
	assert.Equal(t, 1, fc.connects)
	require.Len(t, fc.sent, 1)

	fc.failSends = 5
	assert.Error(t, e.send([]*exporter.Metric{runMetric("tests_generated", 7)}))
}

func TestStartStopFlushes(t *testing.T) {
	fc := &fakeClient{}
	e := newGraphiteExporter(&GraphiteExporterConfig{SendBuffer: 2, MaxRetryCount: 1}, fc)
	require.NoError(t, e.Export(context.Background(), []*exporter.Metric{runMetric("a", 1)}))

	go e.Start(context.Background())
	require.NoError(t, e.Stop(context.Background()))
	assert.False(t, e.IsRunning())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.True(t, fc.closed)
	assert.Len(t, fc.sent, 1)
	assert.ErrorIs(t, e.Export(context.Background(), nil), exporter.ErrStopped)
}

func TestExportDoesNotBlock(t *testing.T) {
	e := newGraphiteExporter(&GraphiteExporterConfig{SendBuffer: 1}, &fakeClient{})
	require.NoError(t, e.Export(context.Background(), nil))
	assert.ErrorIs(t, e.Export(context.Background(), nil), exporter.ErrBufferFull)
}
