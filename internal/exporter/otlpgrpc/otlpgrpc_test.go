package otlpgrpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/masa23/mlflow-exporter/internal/exporter"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

type fakeExporter struct {
	mu       sync.Mutex
	fail     int
	exported []*metricdata.ResourceMetrics
	shutdown bool
}

func (f *fakeExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("unavailable")
	}
	f.exported = append(f.exported, rm)
	return nil
}

func (f *fakeExporter) ForceFlush(ctx context.Context) error { return nil }

func (f *fakeExporter) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func metric(name, runID string, v float64) *exporter.Metric {
	return &exporter.Metric{
		Timestamp: time.Unix(1700000050, 0),
		Name:      name,
		Labels:    []snapshot.Label{{Name: snapshot.LabelRunID, Value: runID}},
		Value:     v,
	}
}

func TestConvertOtlpMetricsGroupsByName(t *testing.T) {
	e := newOtlpGrpcExporter(&OtlpGrpcExporterConfig{}, &fakeExporter{}, resource.Empty())
	got := e.convertOtlpMetrics([]*exporter.Metric{
		metric("token_cost_usd", "r1", 0.42),
		metric("tests_generated", "r1", 7),
		metric("token_cost_usd", "r2", 0.1),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "token_cost_usd", got[0].Name)
	gauge, ok := got[0].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 2)
	v, ok := gauge.DataPoints[1].Attributes.Value(attribute.Key(snapshot.LabelRunID))
	require.True(t, ok)
	assert.Equal(t, "r2", v.AsString())
	assert.Equal(t, 0.1, gauge.DataPoints[1].Value)
}

func TestSendRetriesThenFails(t *testing.T) {
	fe := &fakeExporter{fail: 1}
	e := newOtlpGrpcExporter(&OtlpGrpcExporterConfig{MaxRetryCount: 2}, fe, resource.Empty())
	require.NoError(t, e.send(context.Background(), []*exporter.Metric{metric("a", "r1", 1)}))
	assert.Len(t, fe.exported, 1)

	fe.fail = 2
	assert.Error(t, e.send(context.Background(), []*exporter.Metric{metric("a", "r1", 1)}))
}

func TestStopShutsDownExporter(t *testing.T) {
	fe := &fakeExporter{}
	e := newOtlpGrpcExporter(&OtlpGrpcExporterConfig{SendBuffer: 1, MaxRetryCount: 1}, fe, resource.Empty())
	require.NoError(t, e.Export(context.Background(), []*exporter.Metric{metric("a", "r1", 1)}))
	go e.Start(context.Background())
	require.NoError(t, e.Stop(context.Background()))

	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.True(t, fe.shutdown)
	assert.Len(t, fe.exported, 1)
}
