package otlpgrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/mlflow-exporter/internal/exporter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const scopeName = "github.com/masa23/mlflow-exporter"

type metricExporter interface {
	Export(ctx context.Context, rm *metricdata.ResourceMetrics) error
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type OtlpGrpcExporter struct {
	queue        *exporter.Queue
	done         chan struct{}
	config       *OtlpGrpcExporterConfig
	otlpExporter metricExporter
	res          *resource.Resource
	isRunning    atomic.Bool
}

var _ exporter.Exporter = (*OtlpGrpcExporter)(nil)

type OtlpGrpcExporterConfig struct {
	URL                string
	TLS                *OtlpGrpcExporterConfigTLS
	SendBuffer         int
	MaxRetryCount      int
	RetryWait          time.Duration
	ResourceAttributes map[string]string
}

type OtlpGrpcExporterConfigTLS struct {
	Insecure          bool
	CACertPool        *x509.CertPool
	ClientCertificate *tls.Certificate
}

// Credentials builds gRPC transport credentials from the TLS settings.
func (c *OtlpGrpcExporterConfigTLS) Credentials() credentials.TransportCredentials {
	if c == nil || c.Insecure {
		return insecure.NewCredentials()
	}
	certificates := []tls.Certificate{}
	if c.ClientCertificate != nil {
		certificates = append(certificates, *c.ClientCertificate)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: certificates,
		RootCAs:      c.CACertPool,
	})
}

func NewOtlpGrpcExporter(ctx context.Context, config *OtlpGrpcExporterConfig) (*OtlpGrpcExporter, error) {
	conn, err := grpc.NewClient(config.URL,
		grpc.WithDefaultServiceConfig(`{"loadBalancingConfig": [{"round_robin":{}}]}`),
		grpc.WithTransportCredentials(config.TLS.Credentials()),
	)
	if err != nil {
		return nil, err
	}
	otlpExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	attributes := []attribute.KeyValue{}
	for k, v := range config.ResourceAttributes {
		attributes = append(attributes, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attributes...))
	if err != nil {
		return nil, err
	}
	return newOtlpGrpcExporter(config, otlpExporter, res), nil
}

func newOtlpGrpcExporter(config *OtlpGrpcExporterConfig, me metricExporter, res *resource.Resource) *OtlpGrpcExporter {
	return &OtlpGrpcExporter{
		queue:        exporter.NewQueue(config.SendBuffer),
		done:         make(chan struct{}),
		config:       config,
		otlpExporter: me,
		res:          res,
	}
}

func (e *OtlpGrpcExporter) Export(ctx context.Context, metrics []*exporter.Metric) error {
	return e.queue.Offer(metrics)
}

func (e *OtlpGrpcExporter) Stop(ctx context.Context) error {
	e.queue.Close()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *OtlpGrpcExporter) IsRunning() bool {
	return e.isRunning.Load()
}

func (e *OtlpGrpcExporter) Start(ctx context.Context) {
	ltsvlog.Logger.Debug().String("msg", "Starting OtlpGrpcExporter goroutine").Log()
	e.isRunning.Store(true)
	defer close(e.done)
	for {
		select {
		case metrics := <-e.queue.C():
			if err := e.send(ctx, metrics); err != nil {
				ltsvlog.Logger.Err(err)
			}
		case <-e.queue.Stopped():
			// ctx may already be cancelled during shutdown
			stopCtx := context.Background()

			ltsvlog.Logger.Info().String("msg", "otlpgrpc exporter receive stop signal").Log()
			for _, metrics := range e.queue.Drain() {
				ltsvlog.Logger.Info().String("msg", "otlpgrpc exporter send remaining metrics").Log()
				if err := e.send(stopCtx, metrics); err != nil {
					ltsvlog.Logger.Err(err)
				}
			}

			if err := e.otlpExporter.ForceFlush(stopCtx); err != nil {
				ltsvlog.Logger.Err(err)
			}
			if err := e.otlpExporter.Shutdown(stopCtx); err != nil {
				ltsvlog.Logger.Err(err)
			}
			e.isRunning.Store(false)
			return
		}
	}
}

func (e *OtlpGrpcExporter) send(ctx context.Context, metrics []*exporter.Metric) error {
	otlpMetrics := e.convertOtlpMetrics(metrics)
	if len(otlpMetrics) == 0 {
		return nil
	}
	ltsvlog.Logger.Debug().Fmt("msg", "Sending %d metrics to otlpgrpc", len(metrics)).Log()
	retryCount := 0
	for ; retryCount < e.config.MaxRetryCount; retryCount++ {
		err := e.otlpExporter.Export(ctx, &metricdata.ResourceMetrics{
			Resource: e.res,
			ScopeMetrics: []metricdata.ScopeMetrics{{
				Scope:   instrumentation.Scope{Name: scopeName},
				Metrics: otlpMetrics,
			}},
		})
		if err == nil {
			return nil
		}
		ltsvlog.Logger.Info().Fmt("msg", "failed to otlpExporter.Export err=%s", err.Error()).
			Int("retryCount", retryCount).Log()
		time.Sleep(e.config.RetryWait)
	}
	return fmt.Errorf("failed to send otlpgrpc, retry %d", retryCount)
}

// convertOtlpMetrics groups samples by name into one gauge per metric,
// labels become data point attributes.
func (e *OtlpGrpcExporter) convertOtlpMetrics(metrics []*exporter.Metric) []metricdata.Metrics {
	index := make(map[string]int)
	var points [][]metricdata.DataPoint[float64]
	var names []string
	for _, m := range metrics {
		attrs := make([]attribute.KeyValue, 0, len(m.Labels))
		for _, l := range m.Labels {
			attrs = append(attrs, attribute.String(l.Name, l.Value))
		}
		i, ok := index[m.Name]
		if !ok {
			i = len(names)
			index[m.Name] = i
			names = append(names, m.Name)
			points = append(points, nil)
		}
		points[i] = append(points[i], metricdata.DataPoint[float64]{
			Attributes: attribute.NewSet(attrs...),
			Time:       m.Timestamp,
			Value:      m.Value,
		})
	}

	ometrics := make([]metricdata.Metrics, 0, len(names))
	for i, name := range names {
		ometrics = append(ometrics, metricdata.Metrics{
			Name: name,
			Data: metricdata.Gauge[float64]{DataPoints: points[i]},
		})
	}
	return ometrics
}
