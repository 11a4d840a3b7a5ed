package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/exporter/otlpgrpc"
)

// loadTLS reads the certificate files named in c.
func loadTLS(c mlflowexporter.ConfigTLS) (*otlpgrpc.OtlpGrpcExporterConfigTLS, error) {
	if c.Insecure {
		return &otlpgrpc.OtlpGrpcExporterConfigTLS{Insecure: true}, nil
	}
	conf := &otlpgrpc.OtlpGrpcExporterConfigTLS{}
	if c.CACertificate != "" {
		caPem, err := os.ReadFile(c.CACertificate)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to read CA Certificate %s err=%+v", c.CACertificate, err))
		}
		conf.CACertPool = x509.NewCertPool()
		if !conf.CACertPool.AppendCertsFromPEM(caPem) {
			return nil, errors.New("failed to load ca certificate")
		}
	}
	if c.ClientCertificate != "" && c.ClientCertificateKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertificate, c.ClientCertificateKey)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to LoadX509KeyPair cert=%s key=%s err=%+v",
				c.ClientCertificate,
				c.ClientCertificateKey,
				err,
			))
		}
		conf.ClientCertificate = &cert
	}
	return conf, nil
}

// initOtelMetrics ships the exporter's own Go runtime metrics over OTLP gRPC.
func initOtelMetrics(ctx context.Context, conf mlflowexporter.ConfigTelemetry) (shutdown func(ctx context.Context) error, err error) {
	tlsConf, err := loadTLS(conf.TLS)
	if err != nil {
		return nil, err
	}

	instanceID, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithContainer(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("mlflow-exporter"),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(instanceID.String()),
		),
	)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(conf.URL,
		grpc.WithDefaultServiceConfig(`{"loadBalancingConfig": [{"round_robin":{}}]}`),
		grpc.WithTransportCredentials(tlsConf.Credentials()),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		if err := mp.Shutdown(ctx); err != nil {
			ltsvlog.Logger.Err(err)
		}
		return nil, err
	}
	ltsvlog.Logger.Info().String("msg", "self telemetry enabled").String("url", conf.URL).
		String("service.instance.id", instanceID.String()).Log()
	return func(ctx context.Context) error {
		err := mp.Shutdown(ctx)
		conn.Close()
		return err
	}, nil
}
