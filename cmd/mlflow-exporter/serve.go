package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/exporter"
	"github.com/masa23/mlflow-exporter/internal/exporter/graphite"
	"github.com/masa23/mlflow-exporter/internal/exporter/otlpgrpc"
	"github.com/masa23/mlflow-exporter/internal/exporter/pushgateway"
	"github.com/masa23/mlflow-exporter/internal/mlflow"
	"github.com/masa23/mlflow-exporter/internal/poller"
	"github.com/masa23/mlflow-exporter/internal/server"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

// sink is a forwarding exporter with its own send goroutine.
type sink interface {
	exporter.Exporter
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

func runServe(ctx context.Context, configFile string) error {
	conf, err := mlflowexporter.ConfigLoad(configFile)
	if err != nil {
		return err
	}
	logFile, err := openLogger(conf)
	if err != nil {
		return err
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()
	ltsvlog.Logger.Info().Fmt("msg", "start mlflow-exporter pid=%d", os.Getpid()).String("version", version).
		String("tracking_store_url", conf.TrackingStoreURL).Log()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Telemetry.URL != "" {
		shutdown, err := initOtelMetrics(ctx, conf.Telemetry)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				ltsvlog.Logger.Err(err)
			}
		}()
	}

	sinks, err := newSinks(ctx, &conf)
	if err != nil {
		return err
	}
	for _, s := range sinks {
		go s.Start(context.Background())
	}
	defer stopSinks(sinks)

	client := mlflow.New(conf.TrackingStoreURL, mlflow.Options{
		Timeout:           conf.RequestTimeout,
		RequestsPerSecond: conf.RequestsPerSecond,
		PageSize:          conf.PageSize,
	})
	store := &snapshot.Store{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(snapshot.NewCollector(store))
	forward := make([]exporter.Exporter, len(sinks))
	for i, s := range sinks {
		forward[i] = s
	}
	p := poller.New(client, store, poller.NewMetrics(reg), poller.Config{
		Interval:        conf.PollInterval(),
		Lookback:        conf.LookbackWindow,
		ExperimentNames: conf.ExperimentNames,
		Prefix:          conf.MetricPrefix,
		ExportParams:    conf.ExportParams,
	}, forward...)
	srv := server.New(conf.ListenAddr(), store, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.Run(gctx)
		return nil
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		reopenLogOnHUP(gctx, configFile, &logFile)
		return nil
	})
	err = g.Wait()
	ltsvlog.Logger.Info().String("msg", "stop mlflow-exporter").Log()
	return err
}

func newSinks(ctx context.Context, conf *mlflowexporter.Config) ([]sink, error) {
	var sinks []sink
	if c := conf.Exporters.Graphite; c != nil {
		e, err := graphite.NewGraphiteExporter(&graphite.GraphiteExporterConfig{
			Prefix:        c.Prefix,
			Host:          c.Host,
			Port:          c.Port,
			SendBuffer:    c.SendBuffer,
			MaxRetryCount: c.MaxRetryCount,
			RetryWait:     c.RetryWait,
		})
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("graphite connection error host=%s port=%d err=%+v", c.Host, c.Port, err))
		}
		sinks = append(sinks, e)
	}
	if c := conf.Exporters.OtlpGrpc; c != nil {
		tlsConf, err := loadTLS(c.TLS)
		if err != nil {
			return nil, err
		}
		e, err := otlpgrpc.NewOtlpGrpcExporter(ctx, &otlpgrpc.OtlpGrpcExporterConfig{
			URL:                c.URL,
			TLS:                tlsConf,
			SendBuffer:         c.SendBuffer,
			MaxRetryCount:      c.MaxRetryCount,
			RetryWait:          c.RetryWait,
			ResourceAttributes: c.ResourceAttributes,
		})
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("otlp grpc exporter url=%s err=%+v", c.URL, err))
		}
		sinks = append(sinks, e)
	}
	if c := conf.Exporters.Pushgateway; c != nil {
		sinks = append(sinks, pushgateway.NewPushgatewayExporter(&pushgateway.PushgatewayExporterConfig{
			URL:        c.URL,
			Job:        c.Job,
			Instance:   c.Instance,
			SendBuffer: c.SendBuffer,
			Timeout:    c.Timeout,
		}))
	}
	return sinks, nil
}

func stopSinks(sinks []sink) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Stop(ctx); err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("stop exporter err=%+v", err)))
		}
	}
}

// logOutput is the destination of ltsvlog.Logger. SIGHUP swaps what it writes
// to, the logger itself is set once.
var logOutput = &logWriter{w: os.Stdout}

type logWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *logWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// swap returns the previous writer, which no Write uses any more.
func (l *logWriter) swap(w io.Writer) io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.w
	l.w = w
	return old
}

// openLogger points ltsvlog.Logger at log_file, or stdout when unset. The
// returned file is nil for stdout.
func openLogger(conf mlflowexporter.Config) (*os.File, error) {
	f, err := reopenLog(conf)
	if err != nil {
		return nil, err
	}
	ltsvlog.Logger = ltsvlog.NewLTSVLogger(logOutput, conf.Debug)
	return f, nil
}

// reopenLog switches logOutput to a freshly opened log_file.
func reopenLog(conf mlflowexporter.Config) (*os.File, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if conf.LogFile != "" {
		var err error
		f, err = os.OpenFile(conf.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("open log file %s err=%+v", conf.LogFile, err))
		}
		w = f
	}
	logOutput.swap(w)
	return f, nil
}

// reopenLogOnHUP reopens the log destination on SIGHUP so rotated files are
// released. Other settings need a restart.
func reopenLogOnHUP(ctx context.Context, configFile string, logFile **os.File) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		newConf, err := mlflowexporter.ConfigLoad(configFile)
		if err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("reload error err=%+v", err)))
			continue
		}
		old := *logFile
		f, err := reopenLog(newConf)
		if err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("log file reopen failed err=%+v", err)))
			continue
		}
		*logFile = f
		if old != nil {
			old.Close()
		}
		ltsvlog.Logger.Info().String("msg", "reopened log").Log()
	}
}
