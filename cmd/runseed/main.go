// Command runseed writes synthetic test generation runs to an MLflow tracking
// server at a fixed rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"golang.org/x/time/rate"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/mlflow"
)

// price per token of the synthetic model
const (
	promptTokenCost     = 0.15 / 1e6
	completionTokenCost = 0.60 / 1e6
)

type tracker interface {
	GetExperimentByName(ctx context.Context, name string) (mlflowexporter.Experiment, error)
	CreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (mlflowexporter.Run, error)
	LogBatch(ctx context.Context, runID string, metrics map[string]float64, params map[string]string, ts time.Time) error
	UpdateRun(ctx context.Context, runID string, status mlflowexporter.RunStatus, end time.Time) error
}

type options struct {
	experiment  string
	duration    time.Duration
	runsPerSec  float64
	failRatio   float64
	leaveActive float64
}

func main() {
	uri := flag.String("tracking-uri", os.Getenv(mlflowexporter.EnvTrackingURI), "MLflow tracking server URL")
	experiment := flag.String("experiment", "test-generator", "experiment name, created when missing")
	duration := flag.String("duration", "1m", "duration")
	runsPerSec := flag.Float64("runs-per-sec", 1, "runs created per second")
	failRatio := flag.Float64("fail-ratio", 0.1, "share of runs ending FAILED")
	leaveActive := flag.Float64("running-ratio", 0.05, "share of runs left RUNNING")
	debug := flag.Bool("debug", false, "debug log")
	flag.Parse()

	ltsvlog.Logger = ltsvlog.NewLTSVLogger(os.Stdout, *debug)
	if *uri == "" {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("tracking uri is required")))
		os.Exit(2)
	}
	d, err := time.ParseDuration(*duration)
	if err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("invalid duration %q err=%+v", *duration, err)))
		os.Exit(2)
	}

	client := mlflow.New(*uri, mlflow.Options{Timeout: mlflowexporter.DefaultRequestTimeout})
	n, err := run(context.Background(), client, rand.New(rand.NewSource(time.Now().UnixNano())), options{
		experiment:  *experiment,
		duration:    d,
		runsPerSec:  *runsPerSec,
		failRatio:   *failRatio,
		leaveActive: *leaveActive,
	})
	if err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("seeding failed after %d runs err=%+v", n, err)))
		os.Exit(1)
	}
	ltsvlog.Logger.Info().String("msg", "seeding finished").Int("runs", n).Log()
}

// run creates runs until opts.duration has passed and returns how many it created.
func run(ctx context.Context, t tracker, rnd *rand.Rand, opts options) (int, error) {
	expID, err := ensureExperiment(ctx, t, opts.experiment)
	if err != nil {
		return 0, err
	}

	limiter := rate.NewLimiter(rate.Limit(opts.runsPerSec), 1)
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	n := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			if _, ok := ctx.Deadline(); ok {
				return n, nil
			}
			return n, err
		}
		r := newSeedRun(rnd, opts)
		if err := r.write(ctx, t, expID, n); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func ensureExperiment(ctx context.Context, t tracker, name string) (string, error) {
	exp, err := t.GetExperimentByName(ctx, name)
	if err == nil {
		return exp.ID, nil
	}
	if !errors.Is(err, mlflow.ErrNotFound) {
		return "", err
	}
	id, err := t.CreateExperiment(ctx, name)
	if err != nil {
		return "", err
	}
	ltsvlog.Logger.Info().String("msg", "created experiment").String("name", name).String("id", id).Log()
	return id, nil
}

type seedRun struct {
	metrics map[string]float64
	params  map[string]string
	status  mlflowexporter.RunStatus
	elapsed time.Duration
}

func newSeedRun(rnd *rand.Rand, opts options) *seedRun {
	generated := 1 + rnd.Intn(10)
	failed := 0
	status := mlflowexporter.RunStatusFinished
	switch p := rnd.Float64(); {
	case p < opts.leaveActive:
		status = mlflowexporter.RunStatusRunning
	case p < opts.leaveActive+opts.failRatio:
		status = mlflowexporter.RunStatusFailed
		failed = 1 + rnd.Intn(generated)
	}
	prompt := 500 + rnd.Intn(4000)
	completion := 100 + rnd.Intn(2000)
	latency := 0.5 + rnd.Float64()*5

	return &seedRun{
		metrics: map[string]float64{
			"tests_generated":     float64(generated),
			"tests_passed":        float64(generated - failed),
			"tests_failed":        float64(failed),
			"prompt_tokens":       float64(prompt),
			"completion_tokens":   float64(completion),
			"llm_tokens_used":     float64(prompt + completion),
			"llm_cost_usd":        float64(prompt)*promptTokenCost + float64(completion)*completionTokenCost,
			"llm_latency_seconds": latency,
		},
		params: map[string]string{
			"model":       []string{"gpt-4o-mini", "gpt-4o"}[rnd.Intn(2)],
			"target_file": "app.py",
		},
		status:  status,
		elapsed: time.Duration(latency * float64(time.Second)),
	}
}

func (r *seedRun) write(ctx context.Context, t tracker, experimentID string, seq int) error {
	start := time.Now().Add(-r.elapsed)
	created, err := t.CreateRun(ctx, experimentID, fmt.Sprintf("seed-%d-%d", start.Unix(), seq), start)
	if err != nil {
		return err
	}
	if err := t.LogBatch(ctx, created.ID, r.metrics, r.params, time.Now()); err != nil {
		return err
	}
	ltsvlog.Logger.Debug().String("msg", "seeded run").String("run_id", created.ID).
		String("status", string(r.status)).Log()
	if r.status == mlflowexporter.RunStatusRunning {
		return nil
	}
	return t.UpdateRun(ctx, created.ID, r.status, time.Now())
}
