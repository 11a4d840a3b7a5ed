package main

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/mlflow"
)

type fakeTracker struct {
	mu      sync.Mutex
	exists  bool
	created []string
	runs    int
	updates map[mlflowexporter.RunStatus]int
}

func (f *fakeTracker) GetExperimentByName(ctx context.Context, name string) (mlflowexporter.Experiment, error) {
	if !f.exists {
		return mlflowexporter.Experiment{}, &mlflow.APIError{StatusCode: 404, ErrorCode: "RESOURCE_DOES_NOT_EXIST"}
	}
	return mlflowexporter.Experiment{ID: "1", Name: name}, nil
}

func (f *fakeTracker) CreateExperiment(ctx context.Context, name string) (string, error) {
	f.created = append(f.created, name)
	return "7", nil
}

func (f *fakeTracker) CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (mlflowexporter.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return mlflowexporter.Run{ID: runName, ExperimentID: experimentID, Status: mlflowexporter.RunStatusRunning}, nil
}

func (f *fakeTracker) LogBatch(ctx context.Context, runID string, metrics map[string]float64, params map[string]string, ts time.Time) error {
	return nil
}

func (f *fakeTracker) UpdateRun(ctx context.Context, runID string, status mlflowexporter.RunStatus, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[mlflowexporter.RunStatus]int)
	}
	f.updates[status]++
	return nil
}

func TestEnsureExperiment(t *testing.T) {
	f := &fakeTracker{exists: true}
	id, err := ensureExperiment(context.Background(), f, "test-generator")
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.Empty(t, f.created)

	f = &fakeTracker{}
	id, err = ensureExperiment(context.Background(), f, "test-generator")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, []string{"test-generator"}, f.created)
}

func TestNewSeedRun(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		r := newSeedRun(rnd, options{failRatio: 0.3, leaveActive: 0.1})
		m := r.metrics
		assert.Equal(t, m["tests_generated"], m["tests_passed"]+m["tests_failed"])
		assert.Equal(t, m["llm_tokens_used"], m["prompt_tokens"]+m["completion_tokens"])
		assert.Greater(t, m["llm_cost_usd"], 0.0)
		if r.status == mlflowexporter.RunStatusFailed {
			assert.Greater(t, m["tests_failed"], 0.0)
		} else {
			assert.Zero(t, m["tests_failed"])
		}
	}
}

func TestRun(t *testing.T) {
	f := &fakeTracker{exists: true}
	n, err := run(context.Background(), f, rand.New(rand.NewSource(1)), options{
		experiment: "test-generator",
		duration:   200 * time.Millisecond,
		runsPerSec: 50,
		failRatio:  0.5,
	})
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, n, f.runs)
	assert.Equal(t, n, f.updates[mlflowexporter.RunStatusFinished]+f.updates[mlflowexporter.RunStatusFailed])
}
