package workflow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestNewPusherFromEnv(t *testing.T) {
	p := NewPusher("http://pgw:9091", env(map[string]string{
		"GITHUB_RUN_ID":   "12345",
		"GITHUB_SHA":      "0123456789abcdef",
		"GITHUB_REF_NAME": "main",
	}))
	assert.Equal(t, "12345", p.RunID)
	assert.Equal(t, "0123456", p.Commit)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, DefaultJob, p.Job)

	p = NewPusher("http://pgw:9091", env(nil))
	assert.Equal(t, "local", p.RunID)
	assert.Equal(t, "unknown", p.Commit)
	assert.Equal(t, "unknown", p.Branch)
}

type recorded struct {
	mu     sync.Mutex
	method string
	path   string
	calls  int
}

func (r *recorded) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newPushgateway(t *testing.T, status int) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.method, rec.path = r.Method, r.URL.Path
		rec.calls++
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestPushStart(t *testing.T) {
	srv, rec := newPushgateway(t, http.StatusOK)
	p := NewPusher(srv.URL, env(map[string]string{"GITHUB_RUN_ID": "12345"}))
	require.NoError(t, p.PushStart(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/metrics/job/github_actions_test_generator/instance/12345", rec.path)
}

func TestPushError(t *testing.T) {
	srv, _ := newPushgateway(t, http.StatusInternalServerError)
	p := NewPusher(srv.URL, env(nil))
	assert.Error(t, p.PushEnd(context.Background(), false))
}

func TestPushEmptyIsNoop(t *testing.T) {
	srv, rec := newPushgateway(t, http.StatusOK)
	p := NewPusher(srv.URL, env(nil))
	require.NoError(t, p.Push(context.Background(), nil))
	assert.Zero(t, rec.count())
}

func TestGaugeCollector(t *testing.T) {
	p := NewPusher("http://pgw:9091", env(map[string]string{"GITHUB_RUN_ID": "7", "GITHUB_REF_NAME": "dev"}))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(&gaugeCollector{labels: p.labels(), metrics: map[string]float64{
		"workflow_completed": 0,
		"workflow_failed":    1,
	}}))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 2)
	assert.Equal(t, "workflow_completed", mfs[0].GetName())
	assert.Equal(t, "workflow_failed", mfs[1].GetName())
	assert.Equal(t, 1.0, mfs[1].GetMetric()[0].GetGauge().GetValue())

	labels := map[string]string{}
	for _, l := range mfs[1].GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, map[string]string{"workflow_run_id": "7", "commit": "unknown", "branch": "dev"}, labels)
}

func TestLoadSummary(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, DefaultSummaryFile)
	require.NoError(t, os.WriteFile(file, []byte(`{
		"tests_generated": 5,
		"llm_tokens_used": 1234,
		"llm_cost_usd": "0.05",
		"model": "gpt-4o-mini"
	}`), 0o644))

	got, err := LoadSummary(file)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"tests_generated":     5,
		"llm_tokens_used":     1234,
		"llm_cost_usd":        0.05,
		"llm_latency_seconds": 0,
		"prompt_tokens":       0,
		"completion_tokens":   0,
	}, got)

	require.NoError(t, os.WriteFile(file, []byte(`[1, 2]`), 0o644))
	_, err = LoadSummary(file)
	assert.Error(t, err)
}

func TestLoadTestResults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, DefaultTestOutput)
	require.NoError(t, os.WriteFile(file, []byte("===== 4 passed, 1 failed in 0.52s =====\n"), 0o644))

	got, err := LoadTestResults(file)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"tests_passed": 4, "tests_failed": 1}, got)

	require.NoError(t, os.WriteFile(file, []byte("===== 3 passed in 0.10s =====\n"), 0o644))
	got, err = LoadTestResults(file)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"tests_passed": 3, "tests_failed": 0}, got)
}

func TestPushCustom(t *testing.T) {
	srv, rec := newPushgateway(t, http.StatusOK)
	p := NewPusher(srv.URL, env(nil))
	dir := t.TempDir()

	err := p.PushCustom(context.Background(), filepath.Join(dir, "missing.json"), filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrNothingToPush)
	assert.Zero(t, rec.count())

	out := filepath.Join(dir, DefaultTestOutput)
	require.NoError(t, os.WriteFile(out, []byte("2 passed\n"), 0o644))
	require.NoError(t, p.PushCustom(context.Background(), filepath.Join(dir, "missing.json"), out))
	assert.Equal(t, 1, rec.count())
}

func TestPushCustomMalformedSummary(t *testing.T) {
	var body []byte
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	p := NewPusher(srv.URL, env(nil))
	dir := t.TempDir()

	summary := filepath.Join(dir, DefaultSummaryFile)
	require.NoError(t, os.WriteFile(summary, []byte(`{"tests_generated": `), 0o644))
	out := filepath.Join(dir, DefaultTestOutput)
	require.NoError(t, os.WriteFile(out, []byte("===== 4 passed, 1 failed in 0.52s =====\n"), 0o644))

	require.NoError(t, p.PushCustom(context.Background(), summary, out))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)
	assert.Contains(t, string(body), "tests_passed")
	assert.Contains(t, string(body), "tests_failed")
	assert.NotContains(t, string(body), "tests_generated")
}
