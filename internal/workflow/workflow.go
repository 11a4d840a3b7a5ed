// Package workflow pushes CI workflow gauges of the test generation pipeline
// to a Prometheus Pushgateway.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/valyala/fastjson"
)

const (
	DefaultJob         = "github_actions_test_generator"
	DefaultSummaryFile = "metrics_summary.json"
	DefaultTestOutput  = "test_stdout.txt"

	commitLength = 7
)

// summaryKeys are read from the summary file written by the generation step.
var summaryKeys = []string{
	"tests_generated",
	"llm_tokens_used",
	"llm_cost_usd",
	"llm_latency_seconds",
	"prompt_tokens",
	"completion_tokens",
}

var (
	passedRe = regexp.MustCompile(`(\d+) passed`)
	failedRe = regexp.MustCompile(`(\d+) failed`)
)

// ErrNothingToPush is returned by PushCustom when neither input file was found.
var ErrNothingToPush = errors.New("no workflow metrics to push")

type Pusher struct {
	URL     string
	Job     string
	RunID   string
	Commit  string
	Branch  string
	Timeout time.Duration

	client push.HTTPDoer
	now    func() time.Time
}

// NewPusher reads the workflow identity from the GitHub Actions environment.
func NewPusher(url string, lookupEnv func(string) (string, bool)) *Pusher {
	env := func(name, def string) string {
		if v, ok := lookupEnv(name); ok && v != "" {
			return v
		}
		return def
	}
	commit := env("GITHUB_SHA", "unknown")
	if len(commit) > commitLength {
		commit = commit[:commitLength]
	}
	return &Pusher{
		URL:     url,
		Job:     DefaultJob,
		RunID:   env("GITHUB_RUN_ID", "local"),
		Commit:  commit,
		Branch:  env("GITHUB_REF_NAME", "unknown"),
		Timeout: 10 * time.Second,
		now:     time.Now,
	}
}

// Push adds metrics to the workflow's group. Series already pushed under
// other names are kept.
func (p *Pusher) Push(ctx context.Context, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	client := p.client
	if client == nil {
		client = &http.Client{Timeout: p.Timeout}
	}
	err := push.New(p.URL, p.Job).
		Grouping("instance", p.RunID).
		Client(client).
		Collector(&gaugeCollector{labels: p.labels(), metrics: metrics}).
		AddContext(ctx)
	if err != nil {
		return fmt.Errorf("push %d workflow metrics to %s: %w", len(metrics), p.URL, err)
	}
	ltsvlog.Logger.Info().String("msg", "pushed workflow metrics").String("url", p.URL).
		String("run_id", p.RunID).String("names", fmt.Sprint(sortedKeys(metrics))).Log()
	return nil
}

func (p *Pusher) PushStart(ctx context.Context) error {
	return p.Push(ctx, map[string]float64{
		"workflow_started":   1,
		"workflow_timestamp": float64(p.now().Unix()),
	})
}

func (p *Pusher) PushEnd(ctx context.Context, success bool) error {
	completed, failed := 1.0, 0.0
	if !success {
		completed, failed = 0, 1
	}
	return p.Push(ctx, map[string]float64{
		"workflow_completed": completed,
		"workflow_failed":    failed,
		"workflow_timestamp": float64(p.now().Unix()),
	})
}

// PushCustom pushes the generation summary and the test counts found in
// summaryFile and testOutput. A missing file is logged and skipped, so is a
// summary that cannot be parsed.
func (p *Pusher) PushCustom(ctx context.Context, summaryFile, testOutput string) error {
	metrics := make(map[string]float64)
	summary, err := LoadSummary(summaryFile)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		ltsvlog.Logger.Info().String("msg", "summary file not found").String("file", summaryFile).Log()
	default:
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("skipping summary file=%s err=%+v", summaryFile, err)))
	}
	for k, v := range summary {
		metrics[k] = v
	}
	results, err := LoadTestResults(testOutput)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		ltsvlog.Logger.Info().String("msg", "test output not found").String("file", testOutput).Log()
	}
	for k, v := range results {
		metrics[k] = v
	}
	if len(metrics) == 0 {
		return ErrNothingToPush
	}
	return p.Push(ctx, metrics)
}

func (p *Pusher) labels() prometheus.Labels {
	return prometheus.Labels{
		"workflow_run_id": p.RunID,
		"commit":          p.Commit,
		"branch":          p.Branch,
	}
}

// LoadSummary reads the generation summary. Known keys missing from the file
// are reported as 0, other keys are ignored.
func LoadSummary(file string) (map[string]float64, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	v, err := fastjson.ParseBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("parse summary %s: %w", file, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("parse summary %s: not an object", file)
	}
	metrics := make(map[string]float64, len(summaryKeys))
	for _, k := range summaryKeys {
		f := v.Get(k)
		if f == nil || f.Type() == fastjson.TypeNull {
			metrics[k] = 0
			continue
		}
		n, err := summaryValue(f)
		if err != nil {
			return nil, fmt.Errorf("parse summary %s: key %s: %w", file, k, err)
		}
		metrics[k] = n
	}
	return metrics, nil
}

func summaryValue(v *fastjson.Value) (float64, error) {
	switch v.Type() {
	case fastjson.TypeNumber:
		return v.Float64()
	case fastjson.TypeString:
		return strconv.ParseFloat(string(v.GetStringBytes()), 64)
	case fastjson.TypeTrue:
		return 1, nil
	case fastjson.TypeFalse:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected %s value", v.Type())
}

// LoadTestResults extracts the pytest pass and fail counts from its output.
func LoadTestResults(file string) (map[string]float64, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read test output: %w", err)
	}
	return map[string]float64{
		"tests_passed": countOf(passedRe, buf),
		"tests_failed": countOf(failedRe, buf),
	}, nil
}

func countOf(re *regexp.Regexp, buf []byte) float64 {
	m := re.FindSubmatch(buf)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0
	}
	return n
}

type gaugeCollector struct {
	labels  prometheus.Labels
	metrics map[string]float64
}

func (c *gaugeCollector) Describe(ch chan<- *prometheus.Desc) {}

func (c *gaugeCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range sortedKeys(c.metrics) {
		desc := prometheus.NewDesc(name, "CI workflow metric "+name, nil, c.labels)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, c.metrics[name])
		if err != nil {
			ch <- prometheus.NewInvalidMetric(desc, err)
			continue
		}
		ch <- m
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
