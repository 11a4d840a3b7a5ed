// Package mlflow is a small client for the MLflow tracking REST API (2.0).
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	mlflowexporter "github.com/masa23/mlflow-exporter"
)

const apiPrefix = "/api/2.0/mlflow/"

// maxResponseSize bounds a single page read from the tracking server.
const maxResponseSize = 64 << 20

// ErrNotFound is returned when MLflow answers RESOURCE_DOES_NOT_EXIST.
var ErrNotFound = errors.New("mlflow: resource does not exist")

// APIError is a non-2xx answer from the tracking server.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("mlflow: status %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("mlflow: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.ErrorCode == "RESOURCE_DOES_NOT_EXIST"
}

type Options struct {
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// RequestsPerSecond limits upstream requests; 0 means unlimited.
	RequestsPerSecond float64
	PageSize          int
	HTTPClient        *http.Client
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	pageSize   int
}

func New(baseURL string, opts Options) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = mlflowexporter.DefaultRequestTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = mlflowexporter.DefaultPageSize
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    opts.Timeout,
		pageSize:   opts.PageSize,
	}
}

// RunsResult collects every page of a runs search.
type RunsResult struct {
	Runs      []mlflowexporter.Run
	Malformed []*mlflowexporter.RecordError
}

// SearchExperiments returns all active experiments.
func (c *Client) SearchExperiments(ctx context.Context) ([]mlflowexporter.Experiment, []*mlflowexporter.RecordError, error) {
	var exps []mlflowexporter.Experiment
	var malformed []*mlflowexporter.RecordError
	token := ""
	for {
		body, err := c.post(ctx, "experiments/search", map[string]any{
			"max_results": c.pageSize,
			"page_token":  token,
			"view_type":   "ACTIVE_ONLY",
		})
		if err != nil {
			return nil, nil, err
		}
		page, err := mlflowexporter.ParseExperimentsPage(body)
		if err != nil {
			return nil, nil, err
		}
		exps = append(exps, page.Experiments...)
		malformed = append(malformed, page.Malformed...)
		if page.NextPageToken == "" {
			return exps, malformed, nil
		}
		token = page.NextPageToken
	}
}

// SearchRuns pages through runs/search for the given experiments and filter.
func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, filter string) (RunsResult, error) {
	var res RunsResult
	if len(experimentIDs) == 0 {
		return res, nil
	}
	token := ""
	for {
		body, err := c.post(ctx, "runs/search", map[string]any{
			"experiment_ids": experimentIDs,
			"filter":         filter,
			"max_results":    c.pageSize,
			"page_token":     token,
			"run_view_type":  "ACTIVE_ONLY",
		})
		if err != nil {
			return res, err
		}
		page, err := mlflowexporter.ParseRunsPage(body)
		if err != nil {
			return res, err
		}
		res.Runs = append(res.Runs, page.Runs...)
		res.Malformed = append(res.Malformed, page.Malformed...)
		if page.NextPageToken == "" {
			return res, nil
		}
		token = page.NextPageToken
	}
}

// GetExperimentByName looks an experiment up by name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (mlflowexporter.Experiment, error) {
	body, err := c.do(ctx, http.MethodGet, "experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil)
	if err != nil {
		return mlflowexporter.Experiment{}, err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return mlflowexporter.Experiment{}, fmt.Errorf("%w: %v", mlflowexporter.ErrMalformedResponse, err)
	}
	id := string(v.GetStringBytes("experiment", "experiment_id"))
	if id == "" {
		return mlflowexporter.Experiment{}, fmt.Errorf("%w: experiment without id", mlflowexporter.ErrMalformedResponse)
	}
	return mlflowexporter.Experiment{ID: id, Name: string(v.GetStringBytes("experiment", "name"))}, nil
}

// CreateExperiment creates an experiment and returns its id.
func (c *Client) CreateExperiment(ctx context.Context, name string) (string, error) {
	body, err := c.post(ctx, "experiments/create", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", mlflowexporter.ErrMalformedResponse, err)
	}
	return string(v.GetStringBytes("experiment_id")), nil
}

// CreateRun starts a run in the experiment.
func (c *Client) CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (mlflowexporter.Run, error) {
	body, err := c.post(ctx, "runs/create", map[string]any{
		"experiment_id": experimentID,
		"run_name":      runName,
		"start_time":    start.UnixMilli(),
	})
	if err != nil {
		return mlflowexporter.Run{}, err
	}
	return mlflowexporter.ParseRunResponse(body)
}

type logMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type logParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LogBatch records metrics and params for a run at ts.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics map[string]float64, params map[string]string, ts time.Time) error {
	req := struct {
		RunID   string      `json:"run_id"`
		Metrics []logMetric `json:"metrics"`
		Params  []logParam  `json:"params"`
	}{RunID: runID, Metrics: []logMetric{}, Params: []logParam{}}
	for k, v := range metrics {
		req.Metrics = append(req.Metrics, logMetric{Key: k, Value: v, Timestamp: ts.UnixMilli()})
	}
	for k, v := range params {
		req.Params = append(req.Params, logParam{Key: k, Value: v})
	}
	_, err := c.post(ctx, "runs/log-batch", req)
	return err
}

// UpdateRun sets the run status and end time.
func (c *Client) UpdateRun(ctx context.Context, runID string, status mlflowexporter.RunStatus, end time.Time) error {
	_, err := c.post(ctx, "runs/update", map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": end.UnixMilli(),
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, req any) ([]byte, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, buf)
}

func (c *Client) do(ctx context.Context, method, path string, reqBody []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		body = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ltsvlog.Logger.Debug().String("msg", "mlflow request").String("method", method).String("path", path).Log()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mlflow %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("mlflow %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var p fastjson.Parser
	if v, err := p.ParseBytes(body); err == nil && v.Type() == fastjson.TypeObject {
		e.ErrorCode = string(v.GetStringBytes("error_code"))
		e.Message = string(v.GetStringBytes("message"))
	}
	if e.Message == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		e.Message = msg
	}
	return e
}
