package mlflowexporter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fastjson"
)

// ErrMalformedResponse is returned when a response envelope cannot be used at all.
var ErrMalformedResponse = errors.New("malformed response")

const runNameTag = "mlflow.runName"

// RecordError describes one record skipped while parsing a page.
type RecordError struct {
	Index int
	ID    string
	Err   error
}

func (e *RecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("record %d (id=%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// RunsPage is one parsed page of runs/search.
type RunsPage struct {
	Runs          []Run
	NextPageToken string
	Malformed     []*RecordError
}

// ExperimentsPage is one parsed page of experiments/search.
type ExperimentsPage struct {
	Experiments   []Experiment
	NextPageToken string
	Malformed     []*RecordError
}

// ParseRunsPage parses a runs/search response body.
// Records that cannot be interpreted are skipped and reported in Malformed,
// unknown fields are ignored.
func ParseRunsPage(buf []byte) (RunsPage, error) {
	var page RunsPage
	var p fastjson.Parser

	v, err := p.ParseBytes(buf)
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if v.Type() != fastjson.TypeObject {
		return page, fmt.Errorf("%w: runs response is %s, not an object", ErrMalformedResponse, v.Type())
	}
	page.NextPageToken = string(v.GetStringBytes("next_page_token"))

	list, err := optionalArray(v.Get("runs"))
	if err != nil {
		return page, fmt.Errorf("%w: runs: %v", ErrMalformedResponse, err)
	}
	for i, rv := range list {
		run, err := parseRun(rv)
		if err != nil {
			page.Malformed = append(page.Malformed, &RecordError{Index: i, ID: run.ID, Err: err})
			continue
		}
		page.Runs = append(page.Runs, run)
	}
	return page, nil
}

// ParseExperimentsPage parses an experiments/search response body.
func ParseExperimentsPage(buf []byte) (ExperimentsPage, error) {
	var page ExperimentsPage
	var p fastjson.Parser

	v, err := p.ParseBytes(buf)
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if v.Type() != fastjson.TypeObject {
		return page, fmt.Errorf("%w: experiments response is %s, not an object", ErrMalformedResponse, v.Type())
	}
	page.NextPageToken = string(v.GetStringBytes("next_page_token"))

	list, err := optionalArray(v.Get("experiments"))
	if err != nil {
		return page, fmt.Errorf("%w: experiments: %v", ErrMalformedResponse, err)
	}
	for i, ev := range list {
		id, err := stringOrNumber(ev.Get("experiment_id"))
		if err == nil && id == "" {
			err = errors.New("missing experiment_id")
		}
		if err != nil {
			page.Malformed = append(page.Malformed, &RecordError{Index: i, Err: err})
			continue
		}
		page.Experiments = append(page.Experiments, Experiment{
			ID:   id,
			Name: string(ev.GetStringBytes("name")),
		})
	}
	return page, nil
}

// ParseRunResponse parses the body of runs/create and runs/get.
func ParseRunResponse(buf []byte) (Run, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(buf)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	rv := v.Get("run")
	if rv == nil {
		return Run{}, fmt.Errorf("%w: no run in response", ErrMalformedResponse)
	}
	return parseRun(rv)
}

func optionalArray(v *fastjson.Value) ([]*fastjson.Value, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil, nil
	}
	return v.Array()
}

// parseRun accepts the MLflow shape ({"info":{...},"data":{...}}) as well as
// a flat record carrying id, status, metrics and params at the top level.
func parseRun(v *fastjson.Value) (Run, error) {
	var run Run
	if v.Type() != fastjson.TypeObject {
		return run, fmt.Errorf("run is %s, not an object", v.Type())
	}

	info, data := v, v
	if iv := v.Get("info"); iv != nil {
		if iv.Type() != fastjson.TypeObject {
			return run, fmt.Errorf("info is %s, not an object", iv.Type())
		}
		info = iv
		data = v.Get("data")
	}

	for _, key := range []string{"run_id", "run_uuid", "id"} {
		if b := info.GetStringBytes(key); len(b) > 0 {
			run.ID = string(b)
			break
		}
	}
	if run.ID == "" {
		return run, errors.New("missing run_id")
	}

	var err error
	if run.ExperimentID, err = stringOrNumber(info.Get("experiment_id")); err != nil {
		return run, fmt.Errorf("experiment_id: %w", err)
	}
	run.Name = string(info.GetStringBytes("run_name"))

	// Records without a status are treated as active so later polls pick them up again.
	run.Status = RunStatusRunning
	if sv := info.Get("status"); sv != nil && sv.Type() != fastjson.TypeNull {
		b, err := sv.StringBytes()
		if err != nil {
			return run, fmt.Errorf("status: %w", err)
		}
		run.Status = RunStatus(b)
		if !run.Status.IsValid() {
			return run, fmt.Errorf("unknown status %q", run.Status)
		}
	}
	if run.StartTime, err = millis(info.Get("start_time")); err != nil {
		return run, fmt.Errorf("start_time: %w", err)
	}
	if run.EndTime, err = millis(info.Get("end_time")); err != nil {
		return run, fmt.Errorf("end_time: %w", err)
	}

	run.Metrics = make(map[string]RunMetric)
	run.Params = make(map[string]string)
	if data == nil || data.Type() == fastjson.TypeNull {
		return run, nil
	}
	if data.Type() != fastjson.TypeObject {
		return run, fmt.Errorf("data is %s, not an object", data.Type())
	}
	if err := parseMetrics(data.Get("metrics"), run.Metrics); err != nil {
		return run, fmt.Errorf("metrics: %w", err)
	}
	if err := parseParams(data.Get("params"), run.Params); err != nil {
		return run, fmt.Errorf("params: %w", err)
	}
	if run.Name == "" {
		tags := make(map[string]string)
		if err := parseParams(data.Get("tags"), tags); err == nil {
			run.Name = tags[runNameTag]
		}
	}
	return run, nil
}

func parseMetrics(v *fastjson.Value, dst map[string]RunMetric) error {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeObject:
		var err error
		v.GetObject().Visit(func(key []byte, mv *fastjson.Value) {
			if err != nil {
				return
			}
			var f float64
			if f, err = floatValue(mv); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			dst[string(key)] = RunMetric{Value: f}
		})
		return err
	case fastjson.TypeArray:
		list, _ := v.Array()
		for i, mv := range list {
			key := string(mv.GetStringBytes("key"))
			if key == "" {
				return fmt.Errorf("metric %d has no key", i)
			}
			f, err := floatValue(mv.Get("value"))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			ts, err := millis(mv.Get("timestamp"))
			if err != nil {
				return fmt.Errorf("%s timestamp: %w", key, err)
			}
			step, err := int64Value(mv.Get("step"))
			if err != nil {
				return fmt.Errorf("%s step: %w", key, err)
			}
			m := RunMetric{Value: f, Timestamp: ts, Step: step}
			if prev, ok := dst[key]; ok && isNewer(prev, m) {
				continue
			}
			dst[key] = m
		}
		return nil
	}
	return fmt.Errorf("unexpected %s", v.Type())
}

func isNewer(a, b RunMetric) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Step > b.Step
}

func parseParams(v *fastjson.Value, dst map[string]string) error {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeObject:
		var err error
		v.GetObject().Visit(func(key []byte, pv *fastjson.Value) {
			if err != nil {
				return
			}
			b, e := pv.StringBytes()
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			dst[string(key)] = string(b)
		})
		return err
	case fastjson.TypeArray:
		list, _ := v.Array()
		for i, pv := range list {
			key := string(pv.GetStringBytes("key"))
			if key == "" {
				return fmt.Errorf("entry %d has no key", i)
			}
			dst[key] = string(pv.GetStringBytes("value"))
		}
		return nil
	}
	return fmt.Errorf("unexpected %s", v.Type())
}

// floatValue accepts JSON numbers and the string forms MLflow uses for
// non-finite values ("NaN", "Infinity", "-Infinity").
func floatValue(v *fastjson.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("missing value")
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		return v.Float64()
	case fastjson.TypeString:
		return strconv.ParseFloat(string(v.GetStringBytes()), 64)
	}
	return 0, fmt.Errorf("value is %s, not a number", v.Type())
}

// int64Value accepts numbers and protobuf-style quoted int64 values.
func int64Value(v *fastjson.Value) (int64, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return 0, nil
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		return v.Int64()
	case fastjson.TypeString:
		return strconv.ParseInt(string(v.GetStringBytes()), 10, 64)
	}
	return 0, fmt.Errorf("value is %s, not an integer", v.Type())
}

func millis(v *fastjson.Value) (time.Time, error) {
	ms, err := int64Value(v)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func stringOrNumber(v *fastjson.Value) (string, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return "", nil
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes()), nil
	case fastjson.TypeNumber:
		return v.String(), nil
	}
	return "", fmt.Errorf("value is %s, not a string", v.Type())
}
