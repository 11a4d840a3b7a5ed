package mlflowexporter

import (
	"time"
)

// RunStatus is the lifecycle state MLflow reports for a run.
type RunStatus string

// Run status
const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

// IsValid reports whether s is a status MLflow can return.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusRunning, RunStatusScheduled, RunStatusFinished,
		RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// IsTerminal reports whether the run can no longer log metrics.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// RunMetric is the latest value MLflow holds for one metric key of a run.
type RunMetric struct {
	Value     float64
	Timestamp time.Time
	Step      int64
}

// Run is a read-only view of an MLflow run.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time // zero while the run is active
	Metrics      map[string]RunMetric
	Params       map[string]string
}

// Experiment is an MLflow experiment.
type Experiment struct {
	ID   string
	Name string
}
