// Package exporter forwards published snapshots to push-based backends.
package exporter

import (
	"context"
	"errors"
	"time"

	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

// ErrBufferFull is returned by Export when the sink is still busy with
// earlier batches. The batch is dropped; the next snapshot supersedes it.
var ErrBufferFull = errors.New("exporter: send buffer full, batch dropped")

// ErrStopped is returned by Export after Stop.
var ErrStopped = errors.New("exporter: stopped")

type Metric struct {
	Timestamp time.Time
	Name      string
	Labels    []snapshot.Label
	Value     float64
}

type Exporter interface {
	Export(ctx context.Context, metrics []*Metric) error
}

// FromSnapshot converts every sample of snap into a Metric.
func FromSnapshot(snap *snapshot.Snapshot) []*Metric {
	samples := snap.Samples()
	metrics := make([]*Metric, 0, len(samples))
	for i := range samples {
		s := &samples[i]
		metrics = append(metrics, &Metric{
			Timestamp: s.Timestamp,
			Name:      s.Name,
			Labels:    s.Labels,
			Value:     s.Value,
		})
	}
	return metrics
}

// LabelValue returns the value of the named label or "".
func (m *Metric) LabelValue(name string) string {
	for _, l := range m.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

// Queue is the bounded hand-off between the poll loop and a sink goroutine.
type Queue struct {
	ch   chan []*Metric
	stop chan struct{}
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:   make(chan []*Metric, size),
		stop: make(chan struct{}),
	}
}

// Offer enqueues metrics without blocking.
func (q *Queue) Offer(metrics []*Metric) error {
	select {
	case <-q.stop:
		return ErrStopped
	default:
	}
	select {
	case q.ch <- metrics:
		return nil
	default:
		return ErrBufferFull
	}
}

// C delivers queued batches.
func (q *Queue) C() <-chan []*Metric {
	return q.ch
}

// Stopped is closed by Close.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stop
}

// Close makes further Offers fail and wakes the consumer. Call once.
func (q *Queue) Close() {
	close(q.stop)
}

// Drain returns batches still buffered after Close, oldest first.
func (q *Queue) Drain() [][]*Metric {
	var out [][]*Metric
	for {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}
