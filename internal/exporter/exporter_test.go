package exporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mlflowexporter "github.com/masa23/mlflow-exporter"
	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

func TestFromSnapshot(t *testing.T) {
	now := time.UnixMilli(1700000100000)
	snap := snapshot.Build([]mlflowexporter.Run{{
		ID:      "r1",
		Status:  mlflowexporter.RunStatusRunning,
		Metrics: map[string]mlflowexporter.RunMetric{"tests_generated": {Value: 7}},
	}}, nil, snapshot.Options{Now: now})

	metrics := FromSnapshot(snap)
	require.Len(t, metrics, snap.Len())
	var found bool
	for _, m := range metrics {
		if m.Name == "tests_generated" {
			found = true
			assert.Equal(t, 7.0, m.Value)
			assert.Equal(t, "r1", m.LabelValue(snapshot.LabelRunID))
			assert.Equal(t, now, m.Timestamp)
		}
	}
	assert.True(t, found)
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Offer([]*Metric{{Name: "a"}}))
	require.NoError(t, q.Offer([]*Metric{{Name: "b"}}))
	assert.ErrorIs(t, q.Offer(nil), ErrBufferFull)

	first := <-q.C()
	assert.Equal(t, "a", first[0].Name)

	q.Close()
	assert.ErrorIs(t, q.Offer(nil), ErrStopped)
	select {
	case <-q.Stopped():
	default:
		t.Fatal("Stopped not closed")
	}
	pending := q.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0][0].Name)
	assert.Empty(t, q.Drain())
}
