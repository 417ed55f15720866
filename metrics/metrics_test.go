package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Write("applied", 1)
	m.Conflict()
	m.Materialized("miss", 3)
	m.Indexed("upsert")
	m.Repaired()
	m.QueueDelta(1)
	m.MigrationStep()
	m.Collected(2)
}

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Write("applied", 2)
	m.Write("applied", 1)
	m.Write("busy", 5)
	m.Conflict()
	m.Materialized("partial", 4)
	m.Collected(7)

	if got := testutil.ToFloat64(m.Writes.WithLabelValues("applied")); got != 2 {
		t.Errorf("got %v applied writes, want 2", got)
	}
	if got := testutil.ToFloat64(m.Conflicts); got != 1 {
		t.Errorf("got %v conflicts, want 1", got)
	}
	if got := testutil.ToFloat64(m.FoldedRevisions); got != 4 {
		t.Errorf("got %v folded revisions, want 4", got)
	}
	if got := testutil.ToFloat64(m.GCDeleted); got != 7 {
		t.Errorf("got %v deleted, want 7", got)
	}

	n, err := testutil.GatherAndCount(reg, "notedb_repo_writes_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d write series, want 2", n)
	}
}
