package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpvarRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()

	rec.Observe(ctx, "oracle_propose", true, 40*time.Millisecond)
	rec.Observe(ctx, "oracle_propose", true, 60*time.Millisecond)
	rec.Observe(ctx, "oracle_propose", false, 10*time.Millisecond)
	rec.Observe(ctx, "library_save", true, 5*time.Millisecond)

	snap := rec.Snapshot()
	if snap.DurationsMS["oracle_propose"] != 110 {
		t.Fatalf("oracle duration total %v", snap.DurationsMS["oracle_propose"])
	}
	if snap.Results["oracle_propose"]["success"] != 2 || snap.Results["oracle_propose"]["error"] != 1 {
		t.Fatalf("oracle outcomes %+v", snap.Results["oracle_propose"])
	}
	if snap.Results["library_save"]["success"] != 1 {
		t.Fatalf("library outcomes %+v", snap.Results["library_save"])
	}
}

func TestExpvarRecorderGeneratesUniqueNames(t *testing.T) {
	a := NewExpvarMetricsRecorder("")
	b := NewExpvarMetricsRecorder("")
	if a.Name() == "" || a.Name() == b.Name() {
		t.Fatalf("names must be unique, got %q and %q", a.Name(), b.Name())
	}
}

func TestExpvarSnapshotIsACopy(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.Observe(context.Background(), "report_job", true, time.Millisecond)

	snap := rec.Snapshot()
	snap.DurationsMS["report_job"] = 999
	snap.Results["report_job"]["success"] = 999

	fresh := rec.Snapshot()
	if fresh.DurationsMS["report_job"] == 999 || fresh.Results["report_job"]["success"] == 999 {
		t.Fatalf("snapshot aliased recorder state")
	}
}

func TestPrometheusRecorderRegistersFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	rec := NewPrometheusMetricsRecorder(registry)

	rec.Observe(context.Background(), "merge_masks", true, 3*time.Millisecond)
	rec.Observe(context.Background(), "merge_masks", false, time.Millisecond)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool, len(families))
	for _, family := range families {
		seen[family.GetName()] = true
	}
	if !seen["mezocore_operation_duration_seconds"] || !seen["mezocore_operation_results_total"] {
		t.Fatalf("metric families missing: %v", seen)
	}
}

func TestNopRecorderIsSafe(t *testing.T) {
	NopMetricsRecorder{}.Observe(context.Background(), "anything", true, time.Second)
}
