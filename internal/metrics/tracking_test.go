package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersNormalizeLabels(t *testing.T) {
	before := testutil.ToFloat64(observationsTotal.WithLabelValues("stored"))
	IncObservation(" Stored ")
	if got := testutil.ToFloat64(observationsTotal.WithLabelValues("stored")); got != before+1 {
		t.Fatalf("expected stored counter to grow by one, got %v -> %v", before, got)
	}

	retriesBefore := testutil.ToFloat64(conflictRetriesTotal.WithLabelValues("tracking.ingest"))
	IncConflictRetry("tracking.ingest")
	if got := testutil.ToFloat64(conflictRetriesTotal.WithLabelValues("tracking.ingest")); got != retriesBefore+1 {
		t.Fatalf("expected retry counter to grow by one, got %v -> %v", retriesBefore, got)
	}
}

func TestObserveRecomputeRecordsOutcome(t *testing.T) {
	before := testutil.ToFloat64(recomputesTotal.WithLabelValues("full", "false"))
	ObserveRecompute("full", time.Now().Add(-time.Millisecond), false)
	if got := testutil.ToFloat64(recomputesTotal.WithLabelValues("full", "false")); got != before+1 {
		t.Fatalf("expected failed recompute counter to grow by one, got %v -> %v", before, got)
	}
}

func TestMustRegisterRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegister(registry)
	MustRegister(registry)

	IncConsistencyRecovery()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "streaks_consistency_recoveries_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected consistency recovery counter to be registered")
	}
}
