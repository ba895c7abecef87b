package queries

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/epochpds/epochpds/events"
)

func bucketOf(e events.Event) uint64 { return e.BucketIndex }

func TestAccumulateCapped_StopsBeforeExceeding(t *testing.T) {
	values := []EventValue{
		{Event: events.Event{ID: 1, BucketIndex: 0}, Value: 2.0},
		{Event: events.Event{ID: 2, BucketIndex: 1}, Value: 2.0},
		{Event: events.Event{ID: 3, BucketIndex: 2}, Value: 2.0},
	}

	report := AccumulateCapped(values, 2.0, bucketOf)
	want := map[uint64]float64{0: 2.0}
	if diff := cmp.Diff(want, report.BinValues); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if got := report.TotalValue(); got != 2.0 {
		t.Errorf("bin sum = %g, want exactly the cap 2.0", got)
	}
}

func TestAccumulateCapped_ExactFitAccepted(t *testing.T) {
	values := []EventValue{
		{Event: events.Event{BucketIndex: 0}, Value: 1.5},
		{Event: events.Event{BucketIndex: 1}, Value: 1.5},
	}

	report := AccumulateCapped(values, 3.0, bucketOf)
	if got := report.TotalValue(); got != 3.0 {
		t.Errorf("bin sum = %g, want 3.0 (exact fit must be kept)", got)
	}
}

func TestAccumulateCapped_SameBucketAggregates(t *testing.T) {
	values := []EventValue{
		{Event: events.Event{BucketIndex: 4}, Value: 1.0},
		{Event: events.Event{BucketIndex: 4}, Value: 2.0},
	}

	report := AccumulateCapped(values, 10.0, bucketOf)
	want := map[uint64]float64{4: 3.0}
	if diff := cmp.Diff(want, report.BinValues); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulateCapped_EmptyInputIsNullReport(t *testing.T) {
	report := AccumulateCapped(nil, 5.0, bucketOf)
	if !report.IsEmpty() {
		t.Errorf("report = %v, want null", report.BinValues)
	}
}

func TestHistogramReport_Norms(t *testing.T) {
	report := NewHistogramReport()
	report.BinValues[0] = 3.0
	report.BinValues[1] = 4.0

	if got := report.Norm(NormL1); got != 7.0 {
		t.Errorf("L1 = %g, want 7", got)
	}
	if got := report.Norm(NormL2); math.Abs(got-5.0) > 1e-12 {
		t.Errorf("L2 = %g, want 5", got)
	}
	if got := NewHistogramReport().Norm(NormL1); got != 0.0 {
		t.Errorf("null report L1 = %g, want 0", got)
	}
}
