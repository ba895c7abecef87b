// End-to-end scenarios for the report pipeline, run against both the
// in-memory and the bolt-backed stores.
//
// Scenario coverage:
//   - Attribution with no budget pressure: filtered == unfiltered, exact
//     charge on all four filter roles, second request exhausts quota.
//   - Zero-capacity policy: every epoch drops, null report, oob filters.
//   - Bolt backend: deduction ledger records every committed deduction
//     and filter state survives reopen.

package integration

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
	"github.com/epochpds/epochpds/queries"
	"github.com/epochpds/epochpds/storage"
)

const (
	sourceURI  = "blog.example"
	triggerURI = "shoes.example"
	querierURI = "adtech.example"
)

func demoCapacities() pds.StaticCapacities {
	return pds.StaticCapacities{
		PerQuerier:   budget.Epsilon(8.0),
		Global:       budget.Epsilon(20.0),
		TriggerQuota: budget.Epsilon(12.0),
		SourceQuota:  budget.Epsilon(8.0),
	}
}

func requestURIs() queries.ReportRequestURIs {
	return queries.ReportRequestURIs{
		TriggerURI:  triggerURI,
		SourceURIs:  []string{sourceURI},
		QuerierURIs: []string{querierURI},
	}
}

func impression(id uint64, epoch events.EpochID, ts, bucket uint64) events.Event {
	return events.Event{
		ID:          id,
		Timestamp:   ts,
		Epoch:       epoch,
		BucketIndex: bucket,
		FilterData:  1,
		URIs: events.URIs{
			SourceURI:   sourceURI,
			TriggerURIs: []string{triggerURI},
			QuerierURIs: []string{querierURI},
		},
	}
}

func buildRequest(t *testing.T, cfg queries.HistogramConfig) *queries.HistogramQuery {
	t.Helper()
	q, err := queries.NewHistogramQuery(cfg, &queries.RelevantEventSelector{
		URIs:            requestURIs(),
		MatchFilterData: func(fd uint64) bool { return fd == 1 },
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHistogramQuery: %v", err)
	}
	return q
}

// backends enumerates store setups the scenarios run against.
func backends(t *testing.T, caps pds.StaticCapacities) map[string]*pds.PrivateDataService {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "epochpds.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]*pds.PrivateDataService{
		"memory": pds.New(budget.NewMapStore(caps.Policy()), events.NewMapStore(), zap.NewNop()),
		"bolt":   pds.New(db.Filters(caps.Policy()), db.Events(), zap.NewNop(), pds.WithLedger(db)),
	}
}

func TestPipeline_AttributionAndExhaustion(t *testing.T) {
	for name, svc := range backends(t, demoCapacities()) {
		t.Run(name, func(t *testing.T) {
			if err := svc.RegisterEvent(impression(1, 1, 100, 3)); err != nil {
				t.Fatalf("RegisterEvent: %v", err)
			}

			cfg := queries.HistogramConfig{
				StartEpoch:           1,
				EndEpoch:             1,
				AttributableValue:    3.0,
				MaxAttributableValue: 5.0,
				RequestedEpsilon:     5.0,
				HistogramSize:        8,
			}

			env, err := svc.ComputeReport(buildRequest(t, cfg))
			if err != nil {
				t.Fatalf("ComputeReport: %v", err)
			}
			want := map[uint64]float64{3: 3.0}
			if diff := cmp.Diff(want, env.FilteredReport.BinValues); diff != "" {
				t.Errorf("filtered report mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want, env.UnfilteredReport.BinValues); diff != "" {
				t.Errorf("unfiltered report mismatch (-want +got):\n%s", diff)
			}
			if len(env.OOBFilters) != 0 {
				t.Errorf("oob filters = %v, want none", env.OOBFilters)
			}

			// lambda = 0.6, m = 3.0: every role charged 5.0.
			for _, check := range []struct {
				id   pds.FilterID
				want budget.PureDP
			}{
				{pds.PerQuerier(1, querierURI), budget.Epsilon(3.0)},
				{pds.Global(1), budget.Epsilon(15.0)},
				{pds.TriggerQuota(1, triggerURI), budget.Epsilon(7.0)},
				{pds.SourceQuota(1, sourceURI), budget.Epsilon(3.0)},
			} {
				remaining, err := svc.RemainingBudget(check.id)
				if err != nil {
					t.Fatalf("RemainingBudget(%v): %v", check.id, err)
				}
				if remaining != check.want {
					t.Errorf("remaining for %v = %v, want %v", check.id, remaining, check.want)
				}
			}

			// Second identical request exhausts the per-querier and
			// source quota filters.
			env, err = svc.ComputeReport(buildRequest(t, cfg))
			if err != nil {
				t.Fatalf("second ComputeReport: %v", err)
			}
			if !env.FilteredReport.IsEmpty() {
				t.Errorf("second filtered report = %v, want null", env.FilteredReport.BinValues)
			}
			wantOOB := []pds.FilterID{pds.PerQuerier(1, querierURI), pds.SourceQuota(1, sourceURI)}
			if diff := cmp.Diff(wantOOB, env.OOBFilters); diff != "" {
				t.Errorf("oob filters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPipeline_ZeroCapacityDropsEverything(t *testing.T) {
	for name, svc := range backends(t, pds.StaticCapacities{}) {
		t.Run(name, func(t *testing.T) {
			if err := svc.RegisterEvent(impression(1, 1, 0, 0)); err != nil {
				t.Fatalf("RegisterEvent: %v", err)
			}

			cfg := queries.HistogramConfig{
				StartEpoch:           1,
				EndEpoch:             1,
				AttributableValue:    100.0,
				MaxAttributableValue: 100.0,
				RequestedEpsilon:     0.0001,
				HistogramSize:        5,
			}
			env, err := svc.ComputeReport(buildRequest(t, cfg))
			if err != nil {
				t.Fatalf("ComputeReport: %v", err)
			}

			if !env.FilteredReport.IsEmpty() {
				t.Errorf("filtered report = %v, want null", env.FilteredReport.BinValues)
			}
			if len(env.OOBFilters) == 0 {
				t.Error("oob filters empty, want the zeroed filters listed")
			}
			want := map[uint64]float64{0: 100.0}
			if diff := cmp.Diff(want, env.UnfilteredReport.BinValues); diff != "" {
				t.Errorf("unfiltered report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPipeline_BoltLedgerAndPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epochpds.db")
	caps := demoCapacities()

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	svc := pds.New(db.Filters(caps.Policy()), db.Events(), zap.NewNop(), pds.WithLedger(db))

	if err := svc.RegisterEvent(impression(1, 1, 100, 3)); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	cfg := queries.HistogramConfig{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    3.0,
		MaxAttributableValue: 5.0,
		RequestedEpsilon:     5.0,
		HistogramSize:        8,
	}
	if _, err := svc.ComputeReport(buildRequest(t, cfg)); err != nil {
		t.Fatalf("ComputeReport: %v", err)
	}

	entries, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	// One committed deduction per filter role.
	if len(entries) != 4 {
		t.Fatalf("ledger has %d entries, want 4", len(entries))
	}
	roles := make(map[pds.FilterRole]bool)
	for _, entry := range entries {
		roles[entry.Filter.Role] = true
		if entry.Loss != budget.Epsilon(5.0) {
			t.Errorf("ledger loss for %v = %v, want 5.0", entry.Filter, entry.Loss)
		}
	}
	if len(roles) != 4 {
		t.Errorf("ledger roles = %v, want all four", roles)
	}

	// Filter state survives a reopen.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db, err = storage.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	remaining, err := db.Filters(caps.Policy()).RemainingBudget(pds.PerQuerier(1, querierURI))
	if err != nil {
		t.Fatalf("RemainingBudget after reopen: %v", err)
	}
	if remaining != budget.Epsilon(3.0) {
		t.Errorf("remaining after reopen = %v, want 3.0", remaining)
	}
}
