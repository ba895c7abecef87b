package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "epochpds.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testCapacities() budget.CapacityPolicy[pds.FilterID] {
	return pds.StaticCapacities{
		PerQuerier:   budget.Epsilon(1.0),
		Global:       budget.Epsilon(20.0),
		TriggerQuota: budget.Epsilon(1.5),
		SourceQuota:  budget.Epsilon(8.0),
	}.Policy()
}

func TestEventStore_RoundtripAndOrder(t *testing.T) {
	d := openTestDB(t)
	s := d.Events()

	want := []events.Event{
		{ID: 3, Timestamp: 30, Epoch: 1, BucketIndex: 2, FilterData: 1,
			URIs: events.URIs{SourceURI: "blog.example", TriggerURIs: []string{"shoes.example"}, QuerierURIs: []string{"adtech.example"}}},
		{ID: 1, Timestamp: 10, Epoch: 1, BucketIndex: 0, FilterData: 1,
			URIs: events.URIs{SourceURI: "blog.example"}},
		{ID: 2, Timestamp: 20, Epoch: 2, BucketIndex: 1, FilterData: 1,
			URIs: events.URIs{SourceURI: "news.example"}},
	}
	for _, e := range want {
		if err := s.AddEvent(e); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}

	got, err := s.EventsForEpoch(1, nil)
	if err != nil {
		t.Fatalf("EventsForEpoch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("epoch 1 has %d events, want 2", len(got))
	}
	// Insertion order preserved, not timestamp order.
	if got[0].ID != 3 || got[1].ID != 1 {
		t.Errorf("epoch 1 order = [%d %d], want [3 1]", got[0].ID, got[1].ID)
	}
	if got[0].URIs.TriggerURIs[0] != "shoes.example" || got[0].URIs.QuerierURIs[0] != "adtech.example" {
		t.Errorf("event URIs not preserved: %+v", got[0].URIs)
	}

	got, err = s.EventsForEpoch(9, nil)
	if err != nil {
		t.Fatalf("EventsForEpoch(9): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown epoch returned %d events, want 0", len(got))
	}
}

func TestFilterStore_ConsumeAndPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epochpds.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := d.Filters(testCapacities())
	id := pds.PerQuerier(1, "adtech.example")

	if status, err := fs.MaybeConsume(id, budget.Epsilon(0.4), false); err != nil || status != budget.Continue {
		t.Fatalf("MaybeConsume = %v, %v", status, err)
	}
	// Dry run must not mutate.
	if status, err := fs.MaybeConsume(id, budget.Epsilon(0.6), true); err != nil || status != budget.Continue {
		t.Fatalf("dry run MaybeConsume = %v, %v", status, err)
	}
	remaining, err := fs.RemainingBudget(id)
	if err != nil {
		t.Fatalf("RemainingBudget: %v", err)
	}
	if remaining != budget.Epsilon(0.6) {
		t.Errorf("remaining = %v, want 0.6", remaining)
	}

	// State survives reopen.
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	fs = d.Filters(testCapacities())
	remaining, err = fs.RemainingBudget(id)
	if err != nil {
		t.Fatalf("RemainingBudget after reopen: %v", err)
	}
	if remaining != budget.Epsilon(0.6) {
		t.Errorf("remaining after reopen = %v, want 0.6", remaining)
	}

	// Over-capacity request is rejected and leaves state alone.
	if status, err := fs.MaybeConsume(id, budget.Epsilon(0.7), false); err != nil || status != budget.OutOfBudget {
		t.Fatalf("over-capacity MaybeConsume = %v, %v", status, err)
	}
	remaining, _ = fs.RemainingBudget(id)
	if remaining != budget.Epsilon(0.6) {
		t.Errorf("remaining after rejection = %v, want 0.6", remaining)
	}
}

func TestFilterStore_UnknownFilter(t *testing.T) {
	d := openTestDB(t)
	fs := d.Filters(testCapacities())

	_, err := fs.RemainingBudget(pds.Global(42))
	if !errors.Is(err, budget.ErrFilterNotFound) {
		t.Errorf("err = %v, want ErrFilterNotFound", err)
	}
}

func TestFilterStore_List(t *testing.T) {
	d := openTestDB(t)
	fs := d.Filters(testCapacities())

	ids := []pds.FilterID{
		pds.Global(1),
		pds.PerQuerier(1, "adtech.example"),
		pds.SourceQuota(2, "blog.example"),
	}
	for _, id := range ids {
		if err := fs.Ensure(id); err != nil {
			t.Fatalf("Ensure(%v): %v", id, err)
		}
	}

	got, err := fs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("List returned %d filters, want %d", len(got), len(ids))
	}
	want := make(map[pds.FilterID]struct{})
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, id := range got {
		if _, ok := want[id]; !ok {
			t.Errorf("unexpected filter in list: %v", id)
		}
	}
}

func TestLedger_AppendAndRead(t *testing.T) {
	d := openTestDB(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := d.Append(pds.LedgerEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Epoch:     events.EpochID(i + 1),
			Filter:    pds.PerQuerier(events.EpochID(i+1), "adtech.example"),
			Loss:      budget.Epsilon(0.5),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := d.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.Epoch != events.EpochID(i+1) {
			t.Errorf("entry %d epoch = %d, want %d", i, entry.Epoch, i+1)
		}
		if entry.Filter.Role != pds.RolePerQuerier {
			t.Errorf("entry %d role = %v, want per_querier", i, entry.Filter.Role)
		}
		if entry.Loss != budget.Epsilon(0.5) {
			t.Errorf("entry %d loss = %v, want 0.5", i, entry.Loss)
		}
	}
}
