// Package storage — bolt.go
//
// BoltDB-backed persistent storage for epochpds.
//
// Schema (BoltDB bucket layout):
//
//	/events/<epoch>            nested bucket per epoch, key 8-byte big endian
//	    key:   insertion sequence  [8 bytes big endian, from NextSequence]
//	    value: msgpack-encoded eventRecord
//
//	/filters
//	    key:   "<role>|<epoch>|<uri>"
//	    value: msgpack-encoded filterRecord
//
//	/ledger
//	    key:   RFC3339 timestamp, fixed 9-digit fraction + "_" + sequence  [sortable]
//	    value: msgpack-encoded ledgerRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Filter deductions are read-modify-write inside one Update transaction,
//     so a half-applied deduction is never visible.
//   - Reads use read-only transactions (bbolt.View()).
//
// Insertion order within an epoch is the bucket's sequence order; the
// lexicographic cursor order over 8-byte big endian keys preserves it,
// which last-touch tie-breaking depends on.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketEvents  = "events"
	bucketFilters = "filters"
	bucketLedger  = "ledger"
	bucketMeta    = "meta"
)

// DB wraps a BoltDB instance with typed accessors for epochpds data.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketFilters, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, this build requires %q",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// epochKey encodes an epoch ID as a sortable 8-byte big endian key.
func epochKey(epoch events.EpochID) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(epoch))
	return key[:]
}

// ─── Event store ──────────────────────────────────────────────────────────────

// eventRecord is the persisted form of an event.
type eventRecord struct {
	ID          uint64   `msgpack:"id"`
	Timestamp   uint64   `msgpack:"ts"`
	Epoch       uint64   `msgpack:"epoch"`
	BucketIndex uint64   `msgpack:"bucket"`
	FilterData  uint64   `msgpack:"filter_data"`
	SourceURI   string   `msgpack:"source_uri"`
	TriggerURIs []string `msgpack:"trigger_uris"`
	QuerierURIs []string `msgpack:"querier_uris"`
}

func toEventRecord(e events.Event) eventRecord {
	return eventRecord{
		ID:          e.ID,
		Timestamp:   e.Timestamp,
		Epoch:       uint64(e.Epoch),
		BucketIndex: e.BucketIndex,
		FilterData:  e.FilterData,
		SourceURI:   e.URIs.SourceURI,
		TriggerURIs: e.URIs.TriggerURIs,
		QuerierURIs: e.URIs.QuerierURIs,
	}
}

func (r eventRecord) event() events.Event {
	return events.Event{
		ID:          r.ID,
		Timestamp:   r.Timestamp,
		Epoch:       events.EpochID(r.Epoch),
		BucketIndex: r.BucketIndex,
		FilterData:  r.FilterData,
		URIs: events.URIs{
			SourceURI:   r.SourceURI,
			TriggerURIs: r.TriggerURIs,
			QuerierURIs: r.QuerierURIs,
		},
	}
}

// EventStore is the bbolt-backed events.Store.
type EventStore struct {
	db *bolt.DB
}

var _ events.Store = (*EventStore)(nil)

// Events returns the event store view of the database.
func (d *DB) Events() *EventStore {
	return &EventStore{db: d.db}
}

// AddEvent appends the event to its epoch bucket under the next sequence
// number.
func (s *EventStore) AddEvent(e events.Event) error {
	data, err := msgpack.Marshal(toEventRecord(e))
	if err != nil {
		return fmt.Errorf("AddEvent marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		epochs := tx.Bucket([]byte(bucketEvents))
		b, err := epochs.CreateBucketIfNotExists(epochKey(e.Epoch))
		if err != nil {
			return fmt.Errorf("AddEvent epoch bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("AddEvent sequence: %w", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := b.Put(key[:], data); err != nil {
			return fmt.Errorf("AddEvent bolt.Put: %w", err)
		}
		return nil
	})
}

// EventsForEpoch returns the epoch's events accepted by the selector, in
// insertion order. A nil selector accepts every event.
func (s *EventStore) EventsForEpoch(epoch events.EpochID, sel events.Selector) ([]events.Event, error) {
	var out []events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents)).Bucket(epochKey(epoch))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec eventRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("EventsForEpoch unmarshal: %w", err)
			}
			e := rec.event()
			if sel == nil || sel.IsRelevant(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Filter store ─────────────────────────────────────────────────────────────

// filterRecord is the persisted form of a filter's state, with the filter
// identity denormalised so the filters bucket can be listed without
// parsing keys.
type filterRecord struct {
	Role             uint8   `msgpack:"role"`
	Epoch            uint64  `msgpack:"epoch"`
	URI              string  `msgpack:"uri"`
	CapacityInfinite bool    `msgpack:"cap_inf"`
	CapacityEpsilon  float64 `msgpack:"cap_eps"`
	ConsumedInfinite bool    `msgpack:"used_inf"`
	ConsumedEpsilon  float64 `msgpack:"used_eps"`
}

func toBudget(infinite bool, epsilon float64) budget.PureDP {
	if infinite {
		return budget.Infinite()
	}
	return budget.Epsilon(epsilon)
}

func newFilterRecord(id pds.FilterID, capacity budget.PureDP) filterRecord {
	return filterRecord{
		Role:             uint8(id.Role),
		Epoch:            uint64(id.Epoch),
		URI:              id.URI,
		CapacityInfinite: capacity.IsInfinite(),
		CapacityEpsilon:  capacity.Value(),
	}
}

func (r filterRecord) filter() *budget.Filter {
	return budget.RestoreFilter(
		toBudget(r.CapacityInfinite, r.CapacityEpsilon),
		toBudget(r.ConsumedInfinite, r.ConsumedEpsilon),
	)
}

func (r filterRecord) id() pds.FilterID {
	return pds.FilterID{Role: pds.FilterRole(r.Role), Epoch: events.EpochID(r.Epoch), URI: r.URI}
}

func filterKey(id pds.FilterID) []byte {
	return []byte(fmt.Sprintf("%d|%d|%s", uint8(id.Role), uint64(id.Epoch), id.URI))
}

// FilterStore is the bbolt-backed budget.Store for the PDS filter
// hierarchy.
type FilterStore struct {
	db     *bolt.DB
	policy budget.CapacityPolicy[pds.FilterID]
}

var _ budget.Store[pds.FilterID] = (*FilterStore)(nil)

// Filters returns a filter store view using the given capacity policy for
// lazily created filters.
func (d *DB) Filters(policy budget.CapacityPolicy[pds.FilterID]) *FilterStore {
	return &FilterStore{db: d.db, policy: policy}
}

// ensureInTx creates the filter record iff absent and returns its current
// state.
func (s *FilterStore) ensureInTx(tx *bolt.Tx, id pds.FilterID) (filterRecord, error) {
	b := tx.Bucket([]byte(bucketFilters))
	key := filterKey(id)
	if data := b.Get(key); data != nil {
		var rec filterRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return filterRecord{}, fmt.Errorf("filter unmarshal: %w", err)
		}
		return rec, nil
	}

	rec := newFilterRecord(id, s.policy(id))
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return filterRecord{}, fmt.Errorf("filter marshal: %w", err)
	}
	if err := b.Put(key, data); err != nil {
		return filterRecord{}, fmt.Errorf("filter bolt.Put: %w", err)
	}
	return rec, nil
}

// Ensure creates the filter with policy capacity iff absent. Idempotent.
func (s *FilterStore) Ensure(id pds.FilterID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := s.ensureInTx(tx, id)
		return err
	})
}

// MaybeConsume ensures the filter exists and attempts the deduction inside
// a single write transaction.
func (s *FilterStore) MaybeConsume(id pds.FilterID, request budget.PureDP, dryRun bool) (budget.FilterStatus, error) {
	status := budget.OutOfBudget
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := s.ensureInTx(tx, id)
		if err != nil {
			return err
		}
		f := rec.filter()
		status = f.TryDeduct(request, dryRun)
		if dryRun || status != budget.Continue {
			return nil
		}

		rec.ConsumedInfinite = f.Consumed().IsInfinite()
		rec.ConsumedEpsilon = f.Consumed().Value()
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("filter marshal: %w", err)
		}
		if err := tx.Bucket([]byte(bucketFilters)).Put(filterKey(id), data); err != nil {
			return fmt.Errorf("filter bolt.Put: %w", err)
		}
		return nil
	})
	if err != nil {
		return budget.OutOfBudget, err
	}
	return status, nil
}

// RemainingBudget returns the persisted filter's remaining budget.
func (s *FilterStore) RemainingBudget(id pds.FilterID) (budget.PureDP, error) {
	var remaining budget.PureDP
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketFilters)).Get(filterKey(id))
		if data == nil {
			return budget.ErrFilterNotFound
		}
		var rec filterRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("filter unmarshal: %w", err)
		}
		remaining = rec.filter().Remaining()
		return nil
	})
	if err != nil {
		return budget.PureDP{}, err
	}
	return remaining, nil
}

// List returns the IDs of every persisted filter. For the CLI's
// device-local budget view.
func (s *FilterStore) List() ([]pds.FilterID, error) {
	var ids []pds.FilterID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFilters)).ForEach(func(_, v []byte) error {
			var rec filterRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("filter unmarshal: %w", err)
			}
			ids = append(ids, rec.id())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
