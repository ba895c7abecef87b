// Package storage — ledger.go
//
// Deduction audit ledger.
//
// Every committed filter deduction can be appended here for device-local
// inspection. Keys sort chronologically (fixed-width RFC3339 prefix with a
// nine-digit fraction), so a cursor walk replays the deduction history in
// commit order.
//
// The ledger never leaves the device: it records consumed budget, which is
// private state.
package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
)

// ledgerTimeLayout keeps every key prefix the same width, so byte order
// matches time order (RFC3339Nano drops trailing zeros and would not).
const ledgerTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ledgerRecord is the persisted form of one committed deduction.
type ledgerRecord struct {
	Timestamp    time.Time `msgpack:"ts"`
	Epoch        uint64    `msgpack:"epoch"`
	Role         uint8     `msgpack:"role"`
	URI          string    `msgpack:"uri"`
	LossInfinite bool      `msgpack:"loss_inf"`
	LossEpsilon  float64   `msgpack:"loss_eps"`
}

func (r ledgerRecord) entry() pds.LedgerEntry {
	return pds.LedgerEntry{
		Timestamp: r.Timestamp,
		Epoch:     events.EpochID(r.Epoch),
		Filter:    pds.FilterID{Role: pds.FilterRole(r.Role), Epoch: events.EpochID(r.Epoch), URI: r.URI},
		Loss:      toBudget(r.LossInfinite, r.LossEpsilon),
	}
}

var _ pds.Ledger = (*DB)(nil)

// Append writes a committed deduction to the ledger.
func (d *DB) Append(entry pds.LedgerEntry) error {
	rec := ledgerRecord{
		Timestamp:    entry.Timestamp,
		Epoch:        uint64(entry.Epoch),
		Role:         uint8(entry.Filter.Role),
		URI:          entry.Filter.URI,
		LossInfinite: entry.Loss.IsInfinite(),
		LossEpsilon:  entry.Loss.Value(),
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Append marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("Append sequence: %w", err)
		}
		key := []byte(fmt.Sprintf("%s_%010d", entry.Timestamp.UTC().Format(ledgerTimeLayout), seq))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("Append bolt.Put: %w", err)
		}
		return nil
	})
}

// ReadLedger returns all ledger entries in commit order. For operational
// inspection; not called on the hot path.
func (d *DB) ReadLedger() ([]pds.LedgerEntry, error) {
	var entries []pds.LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, v []byte) error {
			var rec ledgerRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("ReadLedger unmarshal: %w", err)
			}
			entries = append(entries, rec.entry())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
