package pds

import (
	"time"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
)

// LedgerEntry is one committed filter deduction, recorded for local audit.
// Ledger contents stay on the device: they expose consumed budget, which
// must never be shared externally.
type LedgerEntry struct {
	// Timestamp is the commit time.
	Timestamp time.Time

	// Epoch is the epoch the deduction was charged against.
	Epoch events.EpochID

	// Filter is the filter the deduction was applied to.
	Filter FilterID

	// Loss is the epsilon deducted.
	Loss budget.PureDP
}

// Ledger receives committed deductions. The bolt-backed store in the
// storage package implements it; in-memory setups typically run without
// one. Append failures are logged and do not fail the report: the filter
// state, not the ledger, carries the privacy guarantee.
type Ledger interface {
	Append(entry LedgerEntry) error
}
