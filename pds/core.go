// Package pds — core.go
//
// The epoch-based private data service: the per-report accounting pipeline.
//
// Pipeline (one ComputeReport call):
//
//	[Gather]     relevant events per epoch, and per epoch-source
//	     ↓
//	[Unfiltered] report over everything gathered (pure, no filter access)
//	     ↓
//	[Account]    per epoch: individual loss + source losses → deduction set
//	             phase 1: dry-run every deduction; any rejection drops the
//	             epoch with no state change
//	     ↓
//	[Commit]     phase 2: apply the deduction sets of every accepted epoch
//	     ↓
//	[Filtered]   report recomputed over the surviving epochs
//
// Atomicity invariants:
//   - Per epoch: either all of the epoch's deductions apply, or none do.
//     Phase 1 dry-runs the whole set first; a half-applied set is never
//     observable.
//   - Per request: phase 2 runs after the epoch loop, for every accepted
//     epoch. Filters are keyed by epoch, so the deduction sets of distinct
//     epochs are disjoint and deferring commit does not change any phase-1
//     decision. A request that fails before phase 2 leaves no state change.
//   - Phase 2 rejecting a deduction that phase 1 accepted is a fatal
//     invariant violation, surfaced as ErrInvariantViolation.
//
// Concurrency: a single exclusive lock serializes ComputeReport,
// AccountPassiveLoss, and RegisterEvent. The core performs no internal
// suspension; storage backends are treated as synchronous.
package pds

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/observability"
	"github.com/epochpds/epochpds/queries"
)

// ReportEnvelope is the result of one ComputeReport call. The filtered
// report is the caller-visible output; the unfiltered report and the
// out-of-budget filter IDs are accounting byproducts for local debugging.
type ReportEnvelope struct {
	// FilteredReport is computed after out-of-budget epochs were dropped.
	FilteredReport *queries.HistogramReport

	// UnfilteredReport is a pure function of the request and the events
	// registered before the call; it never depends on filter state.
	UnfilteredReport *queries.HistogramReport

	// OOBFilters lists every filter that caused an epoch to be dropped,
	// in epoch processing order.
	OOBFilters []FilterID
}

// PassiveLossRequest debits a caller-specified loss from the filter
// hierarchy without producing a report.
type PassiveLossRequest struct {
	EpochIDs []events.EpochID
	Loss     budget.PureDP
	URIs     queries.ReportRequestURIs
}

// Decision is the outcome of a passive loss request.
type Decision struct {
	Status     budget.FilterStatus
	OOBFilters []FilterID
}

// Option configures optional PDS collaborators.
type Option func(*PrivateDataService)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *PrivateDataService) { p.metrics = m }
}

// WithLedger attaches a deduction audit ledger.
func WithLedger(l Ledger) Option {
	return func(p *PrivateDataService) { p.ledger = l }
}

// PrivateDataService orchestrates event registration, report computation,
// and passive loss accounting over one device's filter hierarchy.
type PrivateDataService struct {
	mu      sync.Mutex
	filters budget.Store[FilterID]
	events  events.Store
	log     *zap.Logger
	metrics *observability.Metrics
	ledger  Ledger
}

// New creates a PrivateDataService over the given stores. A nil logger is
// replaced with a no-op logger.
func New(filters budget.Store[FilterID], eventStore events.Store, log *zap.Logger, opts ...Option) *PrivateDataService {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PrivateDataService{
		filters: filters,
		events:  eventStore,
		log:     log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterEvent stores a new impression event. Events registered before a
// ComputeReport call are visible to it; events registered after are not.
func (p *PrivateDataService) RegisterEvent(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.events.AddEvent(e); err != nil {
		return &StorageError{Op: "add event", Err: err}
	}
	p.log.Debug("registered event",
		zap.Uint64("event_id", e.ID),
		zap.Uint64("epoch", uint64(e.Epoch)),
		zap.String("source_uri", e.URIs.SourceURI))
	if p.metrics != nil {
		p.metrics.EventsRegisteredTotal.Inc()
	}
	return nil
}

// ComputeReport runs the attribution report pipeline for the request and
// charges the resulting privacy loss against the filter hierarchy. Epochs
// whose filters would be exhausted are dropped from the filtered report;
// that is a normal outcome, reported via OOBFilters, not an error.
func (p *PrivateDataService) ComputeReport(req queries.ReportRequest) (*ReportEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()

	epochIDs := req.EpochIDs()
	uris := req.ReportURIs()

	relevant, err := events.Gather(p.events, epochIDs, req.RelevantEventSelector())
	if err != nil {
		return nil, &StorageError{Op: "gather relevant events", Err: err}
	}

	unfiltered := req.ComputeReport(relevant)
	numEpochs := len(epochIDs)

	type epochCharge struct {
		epoch      events.EpochID
		deductions []deduction
	}

	// Phase 1: dry-run each epoch's deduction set in attribution order.
	// Rejected epochs are dropped with no state change.
	var accepted []epochCharge
	var oob []FilterID
	for _, epoch := range epochIDs {
		loss := computeEpochLoss(req, relevant.ForEpoch(epoch), unfiltered, numEpochs)
		sourceLosses := computeEpochSourceLosses(req, relevant, epoch, unfiltered, numEpochs)
		ds := deductionsFor(epoch, loss, sourceLosses, uris)

		status, ids, err := p.tryDeductSet(ds, true)
		if err != nil {
			return nil, &StorageError{Op: "phase 1 deduction", Err: err}
		}
		if status == budget.OutOfBudget {
			relevant.DropEpoch(epoch)
			oob = append(oob, ids...)
			p.log.Debug("epoch dropped, out of budget",
				zap.Uint64("epoch", uint64(epoch)),
				zap.Int("oob_filters", len(ids)))
			if p.metrics != nil {
				for _, id := range ids {
					p.metrics.EpochsDroppedTotal.WithLabelValues(id.Role.String()).Inc()
				}
			}
			continue
		}
		accepted = append(accepted, epochCharge{epoch: epoch, deductions: ds})
	}

	// Phase 2: commit every accepted epoch.
	for _, charge := range accepted {
		status, ids, err := p.tryDeductSet(charge.deductions, false)
		if err != nil {
			return nil, fmt.Errorf("%w: commit epoch %d: %v", ErrInvariantViolation, charge.epoch, err)
		}
		if status != budget.Continue {
			return nil, fmt.Errorf("%w: epoch %d, filters %v", ErrInvariantViolation, charge.epoch, ids)
		}
		p.recordCommit(charge.epoch, charge.deductions)
	}

	filtered := req.ComputeReport(relevant)

	if p.metrics != nil {
		p.metrics.ReportsComputedTotal.Inc()
		p.metrics.ReportLatency.Observe(time.Since(start).Seconds())
	}
	p.log.Info("computed report",
		zap.Int("epochs", numEpochs),
		zap.Int("epochs_dropped", numEpochs-len(accepted)),
		zap.Int("filtered_bins", len(filtered.BinValues)))

	return &ReportEnvelope{
		FilteredReport:   filtered,
		UnfilteredReport: unfiltered,
		OOBFilters:       oob,
	}, nil
}

// AccountPassiveLoss debits the request's loss from each epoch's filter
// set. Epochs commit in order; the first out-of-budget epoch stops the
// request with no deduction applied for that epoch.
func (p *PrivateDataService) AccountPassiveLoss(req PassiveLossRequest) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, epoch := range req.EpochIDs {
		ds := deductionsFor(epoch, req.Loss, nil, req.URIs)

		status, ids, err := p.tryDeductSet(ds, true)
		if err != nil {
			return Decision{Status: budget.OutOfBudget}, &StorageError{Op: "passive phase 1 deduction", Err: err}
		}
		if status == budget.OutOfBudget {
			if p.metrics != nil {
				p.metrics.PassiveRequestsTotal.WithLabelValues("out_of_budget").Inc()
			}
			p.log.Info("passive loss rejected",
				zap.Uint64("epoch", uint64(epoch)),
				zap.String("loss", req.Loss.String()))
			return Decision{Status: budget.OutOfBudget, OOBFilters: ids}, nil
		}

		status, ids, err = p.tryDeductSet(ds, false)
		if err != nil {
			return Decision{Status: budget.OutOfBudget}, fmt.Errorf("%w: commit epoch %d: %v", ErrInvariantViolation, epoch, err)
		}
		if status != budget.Continue {
			return Decision{Status: budget.OutOfBudget}, fmt.Errorf("%w: epoch %d, filters %v", ErrInvariantViolation, epoch, ids)
		}
		p.recordCommit(epoch, ds)
	}

	if p.metrics != nil {
		p.metrics.PassiveRequestsTotal.WithLabelValues("continue").Inc()
	}
	return Decision{Status: budget.Continue}, nil
}

// RemainingBudget reports a filter's remaining budget. For device-local
// observation only; the value must never leave the device.
func (p *PrivateDataService) RemainingBudget(id FilterID) (budget.PureDP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filters.RemainingBudget(id)
}

// deduction is one (filter, loss) pair of an epoch's deduction set.
type deduction struct {
	id   FilterID
	loss budget.PureDP
}

// deductionsFor builds the deduction set of one epoch: the epoch loss
// against the global, trigger quota, and per-querier filters, plus each
// requested source's loss against its source quota. Duplicate filter IDs
// collapse so a filter is never charged twice in one set.
func deductionsFor(epoch events.EpochID, loss budget.PureDP, sourceLosses map[string]budget.PureDP, uris queries.ReportRequestURIs) []deduction {
	seen := make(map[FilterID]struct{})
	var ds []deduction
	add := func(id FilterID, loss budget.PureDP) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ds = append(ds, deduction{id: id, loss: loss})
	}

	add(Global(epoch), loss)
	add(TriggerQuota(epoch, uris.TriggerURI), loss)
	for _, querier := range uris.QuerierURIs {
		add(PerQuerier(epoch, querier), loss)
	}
	for _, source := range uris.SourceURIs {
		if sourceLoss, ok := sourceLosses[source]; ok {
			add(SourceQuota(epoch, source), sourceLoss)
		}
	}
	return ds
}

// tryDeductSet runs one phase over a deduction set. It always visits every
// deduction so the out-of-budget list is complete.
func (p *PrivateDataService) tryDeductSet(ds []deduction, dryRun bool) (budget.FilterStatus, []FilterID, error) {
	var oob []FilterID
	for _, d := range ds {
		if err := p.filters.Ensure(d.id); err != nil {
			return budget.OutOfBudget, nil, err
		}
		status, err := p.filters.MaybeConsume(d.id, d.loss, dryRun)
		if err != nil {
			return budget.OutOfBudget, nil, err
		}
		if status == budget.OutOfBudget {
			oob = append(oob, d.id)
		}
	}
	if len(oob) > 0 {
		return budget.OutOfBudget, oob, nil
	}
	return budget.Continue, nil, nil
}

// recordCommit feeds the ledger and consumption metrics after a phase-2
// commit. Ledger failures are logged, never raised: the filter state, not
// the ledger, carries the guarantee.
func (p *PrivateDataService) recordCommit(epoch events.EpochID, ds []deduction) {
	now := time.Now().UTC()
	for _, d := range ds {
		if p.metrics != nil && !d.loss.IsInfinite() {
			p.metrics.EpsilonConsumedTotal.WithLabelValues(d.id.Role.String()).Add(d.loss.Value())
		}
		if p.ledger == nil {
			continue
		}
		entry := LedgerEntry{Timestamp: now, Epoch: epoch, Filter: d.id, Loss: d.loss}
		if err := p.ledger.Append(entry); err != nil {
			p.log.Error("ledger append failed",
				zap.String("filter", d.id.String()),
				zap.Error(err))
		}
	}
}
