// Package events defines the impression event model and event storage for
// epochpds.
//
// Event lifecycle:
//   - Events are created by PrivateDataService.RegisterEvent and are
//     immutable once stored.
//   - Every event belongs to exactly one epoch. Storage is partitioned by
//     epoch and append-only; the core never deletes events.
//   - Within an epoch, retrieval preserves insertion order. Last-touch
//     attribution depends on that order to break timestamp ties.
package events

// EpochID identifies a discrete time bucket. One filter of each role exists
// per epoch. Epoch IDs are totally ordered.
type EpochID uint64

// URIs is the site scope attached to an event at registration time.
type URIs struct {
	// SourceURI is the site that registered the impression.
	SourceURI string

	// TriggerURIs are the sites allowed to trigger a report that includes
	// this event.
	TriggerURIs []string

	// QuerierURIs are the sites allowed to receive reports that include
	// this event.
	QuerierURIs []string
}

// Event is a registered impression.
type Event struct {
	// ID is a caller-assigned identifier, kept for debugging.
	ID uint64

	// Timestamp orders events for last-touch attribution. Ties are broken
	// by insertion order in the store.
	Timestamp uint64

	// Epoch is the epoch the event belongs to.
	Epoch EpochID

	// BucketIndex is the histogram bucket this event contributes to.
	// Indices at or beyond a request's histogram size are discarded with a
	// warning at attribution time.
	BucketIndex uint64

	// FilterData carries bit-packed campaign or ad attributes for the
	// relevance match function.
	FilterData uint64

	// URIs is the event's site scope.
	URIs URIs
}

// Selector decides whether a stored event is relevant to a report request.
// Selectors are immutable; implementations carry the request's URI scope
// and an optional caller-supplied match function.
type Selector interface {
	IsRelevant(e Event) bool
}
