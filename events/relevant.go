package events

// RelevantEvents is the working set of a single report computation: the
// relevant events of every epoch in the attribution window. Epochs with no
// relevant events are omitted.
//
// The PDS core gathers the set once at the start of the pipeline, so the
// unfiltered report sees exactly the events registered before the call, and
// drops epochs from it as their filters run out of budget.
type RelevantEvents struct {
	perEpoch map[EpochID][]Event
}

// Gather fetches and filters relevant events from the store for the given
// epochs. Epochs with no relevant events are left out of the set.
func Gather(store Store, epochIDs []EpochID, sel Selector) (*RelevantEvents, error) {
	perEpoch := make(map[EpochID][]Event)
	for _, epoch := range epochIDs {
		evs, err := store.EventsForEpoch(epoch, sel)
		if err != nil {
			return nil, err
		}
		if len(evs) > 0 {
			perEpoch[epoch] = evs
		}
	}
	return &RelevantEvents{perEpoch: perEpoch}, nil
}

// FromMap builds a RelevantEvents directly from an epoch-to-events mapping.
// Empty entries are dropped.
func FromMap(perEpoch map[EpochID][]Event) *RelevantEvents {
	m := make(map[EpochID][]Event, len(perEpoch))
	for epoch, evs := range perEpoch {
		if len(evs) > 0 {
			m[epoch] = evs
		}
	}
	return &RelevantEvents{perEpoch: m}
}

// ForEpoch returns the relevant events of one epoch, in insertion order.
// Returns nil for epochs with no relevant events.
func (r *RelevantEvents) ForEpoch(epoch EpochID) []Event {
	return r.perEpoch[epoch]
}

// ForEpochAndSource returns the epoch's relevant events registered by the
// given source, in insertion order.
func (r *RelevantEvents) ForEpochAndSource(epoch EpochID, source string) []Event {
	var out []Event
	for _, e := range r.perEpoch[epoch] {
		if e.URIs.SourceURI == source {
			out = append(out, e)
		}
	}
	return out
}

// SourcesForEpoch returns the set of source URIs with relevant events in
// the epoch.
func (r *RelevantEvents) SourcesForEpoch(epoch EpochID) map[string]struct{} {
	sources := make(map[string]struct{})
	for _, e := range r.perEpoch[epoch] {
		sources[e.URIs.SourceURI] = struct{}{}
	}
	return sources
}

// HasEvents reports whether the epoch has any relevant events.
func (r *RelevantEvents) HasEvents(epoch EpochID) bool {
	return len(r.perEpoch[epoch]) > 0
}

// DropEpoch removes the epoch and its events from the set. Called when the
// epoch's filters ran out of budget.
func (r *RelevantEvents) DropEpoch(epoch EpochID) {
	delete(r.perEpoch, epoch)
}
