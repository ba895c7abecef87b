package queries

import (
	"go.uber.org/zap"

	"github.com/epochpds/epochpds/events"
)

// RelevantEventSelector is the relevance predicate for histogram queries.
// An event is relevant iff:
//  1. its source URI is one of the request's source URIs,
//  2. every request querier URI is among the event's querier URIs,
//  3. the request's trigger URI is among the event's trigger URIs,
//  4. the match function accepts its filter data (nil matches all), and
//  5. its bucket index is in the requested bucket set (nil means all).
type RelevantEventSelector struct {
	URIs ReportRequestURIs

	// MatchFilterData is the caller-supplied match over the event's
	// filter data. Nil accepts every event.
	MatchFilterData func(filterData uint64) bool

	// RequestedBuckets optionally restricts relevance to an allow-list of
	// bucket indices. Nil accepts every bucket.
	RequestedBuckets map[uint64]struct{}
}

var _ events.Selector = (*RelevantEventSelector)(nil)

// IsRelevant applies the five relevance conditions.
func (s *RelevantEventSelector) IsRelevant(e events.Event) bool {
	sourceMatch := false
	for _, src := range s.URIs.SourceURIs {
		if src == e.URIs.SourceURI {
			sourceMatch = true
			break
		}
	}
	if !sourceMatch {
		return false
	}

	for _, querier := range s.URIs.QuerierURIs {
		if !contains(e.URIs.QuerierURIs, querier) {
			return false
		}
	}

	if !contains(e.URIs.TriggerURIs, s.URIs.TriggerURI) {
		return false
	}

	if s.MatchFilterData != nil && !s.MatchFilterData(e.FilterData) {
		return false
	}

	if s.RequestedBuckets != nil {
		if _, ok := s.RequestedBuckets[e.BucketIndex]; !ok {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// HistogramConfig parameterizes a last-touch histogram query.
type HistogramConfig struct {
	// StartEpoch and EndEpoch bound the attribution window, inclusive.
	StartEpoch events.EpochID
	EndEpoch   events.EpochID

	// AttributableValue is the maximum total value this conversion may
	// distribute across its attributed events.
	AttributableValue float64

	// MaxAttributableValue caps AttributableValue across conversions of
	// this querier. Exposed to callers deriving query-level sensitivity;
	// it does not enter the noise scale.
	MaxAttributableValue float64

	// RequestedEpsilon is the epsilon the querier asks for.
	RequestedEpsilon float64

	// HistogramSize is the bucket cardinality. Events with bucket indices
	// at or beyond it are discarded with a warning, without charge.
	HistogramSize uint64
}

// HistogramQuery is a last-touch histogram report request: in each epoch of
// the window, the most recent relevant event is attributed the full
// AttributableValue, epochs are visited most recent first, and the total
// contribution is capped at AttributableValue.
type HistogramQuery struct {
	cfg      HistogramConfig
	selector *RelevantEventSelector
	log      *zap.Logger
}

var _ ReportRequest = (*HistogramQuery)(nil)

// NewHistogramQuery validates the configuration and builds the query.
// Requests naming more than one querier URI are rejected until report
// splitting semantics are decided.
func NewHistogramQuery(cfg HistogramConfig, selector *RelevantEventSelector, log *zap.Logger) (*HistogramQuery, error) {
	if cfg.RequestedEpsilon <= 0 {
		return nil, &ConfigError{Field: "requested_epsilon", Reason: "must be greater than 0"}
	}
	if cfg.AttributableValue < 0 || cfg.MaxAttributableValue < 0 {
		return nil, &ConfigError{Field: "attributable_value", Reason: "sensitivity values must be non-negative"}
	}
	if cfg.AttributableValue > cfg.MaxAttributableValue {
		return nil, &ConfigError{Field: "attributable_value", Reason: "must not exceed max_attributable_value"}
	}
	if cfg.HistogramSize == 0 {
		return nil, &ConfigError{Field: "histogram_size", Reason: "must be greater than 0"}
	}
	if cfg.StartEpoch > cfg.EndEpoch {
		return nil, &ConfigError{Field: "epoch_window", Reason: "start_epoch must not exceed end_epoch"}
	}
	if selector == nil {
		return nil, &ConfigError{Field: "selector", Reason: "must not be nil"}
	}
	if len(selector.URIs.QuerierURIs) != 1 {
		return nil, &ConfigError{Field: "querier_uris", Reason: "exactly one querier is supported"}
	}
	if selector.URIs.TriggerURI == "" {
		return nil, &ConfigError{Field: "trigger_uri", Reason: "must not be empty"}
	}
	if len(selector.URIs.SourceURIs) == 0 {
		return nil, &ConfigError{Field: "source_uris", Reason: "must name at least one source"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HistogramQuery{cfg: cfg, selector: selector, log: log}, nil
}

// Config returns the query configuration.
func (q *HistogramQuery) Config() HistogramConfig {
	return q.cfg
}

// EpochIDs returns the window in attribution order, most recent first.
func (q *HistogramQuery) EpochIDs() []events.EpochID {
	ids := make([]events.EpochID, 0, q.cfg.EndEpoch-q.cfg.StartEpoch+1)
	for e := q.cfg.EndEpoch; ; e-- {
		ids = append(ids, e)
		if e == q.cfg.StartEpoch {
			break
		}
	}
	return ids
}

// ReportURIs returns the request's site scope.
func (q *HistogramQuery) ReportURIs() ReportRequestURIs {
	return q.selector.URIs
}

// RelevantEventSelector returns the relevance predicate.
func (q *HistogramQuery) RelevantEventSelector() events.Selector {
	return q.selector
}

// NoiseScale returns the Laplace scale attributable_value / epsilon.
func (q *HistogramQuery) NoiseScale() float64 {
	return q.cfg.AttributableValue / q.cfg.RequestedEpsilon
}

// ReportGlobalSensitivity returns 2 * attributable_value, the multi-epoch
// worst case for histogram outputs.
func (q *HistogramQuery) ReportGlobalSensitivity() float64 {
	return 2 * q.cfg.AttributableValue
}

// SingleEpochIndividualSensitivity is the norm of the computed report: with
// a single epoch, the report's actual mass is a tight bound.
func (q *HistogramQuery) SingleEpochIndividualSensitivity(report *HistogramReport, norm NormType) float64 {
	return report.Norm(norm)
}

// SingleEpochSourceIndividualSensitivity matches the single-epoch bound.
func (q *HistogramQuery) SingleEpochSourceIndividualSensitivity(report *HistogramReport, norm NormType) float64 {
	return report.Norm(norm)
}

// ComputeReport runs last-touch attribution and the capped accumulation.
func (q *HistogramQuery) ComputeReport(relevant *events.RelevantEvents) *HistogramReport {
	return AccumulateCapped(q.eventValues(relevant), q.cfg.AttributableValue, func(e events.Event) uint64 {
		return e.BucketIndex
	})
}

// eventValues emits one (event, value) pair per epoch with relevant events:
// the epoch's most recent relevant event carries the full attributable
// value. Epochs are visited in attribution order so the contribution cap
// favors recency. Timestamp ties go to the later-inserted event.
func (q *HistogramQuery) eventValues(relevant *events.RelevantEvents) []EventValue {
	var out []EventValue
	for _, epoch := range q.EpochIDs() {
		epochEvents := relevant.ForEpoch(epoch)
		if len(epochEvents) == 0 {
			continue
		}

		last := epochEvents[0]
		for _, e := range epochEvents[1:] {
			if e.Timestamp >= last.Timestamp {
				last = e
			}
		}

		if last.BucketIndex >= q.cfg.HistogramSize {
			q.log.Warn("dropping event with out-of-range bucket index",
				zap.Uint64("event_id", last.ID),
				zap.Uint64("bucket_index", last.BucketIndex),
				zap.Uint64("histogram_size", q.cfg.HistogramSize))
			continue
		}
		out = append(out, EventValue{Event: last, Value: q.cfg.AttributableValue})
	}
	return out
}
