// Package queries defines the report request contract and the histogram
// attribution logic for epochpds.
//
// A report request is a declarative description of one attribution query:
// the epoch window (in attribution order), the URI scope, the relevance
// selector, the per-event attribution logic, and the sensitivity and noise
// parameters the accountant needs. The PDS core drives requests through
// this interface and never inspects their internals.
package queries

import (
	"fmt"

	"github.com/epochpds/epochpds/events"
)

// NormType selects the norm used for single-epoch individual sensitivity.
type NormType uint8

const (
	NormL1 NormType = iota
	NormL2
)

// ReportRequestURIs is the site scope of one report request.
type ReportRequestURIs struct {
	// TriggerURI is the site that triggered the report.
	TriggerURI string

	// SourceURIs are the sites whose impressions may contribute.
	SourceURIs []string

	// QuerierURIs are the sites that will receive the report.
	QuerierURIs []string
}

// ReportRequest is an epoch-based attribution query.
type ReportRequest interface {
	// EpochIDs returns the epochs to account over, in attribution order
	// (most recent first for last-touch).
	EpochIDs() []events.EpochID

	// ReportURIs returns the request's site scope.
	ReportURIs() ReportRequestURIs

	// RelevantEventSelector returns the predicate handed to the event
	// store to retrieve only relevant events.
	RelevantEventSelector() events.Selector

	// ComputeReport attributes the relevant events to histogram buckets.
	// Pure: it never touches filter state.
	ComputeReport(relevant *events.RelevantEvents) *HistogramReport

	// SingleEpochIndividualSensitivity bounds how much one user's events
	// in the single requested epoch shaped the report.
	SingleEpochIndividualSensitivity(report *HistogramReport, norm NormType) float64

	// SingleEpochSourceIndividualSensitivity is the epoch-source variant,
	// applicable when a single epoch and a single source fully determine
	// the output.
	SingleEpochSourceIndividualSensitivity(report *HistogramReport, norm NormType) float64

	// ReportGlobalSensitivity is the worst-case change of the report
	// across any single-user modification.
	ReportGlobalSensitivity() float64

	// NoiseScale is the Laplace scale the downstream aggregator will use.
	// The core adds no noise itself.
	NoiseScale() float64
}

// ConfigError reports an invalid report request at construction time.
// ComputeReport never sees an invalid request.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}
