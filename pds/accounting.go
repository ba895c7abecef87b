// Package pds — accounting.go
//
// Individual privacy loss computation, following the Cookie Monster
// algorithm (https://arxiv.org/pdf/2405.16719, Code Listing 1 and Thm 18).
//
// Per-epoch loss L(e):
//   - No relevant events in e: L(e) = 0.
//   - Noise scale below machine epsilon: L(e) = Infinite. Such requests
//     only pass on filters with Infinite capacity (debugging setups); the
//     machine epsilon threshold is numeric, not a privacy parameter.
//   - Single-epoch window: L(e) = norm(unfiltered report) / noise_scale.
//     The actual mass of the output is a tight individual bound when one
//     epoch fully determines it.
//   - Multi-epoch window: L(e) = report_global_sensitivity / noise_scale.
//
// Per-epoch-source loss L(e, u) follows the same shape, with the tight
// bound applicable only when the window is a single epoch AND the request
// names a single source.
package pds

import (
	"math"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/queries"
)

// machineEpsilon is the double-precision machine epsilon. Noise scales
// below it are treated as zero noise, i.e. an infinite budget request.
const machineEpsilon = 2.220446049250313e-16

// computeEpochLoss derives the epoch's individual privacy loss from the
// unfiltered report.
func computeEpochLoss(req queries.ReportRequest, epochEvents []events.Event, unfiltered *queries.HistogramReport, numEpochs int) budget.PureDP {
	if len(epochEvents) == 0 {
		return budget.Epsilon(0)
	}

	noiseScale := req.NoiseScale()
	if math.Abs(noiseScale) < machineEpsilon {
		return budget.Infinite()
	}

	var sensitivity float64
	if numEpochs == 1 {
		sensitivity = req.SingleEpochIndividualSensitivity(unfiltered, queries.NormL1)
	} else {
		sensitivity = req.ReportGlobalSensitivity()
	}
	return budget.Epsilon(sensitivity / noiseScale)
}

// computeEpochSourceLosses derives the per-source losses for one epoch,
// keyed by requested source URI.
func computeEpochSourceLosses(req queries.ReportRequest, relevant *events.RelevantEvents, epoch events.EpochID, unfiltered *queries.HistogramReport, numEpochs int) map[string]budget.PureDP {
	uris := req.ReportURIs()
	losses := make(map[string]budget.PureDP, len(uris.SourceURIs))
	noiseScale := req.NoiseScale()

	for _, source := range uris.SourceURIs {
		if len(relevant.ForEpochAndSource(epoch, source)) == 0 {
			losses[source] = budget.Epsilon(0)
			continue
		}
		if math.Abs(noiseScale) < machineEpsilon {
			losses[source] = budget.Infinite()
			continue
		}

		var sensitivity float64
		if numEpochs == 1 && len(uris.SourceURIs) == 1 {
			sensitivity = req.SingleEpochSourceIndividualSensitivity(unfiltered, queries.NormL1)
		} else {
			sensitivity = req.ReportGlobalSensitivity()
		}
		losses[source] = budget.Epsilon(sensitivity / noiseScale)
	}
	return losses
}
