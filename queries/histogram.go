package queries

import (
	"math"

	"github.com/epochpds/epochpds/events"
)

// HistogramReport is a bucket-to-value mapping. The empty mapping is the
// null report: devices that are out of budget or have no relevant events
// still return a well-formed report, so they are indistinguishable from
// other devices once reports are encrypted and padded downstream.
type HistogramReport struct {
	BinValues map[uint64]float64
}

// NewHistogramReport returns an empty (null) report.
func NewHistogramReport() *HistogramReport {
	return &HistogramReport{BinValues: make(map[uint64]float64)}
}

// IsEmpty reports whether this is a null report.
func (r *HistogramReport) IsEmpty() bool {
	return len(r.BinValues) == 0
}

// TotalValue returns the sum of all bin values (the L1 mass).
func (r *HistogramReport) TotalValue() float64 {
	var total float64
	for _, v := range r.BinValues {
		total += v
	}
	return total
}

// Norm returns the report's L1 or L2 norm.
func (r *HistogramReport) Norm(norm NormType) float64 {
	switch norm {
	case NormL2:
		var sumSquares float64
		for _, v := range r.BinValues {
			sumSquares += v * v
		}
		return math.Sqrt(sumSquares)
	default:
		var sum float64
		for _, v := range r.BinValues {
			sum += math.Abs(v)
		}
		return sum
	}
}

// EventValue pairs an event with the value the attribution logic assigned
// to it.
type EventValue struct {
	Event events.Event
	Value float64
}

// AccumulateCapped sums event values into buckets under an L1 contribution
// cap. Values are accumulated in the given order; the first value that
// would push the running total past the cap stops the accumulation, and the
// partial histogram built so far is the report.
//
// The cap makes the per-epoch L1 sensitivity equal to the actual mass of
// the report, not merely bounded by the cap in the best case.
func AccumulateCapped(eventValues []EventValue, capValue float64, bucketKey func(events.Event) uint64) *HistogramReport {
	report := NewHistogramReport()
	var total float64
	for _, ev := range eventValues {
		if total+ev.Value > capValue {
			break
		}
		total += ev.Value
		report.BinValues[bucketKey(ev.Event)] += ev.Value
	}
	return report
}
