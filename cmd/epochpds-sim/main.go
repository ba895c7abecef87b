// Package main — cmd/epochpds-sim/main.go
//
// epochpds budget exhaustion simulator.
//
// Purpose: validate a capacity policy against a synthetic workload before
// deployment. The simulator streams impressions across a range of epochs,
// then issues a stream of conversion reports with sliding attribution
// windows, and tracks how epoch drops accumulate as per-epoch filters
// drain.
//
// Workload model:
//   - `epochs` epochs, each receiving `impressions` impressions with
//     random buckets in [0, histogram-size).
//   - `reports` conversion reports; report r ends at a random epoch and
//     spans `window` epochs (clamped at epoch 1).
//   - Every report requests `epsilon` with attributable value A and
//     histogram size `histogram-size`.
//
// Output: per-report CSV to stdout
// (report, end_epoch, window, oob_filters, filtered_bins, filtered_mass).
// Summary: drop statistics to stderr.
//
// Usage:
//   epochpds-sim -epochs 10 -impressions 5 -reports 200 -epsilon 0.1 \
//     -per-querier 1.0 -global 20.0
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
	"github.com/epochpds/epochpds/queries"
)

func main() {
	epochs := flag.Uint64("epochs", 10, "Number of epochs receiving impressions")
	impressions := flag.Int("impressions", 5, "Impressions registered per epoch")
	reports := flag.Int("reports", 200, "Number of conversion reports to issue")
	window := flag.Uint64("window", 2, "Attribution window length in epochs")
	epsilon := flag.Float64("epsilon", 0.1, "Requested epsilon per report")
	attributable := flag.Float64("value", 1.0, "Attributable value A per report")
	histogramSize := flag.Uint64("histogram-size", 16, "Histogram bucket cardinality")
	perQuerier := flag.Float64("per-querier", 1.0, "Per-querier filter capacity")
	global := flag.Float64("global", 20.0, "Global (collusion) filter capacity")
	triggerQuota := flag.Float64("trigger-quota", 1.5, "Trigger quota capacity")
	sourceQuota := flag.Float64("source-quota", 8.0, "Source quota capacity")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *epochs == 0 || *window == 0 {
		fmt.Fprintln(os.Stderr, "ERROR: epochs and window must be >= 1")
		os.Exit(1)
	}
	if *epsilon <= 0 || *attributable <= 0 {
		fmt.Fprintln(os.Stderr, "ERROR: epsilon and value must be > 0")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	caps := pds.StaticCapacities{
		PerQuerier:   budget.Epsilon(*perQuerier),
		Global:       budget.Epsilon(*global),
		TriggerQuota: budget.Epsilon(*triggerQuota),
		SourceQuota:  budget.Epsilon(*sourceQuota),
	}
	svc := pds.New(budget.NewMapStore(caps.Policy()), events.NewMapStore(), zap.NewNop())

	uris := events.URIs{
		SourceURI:   "blog.example",
		TriggerURIs: []string{"shoes.example"},
		QuerierURIs: []string{"adtech.example"},
	}

	// ── Impression stream ─────────────────────────────────────────────────────
	var eventID uint64
	for epoch := events.EpochID(1); epoch <= events.EpochID(*epochs); epoch++ {
		for i := 0; i < *impressions; i++ {
			eventID++
			e := events.Event{
				ID:          eventID,
				Timestamp:   uint64(epoch)*1000 + uint64(i),
				Epoch:       epoch,
				BucketIndex: uint64(rng.Intn(int(*histogramSize))),
				FilterData:  1,
				URIs:        uris,
			}
			if err := svc.RegisterEvent(e); err != nil {
				fmt.Fprintf(os.Stderr, "register event: %v\n", err)
				os.Exit(1)
			}
		}
	}

	// ── Report stream ─────────────────────────────────────────────────────────
	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"report", "end_epoch", "window", "oob_filters", "filtered_bins", "filtered_mass"})

	var totalOOB, nullReports int
	for r := 0; r < *reports; r++ {
		end := events.EpochID(1 + rng.Intn(int(*epochs)))
		start := events.EpochID(1)
		if uint64(end) > *window {
			start = end - events.EpochID(*window) + 1
		}

		request, err := queries.NewHistogramQuery(queries.HistogramConfig{
			StartEpoch:           start,
			EndEpoch:             end,
			AttributableValue:    *attributable,
			MaxAttributableValue: *attributable,
			RequestedEpsilon:     *epsilon,
			HistogramSize:        *histogramSize,
		}, &queries.RelevantEventSelector{
			URIs: queries.ReportRequestURIs{
				TriggerURI:  "shoes.example",
				SourceURIs:  []string{"blog.example"},
				QuerierURIs: []string{"adtech.example"},
			},
		}, zap.NewNop())
		if err != nil {
			fmt.Fprintf(os.Stderr, "build request: %v\n", err)
			os.Exit(1)
		}

		env, err := svc.ComputeReport(request)
		if err != nil {
			fmt.Fprintf(os.Stderr, "compute report: %v\n", err)
			os.Exit(1)
		}

		totalOOB += len(env.OOBFilters)
		if env.FilteredReport.IsEmpty() {
			nullReports++
		}
		_ = w.Write([]string{
			strconv.Itoa(r),
			strconv.FormatUint(uint64(end), 10),
			strconv.FormatUint(*window, 10),
			strconv.Itoa(len(env.OOBFilters)),
			strconv.Itoa(len(env.FilteredReport.BinValues)),
			strconv.FormatFloat(env.FilteredReport.TotalValue(), 'f', 6, 64),
		})
	}
	w.Flush()

	// ── Summary ───────────────────────────────────────────────────────────────
	fmt.Fprintf(os.Stderr, "\n=== EXHAUSTION SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "Reports issued:        %d\n", *reports)
	fmt.Fprintf(os.Stderr, "Null filtered reports: %d (%.1f%%)\n",
		nullReports, 100*float64(nullReports)/float64(*reports))
	fmt.Fprintf(os.Stderr, "OOB filter hits:       %d\n", totalOOB)
	fmt.Fprintf(os.Stderr, "Seed:                  %d\n", *seed)
}
