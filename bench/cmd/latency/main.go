// Package main — bench/cmd/latency/main.go
//
// Report pipeline latency measurement tool.
//
// Measures the wall-clock time of ComputeReport against an in-memory
// service preloaded with a configurable number of impressions, using
// infinite filter capacities so no epoch ever drops and every iteration
// exercises the full pipeline (gather, unfiltered compute, accounting,
// two-phase commit, filtered compute).
//
// The measurement includes store access and accounting; it does NOT
// include Go scheduling jitter beyond what runtime.LockOSThread leaves.
//
// Output CSV columns:
//   iteration, latency_us, filtered_bins
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/pds"
	"github.com/epochpds/epochpds/queries"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of reports to measure")
	epochs := flag.Uint64("epochs", 4, "Epochs in the attribution window")
	impressions := flag.Int("impressions", 100, "Impressions per epoch")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	caps := pds.StaticCapacities{
		PerQuerier:   budget.Infinite(),
		Global:       budget.Infinite(),
		TriggerQuota: budget.Infinite(),
		SourceQuota:  budget.Infinite(),
	}
	svc := pds.New(budget.NewMapStore(caps.Policy()), events.NewMapStore(), zap.NewNop())

	uris := events.URIs{
		SourceURI:   "blog.example",
		TriggerURIs: []string{"shoes.example"},
		QuerierURIs: []string{"adtech.example"},
	}
	var id uint64
	for epoch := events.EpochID(1); epoch <= events.EpochID(*epochs); epoch++ {
		for i := 0; i < *impressions; i++ {
			id++
			_ = svc.RegisterEvent(events.Event{
				ID:          id,
				Timestamp:   uint64(epoch)*1000 + uint64(i),
				Epoch:       epoch,
				BucketIndex: uint64(i % 16),
				FilterData:  1,
				URIs:        uris,
			})
		}
	}

	request, err := queries.NewHistogramQuery(queries.HistogramConfig{
		StartEpoch:           1,
		EndEpoch:             events.EpochID(*epochs),
		AttributableValue:    1.0,
		MaxAttributableValue: 1.0,
		RequestedEpsilon:     1.0,
		HistogramSize:        16,
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

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "filtered_bins"})

	latencies := make([]float64, 0, *iterations)
	for i := 0; i < *iterations; i++ {
		start := time.Now()
		env, err := svc.ComputeReport(request)
		latency := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "compute report: %v\n", err)
			os.Exit(1)
		}

		us := float64(latency.Microseconds())
		latencies = append(latencies, us)
		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(us, 'f', 1, 64),
			strconv.Itoa(len(env.FilteredReport.BinValues)),
		})
	}

	sort.Float64s(latencies)
	pct := func(p float64) float64 {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Fprintf(os.Stderr, "iterations: %d\n", *iterations)
	fmt.Fprintf(os.Stderr, "p50: %.1fus  p95: %.1fus  p99: %.1fus  max: %.1fus\n",
		pct(0.50), pct(0.95), pct(0.99), latencies[len(latencies)-1])
}
