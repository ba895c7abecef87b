package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/config"
	"github.com/epochpds/epochpds/events"
	"github.com/epochpds/epochpds/logging"
	"github.com/epochpds/epochpds/pds"
	"github.com/epochpds/epochpds/queries"
	"github.com/epochpds/epochpds/storage"
)

// DemoCommand returns the demo command: one impression, one conversion
// report, plus a handful of out-of-scope impressions that must not
// contribute.
func DemoCommand() *cli.Command {
	return &cli.Command{
		Name:   "demo",
		Usage:  "Run a scripted attribution scenario and print the report",
		Action: demoAction,
	}
}

// buildService wires a PrivateDataService from config. The returned close
// function is nil for the memory backend.
func buildService(cfg *config.Config, log *zap.Logger) (*pds.PrivateDataService, func() error, error) {
	caps := cfg.Capacities.Static()

	if cfg.Storage.Backend == "bolt" {
		db, err := storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, nil, err
		}
		svc := pds.New(db.Filters(caps.Policy()), db.Events(), log, pds.WithLedger(db))
		return svc, db.Close, nil
	}

	svc := pds.New(budget.NewMapStore(caps.Policy()), events.NewMapStore(), log)
	return svc, nil, nil
}

func demoAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	svc, closeStore, err := buildService(cfg, log)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore() //nolint:errcheck
	}

	uris := events.URIs{
		SourceURI:   "blog.example",
		TriggerURIs: []string{"shoes.example"},
		QuerierURIs: []string{"adtech.example"},
	}

	// One relevant impression, and three that fail one relevance
	// condition each.
	impressions := []events.Event{
		{ID: 1, Timestamp: 100, Epoch: 1, BucketIndex: 3, FilterData: 1, URIs: uris},
		{ID: 2, Timestamp: 110, Epoch: 1, BucketIndex: 3, FilterData: 1, URIs: events.URIs{
			SourceURI: "blog-off-brand.example", TriggerURIs: uris.TriggerURIs, QuerierURIs: uris.QuerierURIs}},
		{ID: 3, Timestamp: 120, Epoch: 1, BucketIndex: 3, FilterData: 1, URIs: events.URIs{
			SourceURI: uris.SourceURI, TriggerURIs: []string{"hats.example"}, QuerierURIs: uris.QuerierURIs}},
		{ID: 4, Timestamp: 130, Epoch: 1, BucketIndex: 3, FilterData: 2, URIs: uris},
	}
	for _, e := range impressions {
		if err := svc.RegisterEvent(e); err != nil {
			return err
		}
	}

	// Single-epoch window: the epoch is charged the report's actual mass
	// over the noise scale, 3.0 / (3.0/1.0) = 1.0, which exactly fits the
	// default per-querier capacity.
	request, err := queries.NewHistogramQuery(queries.HistogramConfig{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    3.0,
		MaxAttributableValue: 5.0,
		RequestedEpsilon:     1.0,
		HistogramSize:        8,
	}, &queries.RelevantEventSelector{
		URIs: queries.ReportRequestURIs{
			TriggerURI:  "shoes.example",
			SourceURIs:  []string{"blog.example"},
			QuerierURIs: []string{"adtech.example"},
		},
		MatchFilterData: func(fd uint64) bool { return fd == 1 },
	}, log)
	if err != nil {
		return err
	}

	env, err := svc.ComputeReport(request)
	if err != nil {
		return err
	}

	fmt.Println("filtered report:")
	printReport(env.FilteredReport)
	fmt.Println("unfiltered report:")
	printReport(env.UnfilteredReport)
	if len(env.OOBFilters) > 0 {
		fmt.Println("out-of-budget filters:")
		for _, id := range env.OOBFilters {
			fmt.Printf("  %s\n", id)
		}
	} else {
		fmt.Println("out-of-budget filters: none")
	}

	fmt.Println("remaining budget (device-local):")
	for _, id := range []pds.FilterID{
		pds.PerQuerier(1, "adtech.example"),
		pds.Global(1),
		pds.TriggerQuota(1, "shoes.example"),
		pds.SourceQuota(1, "blog.example"),
	} {
		remaining, err := svc.RemainingBudget(id)
		if err != nil {
			return err
		}
		fmt.Printf("  %-40s %s\n", id, remaining)
	}
	return nil
}

func printReport(report *queries.HistogramReport) {
	if report.IsEmpty() {
		fmt.Println("  (null report)")
		return
	}
	for bucket, value := range report.BinValues {
		fmt.Printf("  bucket %d: %g\n", bucket, value)
	}
}
