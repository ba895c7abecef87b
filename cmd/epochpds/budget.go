package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/epochpds/epochpds/storage"
)

// BudgetCommand returns the budget command. It reads a bolt-backed store
// and prints per-filter remaining budget plus the ledger tail. The output
// is device-local diagnostic state and must not be shared off-device.
func BudgetCommand() *cli.Command {
	return &cli.Command{
		Name:  "budget",
		Usage: "Print remaining budget per filter and recent deductions",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "tail",
				Value: 10,
				Usage: "number of ledger entries to print",
			},
		},
		Action: budgetAction,
	}
}

func budgetAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != "bolt" {
		return cli.Exit("budget inspection requires the bolt storage backend", 1)
	}

	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	filters := db.Filters(cfg.Capacities.Static().Policy())
	ids, err := filters.List()
	if err != nil {
		return err
	}

	fmt.Printf("filters: %d\n", len(ids))
	for _, id := range ids {
		remaining, err := filters.RemainingBudget(id)
		if err != nil {
			return err
		}
		fmt.Printf("  %-50s remaining %s\n", id, remaining)
	}

	entries, err := db.ReadLedger()
	if err != nil {
		return err
	}
	tail := c.Int("tail")
	if tail > 0 && tail < len(entries) {
		entries = entries[len(entries)-tail:]
	}
	fmt.Printf("ledger tail (%d entries):\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("  %s epoch=%d %s loss=%s\n",
			entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			entry.Epoch, entry.Filter, entry.Loss)
	}
	return nil
}
