// Package main — cmd/epochpds/main.go
//
// epochpds operational CLI.
//
// Commands:
//
//	demo     — run a scripted attribution scenario against a fresh or
//	           persistent service and print the report envelope
//	budget   — print remaining budget per filter and the ledger tail
//	           from a bolt-backed store (device-local view)
//	version  — print build information
//
// The CLI is tooling around the library; nothing here is part of the
// core's contract.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/epochpds/epochpds/config"
)

func main() {
	app := &cli.App{
		Name:  "epochpds",
		Usage: "on-device private data service for attribution measurement",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config.yaml (built-in defaults when empty)",
			},
		},
		Commands: []*cli.Command{
			DemoCommand(),
			BudgetCommand(),
			VersionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the --config flag, falling back to defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		cfg := config.Defaults()
		return &cfg, nil
	}
	return config.Load(path)
}
