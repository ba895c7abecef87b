package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/epochpds/epochpds/config"
)

// VersionCommand returns the version command.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("epochpds %s (commit=%s built=%s)\n",
				config.Version, config.GitCommit, config.BuildTime)
			return nil
		},
	}
}
