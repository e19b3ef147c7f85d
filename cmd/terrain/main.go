package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "terrain",
		Usage: "DEM-backed terrain chunk service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (overrides TERRAIN_CONFIG_FILE)",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			chunkCmd,
			resolveCmd,
			originCmd,
			verifyCmd,
			reindexCmd,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
