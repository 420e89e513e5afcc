package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/logger"
)

// fileConfig is the parsed config file, loaded before any command runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "moondream",
		Usage: "Cancellable streaming image question answering with moondream2",
		Flags: append([]cli.Flag{configFlag()}, loggingFlags()...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)
			if debug {
				logLevel = "debug"
			}
			log := logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(logLevel))
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			fetchCmd(),
			devicesCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
