package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/device"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List usable execution devices",
		Flags: commonModelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			dev, err := device.Select(deviceName, int(threads))
			if err != nil {
				return err
			}
			fmt.Printf("available: %s\n", device.Available())
			fmt.Printf("selected:  %s\n", dev)
			return nil
		},
	}
}
