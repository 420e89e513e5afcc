package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func fetchCmd() *cli.Command {
	var load bool
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download the model files into the local cache",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:        "load",
				Usage:       "also load the weights to verify them",
				Destination: &load,
			},
		}, commonModelFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := newStack(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer st.close()

			weights, tok, err := st.provider.Fetch(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("weights:   %s\n", weights)
			fmt.Printf("tokenizer: %s\n", tok)
			if !load {
				return nil
			}
			h, err := st.cache.Acquire(ctx, st.dev)
			if err != nil {
				return err
			}
			defer h.Release()
			fmt.Printf("vocab:     %d\n", h.Tokenizer.VocabSize())
			return nil
		},
	}
}
