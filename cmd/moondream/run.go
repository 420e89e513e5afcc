package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/job"
	"github.com/samcharles93/moondream/internal/logger"
)

func runCmd() *cli.Command {
	var (
		imagePath  string
		prompt     string
		streamMode string
		raw        bool
		jsonOut    bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Answer a question about an image, streaming tokens to stdout",
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "image",
				Aliases:     []string{"i"},
				Usage:       "path to the image (png, jpeg, gif, webp)",
				Required:    true,
				Destination: &imagePath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "question about the image",
				Required:    true,
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "token output (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "escape control characters in the output",
				Destination: &raw,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print every generation event as a JSON line",
				Destination: &jsonOut,
			},
		}, commonModelFlags()...), samplingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyRunConfig(cmd, fileConfig, &streamMode)
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return err
			}

			st, err := newStack(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer st.close()

			out := NewStreamWriter(os.Stdout, mode, raw)
			var (
				mu       sync.Mutex
				runErr   error
				count    int
				start    = time.Now()
				firstTok time.Duration
			)
			emit := job.EmitterFunc(func(ev job.Event) {
				mu.Lock()
				defer mu.Unlock()
				if ev.Err != nil {
					runErr = ev.Err
				}
				if ev.Generation != nil {
					if count == 0 {
						firstTok = time.Since(start)
					}
					count++
				}
				if jsonOut {
					if b, err := json.Marshal(ev); err == nil {
						_, _ = fmt.Fprintln(os.Stdout, string(b))
					}
					return
				}
				if ev.Generation != nil {
					out.Write(ev.Generation.Token.Text)
				}
			})

			ctrl := st.controller(emit)
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go stopOnSignal(sigs, ctrl, log)

			if _, err := ctrl.Start(job.Request{Prompt: prompt, ImagePath: imagePath}); err != nil {
				return err
			}
			ctrl.Wait()

			if !jsonOut {
				out.Flush()
				fmt.Println()
			}
			mu.Lock()
			defer mu.Unlock()
			elapsed := time.Since(start)
			if count > 0 {
				log.Info("generation complete",
					"tokens", count,
					"first_token", firstTok.Round(time.Millisecond),
					"elapsed", elapsed.Round(time.Millisecond),
					"tok_per_sec", float64(count)/elapsed.Seconds(),
				)
			}
			return runErr
		},
	}
}

type runStopper interface {
	Stop() bool
	Shutdown()
}

// stopOnSignal cancels the current run on the first signal. A signal with
// no run installed, or any later signal, shuts the controller down so a
// pending build or download is aborted too.
func stopOnSignal(sigs <-chan os.Signal, ctrl runStopper, log logger.Logger) {
	stopped := false
	for range sigs {
		if !stopped && ctrl.Stop() {
			stopped = true
			log.Info("stopping generation")
			continue
		}
		log.Info("shutting down")
		go ctrl.Shutdown()
	}
}
