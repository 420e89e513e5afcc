package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/api"
	"github.com/samcharles93/moondream/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		uploadDir   string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API with a server-sent event stream",
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "upload-dir",
				Usage:       "directory for uploaded images (default: a temporary directory)",
				Destination: &uploadDir,
			},
		}, commonModelFlags()...), samplingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)

			st, err := newStack(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer st.close()

			broker := api.NewBroker(0, log)
			defer broker.Close()
			ctrl := st.controller(broker)
			defer ctrl.Shutdown()

			server, err := api.NewServer(api.Config{
				Controller: ctrl,
				Broker:     broker,
				Device:     st.dev,
				UploadDir:  uploadDir,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer func() { _ = server.Close() }()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting server", "address", addr, "device", st.dev.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
