package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/hub"
	"github.com/samcharles93/moondream/internal/job"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/logits"
	"github.com/samcharles93/moondream/internal/pipeline"
)

// stack is the device, model provider and model cache shared by the
// commands that generate.
type stack struct {
	dev      device.Device
	provider *hub.Provider
	cache    *hub.Cache
	log      logger.Logger
}

func newStack(ctx context.Context, cmd *cli.Command, progress bool) (*stack, error) {
	applyModelConfig(cmd, fileConfig)
	log := logger.FromContext(ctx)

	dev, err := device.Select(deviceName, int(threads))
	if err != nil {
		return nil, err
	}
	provider := hub.NewProvider(hub.Options{
		ModelID:  modelID,
		Revision: revision,
		Registry: &hub.HFRegistry{CacheDir: cacheDir, Token: hfToken, Progress: progress, Logger: log},
		Attempts: int(retries),
		Backoff:  time.Second,
		Logger:   log,
	})
	log.Info("device selected", "device", dev.String())
	return &stack{
		dev:      dev,
		provider: provider,
		cache:    hub.NewCache(provider, cacheModels, log),
		log:      log,
	}, nil
}

func (s *stack) sampler() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:        seed,
		Temperature: float32(temperature),
		TopK:        int(topK),
		TopP:        float32(topP),
	}
}

func (s *stack) controller(emit job.Emitter) *job.Controller {
	return job.New(job.Config{
		Build: job.PipelineBuilder(pipeline.Options{
			Device:  s.dev,
			Models:  s.cache,
			Sampler: s.sampler(),
			Logger:  s.log,
		}),
		Emit:     emit,
		MaxSteps: int(maxSteps),
		Logger:   s.log,
	})
}

func (s *stack) close() {
	if err := s.cache.Close(); err != nil {
		s.log.Warn("closing model cache", "error", err)
	}
}
