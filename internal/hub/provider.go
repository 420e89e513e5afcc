package hub

import (
	"context"
	"time"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/moondream"
	"github.com/samcharles93/moondream/internal/tokenizer"
)

type Options struct {
	ModelID  string
	Revision string
	Config   moondream.Config
	Registry Registry
	// Attempts bounds fetch retries per file. Zero means 3.
	Attempts int
	Backoff  time.Duration
	Logger   logger.Logger
}

// Provider obtains the weights and tokenizer of one model repository.
type Provider struct {
	modelID  string
	revision string
	config   moondream.Config
	registry Registry
	log      logger.Logger
}

func NewProvider(opts Options) *Provider {
	if opts.ModelID == "" {
		opts.ModelID = DefaultModelID
	}
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.Config == (moondream.Config{}) {
		opts.Config = moondream.V2()
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Registry == nil {
		opts.Registry = &HFRegistry{Logger: opts.Logger}
	}
	return &Provider{
		modelID:  opts.ModelID,
		revision: opts.Revision,
		config:   opts.Config,
		registry: &Retrying{
			Registry: opts.Registry,
			Attempts: opts.Attempts,
			Backoff:  opts.Backoff,
			Logger:   opts.Logger,
		},
		log: opts.Logger.With("model", opts.ModelID, "revision", opts.Revision),
	}
}

// Key identifies the loaded model for dev.
func (p *Provider) Key(dev device.Device) string {
	return p.modelID + "@" + p.revision + "/" + dev.Name()
}

// Fetch resolves both files to local paths without loading them.
func (p *Provider) Fetch(ctx context.Context) (weights, tok string, err error) {
	weights, err = p.registry.Resolve(ctx, p.modelID, p.revision, WeightsFile)
	if err != nil {
		return "", "", err
	}
	tok, err = p.registry.Resolve(ctx, p.modelID, p.revision, TokenizerFile)
	if err != nil {
		return "", "", err
	}
	return weights, tok, nil
}

// LoadModelAndTokenizer fetches and loads the model for dev. The caller
// owns the returned model and must Close it.
func (p *Provider) LoadModelAndTokenizer(ctx context.Context, dev device.Device) (*moondream.Model, *tokenizer.HFTokenizer, error) {
	weightsPath, tokPath, err := p.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	tok, err := tokenizer.LoadHFTokenizer(tokPath)
	if err != nil {
		return nil, nil, errdefs.Tokenizer("load "+TokenizerFile, err)
	}
	model, err := moondream.Load(weightsPath, p.config)
	if err != nil {
		return nil, nil, err
	}
	p.log.Info("model loaded", "device", dev.Name(), "weights", weightsPath, "elapsed", time.Since(start).Round(time.Millisecond))
	return model, tok, nil
}
