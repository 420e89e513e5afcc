// Package hub resolves moondream checkpoints from the HuggingFace hub and
// keeps loaded models around between generations.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	hfhub "github.com/gomlx/go-huggingface/hub"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/logger"
)

const (
	DefaultModelID  = "vikhyatk/moondream2"
	DefaultRevision = "2024-03-06"

	WeightsFile   = "model.safetensors"
	TokenizerFile = "tokenizer.json"
)

// Registry maps a file of a model repository to a local path, fetching it
// when needed.
type Registry interface {
	Resolve(ctx context.Context, modelID, revision, file string) (string, error)
}

// HFRegistry downloads from the HuggingFace hub into a local cache.
type HFRegistry struct {
	// CacheDir overrides the hub's default cache directory when set.
	CacheDir string
	// Token authenticates against gated or private repositories.
	Token    string
	Progress bool
	Logger   logger.Logger
}

func (r *HFRegistry) Resolve(ctx context.Context, modelID, revision, file string) (string, error) {
	repo := hfhub.New(modelID).WithProgressBar(r.Progress)
	if revision != "" {
		repo = repo.WithRevision(revision)
	}
	if r.CacheDir != "" {
		repo = repo.WithCacheDir(r.CacheDir)
	}
	if r.Token != "" {
		repo = repo.WithAuth(r.Token)
	}

	return r.await(ctx, modelID, file, func() (string, error) {
		return repo.DownloadFile(file)
	})
}

// await runs download and returns early when ctx ends. The hub client has no
// cancellation, so the download itself keeps running in the background
// until it completes.
func (r *HFRegistry) await(ctx context.Context, modelID, file string, download func() (string, error)) (string, error) {
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := download()
		done <- result{path, err}
	}()
	select {
	case <-ctx.Done():
		log := r.Logger
		if log == nil {
			log = logger.Discard()
		}
		log.Debug("fetch abandoned, download continues in background", "model", modelID, "file", file, "error", ctx.Err())
		return "", ctx.Err()
	case res := <-done:
		return res.path, res.err
	}
}

// Retrying wraps a Registry with exponential backoff. Once every attempt
// has failed the last error is reported as errdefs.ErrModelNotFound.
type Retrying struct {
	Registry Registry
	Attempts int
	Backoff  time.Duration
	Logger   logger.Logger
}

func (r *Retrying) Resolve(ctx context.Context, modelID, revision, file string) (string, error) {
	attempts := max(r.Attempts, 1)
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	log := r.Logger
	if log == nil {
		log = logger.Discard()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		path, err := r.Registry.Resolve(ctx, modelID, revision, file)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == attempts {
			break
		}
		log.Warn("model fetch failed, retrying", "model", modelID, "file", file, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return "", errdefs.ModelNotFound(modelID, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", errdefs.ModelNotFound(modelID, fmt.Errorf("%s@%s/%s: %w", modelID, revision, file, lastErr))
}
