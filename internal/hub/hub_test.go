package hub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/moondream"
	"github.com/samcharles93/moondream/internal/tokenizer"
)

// dirRegistry serves files from a directory, failing the first failures
// calls.
type dirRegistry struct {
	dir      string
	failures int32
	calls    atomic.Int32
}

func (r *dirRegistry) Resolve(ctx context.Context, modelID, revision, file string) (string, error) {
	if n := r.calls.Add(1); n <= r.failures {
		return "", errors.New("connection reset")
	}
	path := filepath.Join(r.dir, file)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func writeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, moondream.WriteToyCheckpoint(filepath.Join(dir, WeightsFile), moondream.TinyConfig(), 3))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TokenizerFile), tokenizer.ToyJSON(), 0o644))
	return dir
}

func cpu(t *testing.T) device.Device {
	t.Helper()
	dev, err := device.Select(device.CPU, 1)
	require.NoError(t, err)
	return dev
}

func newTestProvider(reg Registry) *Provider {
	return NewProvider(Options{
		Config:   moondream.TinyConfig(),
		Registry: reg,
		Backoff:  time.Millisecond,
	})
}

func TestProviderLoadsModelAndTokenizer(t *testing.T) {
	t.Parallel()
	p := newTestProvider(&dirRegistry{dir: writeRepo(t)})

	model, tok, err := p.LoadModelAndTokenizer(context.Background(), cpu(t))
	require.NoError(t, err)
	defer model.Close()

	assert.Equal(t, moondream.TinyConfig(), model.Config)
	id, ok := tok.TokenID(tokenizer.EndOfText)
	assert.True(t, ok)
	assert.Equal(t, 256, id)
}

func TestProviderRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	reg := &dirRegistry{dir: writeRepo(t), failures: 2}
	p := newTestProvider(reg)

	weights, tok, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, WeightsFile, filepath.Base(weights))
	assert.Equal(t, TokenizerFile, filepath.Base(tok))
	assert.Equal(t, int32(4), reg.calls.Load())
}

func TestProviderExhaustedRetriesIsModelNotFound(t *testing.T) {
	t.Parallel()
	reg := &dirRegistry{dir: t.TempDir()}
	p := newTestProvider(reg)

	_, _, err := p.LoadModelAndTokenizer(context.Background(), cpu(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrModelNotFound)
	assert.Equal(t, int32(3), reg.calls.Load())
}

func TestProviderMalformedTokenizer(t *testing.T) {
	t.Parallel()
	dir := writeRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, TokenizerFile), []byte(`{"model":{}}`), 0o644))
	p := newTestProvider(&dirRegistry{dir: dir})

	_, _, err := p.LoadModelAndTokenizer(context.Background(), cpu(t))
	assert.ErrorIs(t, err, errdefs.ErrTokenizer)
}

func TestProviderWrongConfigIsModelLoadError(t *testing.T) {
	t.Parallel()
	cfg := moondream.TinyConfig()
	cfg.Text.Dim = 32
	p := NewProvider(Options{Config: cfg, Registry: &dirRegistry{dir: writeRepo(t)}})

	_, _, err := p.LoadModelAndTokenizer(context.Background(), cpu(t))
	assert.ErrorIs(t, err, errdefs.ErrModelLoad)
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	reg := &dirRegistry{dir: t.TempDir(), failures: 100}
	r := &Retrying{Registry: reg, Attempts: 5, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx, "m", "r", "f")
	assert.ErrorIs(t, err, errdefs.ErrModelNotFound)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), reg.calls.Load())
}

type countingLoader struct {
	*Provider
	loads atomic.Int32
}

func (l *countingLoader) LoadModelAndTokenizer(ctx context.Context, dev device.Device) (*moondream.Model, *tokenizer.HFTokenizer, error) {
	l.loads.Add(1)
	return l.Provider.LoadModelAndTokenizer(ctx, dev)
}

func TestCacheLoadsOncePerKey(t *testing.T) {
	t.Parallel()
	loader := &countingLoader{Provider: newTestProvider(&dirRegistry{dir: writeRepo(t)})}
	c := NewCache(loader, true, nil)
	defer c.Close()
	dev := cpu(t)

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), dev)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.loads.Load())
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Same(t, handles[0].Model, h.Model)
		h.Release()
	}
	assert.Equal(t, 1, c.Len())

	h, err := c.Acquire(context.Background(), dev)
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestCacheWithoutKeepReloads(t *testing.T) {
	t.Parallel()
	loader := &countingLoader{Provider: newTestProvider(&dirRegistry{dir: writeRepo(t)})}
	c := NewCache(loader, false, nil)
	defer c.Close()
	dev := cpu(t)

	h, err := c.Acquire(context.Background(), dev)
	require.NoError(t, err)
	h.Release()
	h.Release()
	assert.Equal(t, 0, c.Len())

	h, err = c.Acquire(context.Background(), dev)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestCacheClose(t *testing.T) {
	t.Parallel()
	c := NewCache(newTestProvider(&dirRegistry{dir: writeRepo(t)}), true, nil)
	dev := cpu(t)

	h, err := c.Acquire(context.Background(), dev)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, c.Len())
	h.Release()
	assert.Equal(t, 0, c.Len())

	_, err = c.Acquire(context.Background(), dev)
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestProviderKey(t *testing.T) {
	t.Parallel()
	p := NewProvider(Options{})
	assert.Equal(t, "vikhyatk/moondream2@2024-03-06/cpu", p.Key(cpu(t)))
}

func TestHFRegistryReturnsOnCancelWhileDownloadRuns(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := &HFRegistry{Logger: logger.JSON(&buf, slog.LevelDebug)}

	release := make(chan struct{})
	finished := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.await(ctx, DefaultModelID, WeightsFile, func() (string, error) {
		defer close(finished)
		<-release
		return "/cache/model.safetensors", nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, buf.String(), "download continues in background")
	assert.Contains(t, buf.String(), WeightsFile)

	close(release)
	<-finished
}

func TestHFRegistryAwaitReturnsDownloadResult(t *testing.T) {
	t.Parallel()
	r := &HFRegistry{}
	path, err := r.await(context.Background(), DefaultModelID, TokenizerFile, func() (string, error) {
		return "/cache/tokenizer.json", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/cache/tokenizer.json", path)
}
