package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainLogger(buf *bytes.Buffer, level slog.Level) Logger {
	return New(NewConsoleHandler(buf, level, false))
}

func TestForFormat(t *testing.T) {
	cases := []struct {
		format string
		check  func(t *testing.T, out string)
	}{
		{"json", func(t *testing.T, out string) {
			var rec map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &rec))
			assert.Equal(t, "hello", rec["msg"])
			assert.Equal(t, "cat.png", rec["image"])
		}},
		{"text", func(t *testing.T, out string) {
			assert.Contains(t, out, "msg=hello")
			assert.Contains(t, out, "image=cat.png")
		}},
		{"pretty", func(t *testing.T, out string) {
			assert.Contains(t, out, "INFO  hello image=cat.png")
		}},
		{"", func(t *testing.T, out string) {
			assert.Contains(t, out, "INFO  hello image=cat.png")
		}},
	}
	t.Setenv("NO_COLOR", "1")
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			ForFormat(tc.format, &buf, slog.LevelInfo).Info("hello", "image", "cat.png")
			tc.check(t, buf.String())
		})
	}
}

func TestPrettyHonoursNoColor(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("NO_COLOR", "1")
	Pretty(&buf, slog.LevelInfo).Warn("slow step", "ms", 12)
	assert.NotContains(t, buf.String(), "\033[")
	assert.Contains(t, buf.String(), "WARN  slow step ms=12")

	buf.Reset()
	t.Setenv("NO_COLOR", "")
	Pretty(&buf, slog.LevelInfo).Warn("slow step")
	assert.Contains(t, buf.String(), "\033[33m")
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("run_id", "r1").WithGroup("job")
	assert.NotPanics(t, func() { log.Error("dropped", "error", "boom") })
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plainLogger(&buf, slog.LevelWarn)
	log.Debug("debug line")
	log.Info("info line")
	log.Warn("warn line")
	log.Error("error line")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "WARN  warn line")
	assert.Contains(t, out, "ERROR error line")
}

func TestConsoleAttrs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		log  func(Logger)
		want string
	}{
		{"with", func(l Logger) { l.With("run_id", "r1").Info("step", "n", 3) }, "step run_id=r1 n=3"},
		{"group", func(l Logger) { l.WithGroup("sampler").Info("config", "top_k", 40) }, "config sampler.top_k=40"},
		{"nested group", func(l Logger) { l.WithGroup("a").WithGroup("b").Info("m", "k", 1) }, "m a.b.k=1"},
		{"with before group", func(l Logger) { l.With("run_id", "r1").WithGroup("job").Info("m", "k", 1) }, "m run_id=r1 job.k=1"},
		{"group after with", func(l Logger) { l.WithGroup("job").With("run_id", "r1").Info("m") }, "m job.run_id=r1"},
		{"empty group", func(l Logger) { l.WithGroup("").Info("m", "k", 1) }, "m k=1"},
		{"quoted", func(l Logger) { l.Info("m", "prompt", "what is this") }, `m prompt="what is this"`},
		{"bare", func(l Logger) { l.Info("m", "image", "cat.png") }, "m image=cat.png"},
		{"empty string", func(l Logger) { l.Info("m", "prompt", "") }, `m prompt=""`},
		{"slog group", func(l Logger) { l.Info("m", slog.Group("req", "id", 7, "path", "/v1")) }, "m req={id=7 path=/v1}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tc.log(plainLogger(&buf, slog.LevelInfo))
			assert.True(t, strings.HasSuffix(buf.String(), tc.want+"\n"), "got %q", buf.String())
		})
	}
}

func TestConsoleTimestamp(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, nil, false)
	at := time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)
	require.NoError(t, h.Handle(context.Background(), slog.NewRecord(at, slog.LevelInfo, "ready", 0)))
	assert.Equal(t, "[2024-03-06 09:30:00] INFO  ready\n", buf.String())
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plainLogger(&buf, slog.LevelInfo)
	assert.Same(t, log, FromContext(WithContext(context.Background(), log)))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
