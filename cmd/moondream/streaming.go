package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	case "":
		return StreamInstant, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (instant, smooth, quiet)", s)
	}
}

// StreamWriter prints generated tokens as they arrive.
type StreamWriter struct {
	mode   StreamMode
	output io.Writer
	buffer *bufio.Writer
	raw    bool

	mu            sync.Mutex
	batch         strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
	stop          chan struct{}
	stopped       sync.WaitGroup

	accumulator strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	sw := &StreamWriter{
		mode:          mode,
		output:        w,
		buffer:        bufio.NewWriterSize(w, 4096),
		raw:           raw,
		flushInterval: 50 * time.Millisecond,
		lastFlush:     time.Now(),
		stop:          make(chan struct{}),
	}
	if mode == StreamSmooth {
		sw.stopped.Add(1)
		go sw.backgroundFlusher()
	}
	return sw
}

// Write handles a single token.
func (w *StreamWriter) Write(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(token)
	switch w.mode {
	case StreamInstant:
		_, _ = w.buffer.WriteString(w.escape(token))
		_ = w.buffer.Flush()
	case StreamSmooth:
		w.batch.WriteString(token)
		if time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	}
}

// Flush writes anything still buffered, stops the background flusher and
// returns the full text seen so far.
func (w *StreamWriter) Flush() string {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.stopped.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case StreamQuiet:
		_, _ = fmt.Fprint(w.output, w.escape(w.accumulator.String()))
	case StreamSmooth:
		w.flushBatch()
	default:
		_ = w.buffer.Flush()
	}
	return w.accumulator.String()
}

// flushBatch writes the pending batch (must hold lock).
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() > 0 {
		_, _ = w.buffer.WriteString(w.escape(w.batch.String()))
		w.batch.Reset()
	}
	_ = w.buffer.Flush()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) backgroundFlusher() {
	defer w.stopped.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval && w.batch.Len() > 0 {
				w.flushBatch()
			}
			w.mu.Unlock()
		}
	}
}

func (w *StreamWriter) escape(s string) string {
	if !w.raw {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

// escapeRawOutputRune escapes a single rune for raw output
func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
