package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// Event names written to the stream.
const (
	EventGeneration      = "text-generation"
	EventGenerationError = "text-generation-error"
)

// SSEWriter writes named server-sent events to a response.
type SSEWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func NewSSEWriter(c *echo.Context) (*SSEWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEWriter{w: res, flusher: flusher.Flush}, nil
}

// Send writes one event with payload encoded as JSON and flushes it.
func (s *SSEWriter) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, b); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Comment writes an SSE comment line, used for keep-alives.
func (s *SSEWriter) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
