// Package api exposes the job controller over HTTP: generation requests,
// stop, and a server-sent event stream of generation events.
package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/job"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/pipeline"
	"github.com/samcharles93/moondream/internal/version"
)

// Controller is the subset of job.Controller the server drives.
type Controller interface {
	Start(req job.Request) (string, error)
	Stop() bool
	Current() string
}

type Config struct {
	Controller Controller
	Broker     *Broker
	Device     device.Device
	// UploadDir holds images received as multipart uploads. Empty means a
	// fresh directory under os.TempDir.
	UploadDir string
	// MaxUpload bounds the size of an uploaded image. Zero means 32 MiB.
	MaxUpload int64
	// MaxUploads bounds uploads stored concurrently. Zero means 4.
	MaxUploads int64
	// KeepAlive is the interval between stream comments. Zero means 15s.
	KeepAlive time.Duration
	Logger    logger.Logger
}

type Server struct {
	ctrl      Controller
	broker    *Broker
	dev       device.Device
	uploadDir string
	ownsDir   bool
	maxUpload int64
	uploads   *semaphore.Weighted
	keepAlive time.Duration
	log       logger.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("api: controller and broker are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 32 << 20
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 4
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	s := &Server{
		ctrl:      cfg.Controller,
		broker:    cfg.Broker,
		dev:       cfg.Device,
		uploadDir: cfg.UploadDir,
		maxUpload: cfg.MaxUpload,
		uploads:   semaphore.NewWeighted(cfg.MaxUploads),
		keepAlive: cfg.KeepAlive,
		log:       cfg.Logger,
	}
	if s.uploadDir == "" {
		dir, err := os.MkdirTemp("", "moondream-uploads-")
		if err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
		s.uploadDir = dir
		s.ownsDir = true
	} else if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return s, nil
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/device", s.handleDevice)
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/stop", s.handleStop)
	e.GET("/v1/events", s.handleEvents)
}

// Close removes the upload directory when the server created it.
func (s *Server) Close() error {
	if !s.ownsDir {
		return nil
	}
	return os.RemoveAll(s.uploadDir)
}

type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

type GenerateResponse struct {
	RunID string `json:"run_id"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type HealthResponse struct {
	Status     string       `json:"status"`
	CurrentRun string       `json:"current_run,omitempty"`
	Version    version.Info `json:"version"`
}

type DeviceResponse struct {
	Device    string `json:"device"`
	Threads   int    `json:"threads"`
	Available string `json:"available"`
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		CurrentRun: s.ctrl.Current(),
		Version:    version.Resolve(),
	})
}

func (s *Server) handleDevice(c *echo.Context) error {
	return c.JSON(http.StatusOK, DeviceResponse{
		Device:    s.dev.Name(),
		Threads:   s.dev.Threads(),
		Available: device.Available(),
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	r := c.Request()
	var (
		req     GenerateRequest
		cleanup func()
		err     error
	)
	if strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		req, err = s.readUpload(r)
		if err == nil {
			cleanup = s.removeUpload(req.Image)
		}
	} else {
		req, err = decodeJSON[GenerateRequest](r.Body)
		if err != nil {
			err = newInvalidRequest(fmt.Sprintf("decode request: %v", err))
		}
	}
	if err != nil {
		return writeErr(c, err)
	}
	if req.Image == "" {
		return writeBadRequest(c, "image is required")
	}

	id, err := s.ctrl.Start(job.Request{Prompt: req.Prompt, ImagePath: req.Image, Cleanup: cleanup})
	if err != nil {
		s.log.Warn("generate rejected", "error", err)
		if cleanup != nil {
			cleanup()
		}
		return writeErr(c, err)
	}
	return c.JSON(http.StatusAccepted, GenerateResponse{RunID: id})
}

// readUpload stores the multipart "image" file under the upload directory
// and returns a request pointing at it.
func (s *Server) readUpload(r *http.Request) (GenerateRequest, error) {
	if !s.uploads.TryAcquire(1) {
		return GenerateRequest{}, errdefs.LockContention("store upload")
	}
	defer s.uploads.Release(1)

	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return GenerateRequest{}, newInvalidRequest(fmt.Sprintf("parse upload: %v", err))
	}
	req := GenerateRequest{Prompt: r.FormValue("prompt")}

	file, header, err := r.FormFile("image")
	if err != nil {
		return GenerateRequest{}, newInvalidRequest("image file is required")
	}
	defer file.Close()

	path := filepath.Join(s.uploadDir, uuid.NewString()+filepath.Ext(header.Filename))
	out, err := os.Create(path)
	if err != nil {
		return GenerateRequest{}, fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return GenerateRequest{}, fmt.Errorf("store upload: %w", err)
	}
	if err := out.Close(); err != nil {
		return GenerateRequest{}, fmt.Errorf("store upload: %w", err)
	}
	s.log.Debug("image uploaded", "path", path, "bytes", header.Size)
	req.Image = path
	return req, nil
}

// removeUpload returns a func deleting a stored upload once its run is over.
func (s *Server) removeUpload(path string) func() {
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("removing upload", "path", path, "error", err)
			return
		}
		s.log.Debug("upload removed", "path", path)
	}
}

func (s *Server) handleStop(c *echo.Context) error {
	return c.JSON(http.StatusOK, StopResponse{Stopped: s.ctrl.Stop()})
}

// generationPayload is the Generation JSON tagged with its run.
type generationPayload struct {
	RunID string `json:"run_id"`
	*pipeline.Generation
}

func (s *Server) handleEvents(c *echo.Context) error {
	sse, err := NewSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	events, unsubscribe := s.broker.Subscribe()
	defer unsubscribe()

	c.Response().WriteHeader(http.StatusOK)
	if err := sse.Comment("connected"); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sse.Comment("keep-alive"); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.sendEvent(sse, ev); err != nil {
				s.log.Debug("event stream closed", "error", err)
				return nil
			}
		}
	}
}

func (s *Server) sendEvent(sse *SSEWriter, ev job.Event) error {
	if ev.Err != nil {
		return sse.Send(EventGenerationError, ev)
	}
	if ev.Generation == nil {
		return nil
	}
	return sse.Send(EventGeneration, generationPayload{RunID: ev.RunID, Generation: ev.Generation})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
