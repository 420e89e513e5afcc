package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/job"
	"github.com/samcharles93/moondream/internal/pipeline"
)

type fakeController struct {
	mu       sync.Mutex
	requests []job.Request
	err      error
	current  string
	stopped  bool
}

func (f *fakeController) Start(req job.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	f.current = "run-1"
	return f.current, nil
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	had := f.current != ""
	f.current = ""
	f.stopped = true
	return had
}

func (f *fakeController) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func newTestServer(t *testing.T, ctrl Controller) (*echo.Echo, *Server, *Broker) {
	t.Helper()
	dev, err := device.Select(device.CPU, 2)
	require.NoError(t, err)
	broker := NewBroker(8, nil)
	s, err := NewServer(Config{
		Controller: ctrl,
		Broker:     broker,
		Device:     dev,
		UploadDir:  t.TempDir(),
		KeepAlive:  time.Hour,
	})
	require.NoError(t, err)
	e := echo.New()
	s.Register(e)
	return e, s, broker
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateStartsRun(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	e, _, _ := newTestServer(t, ctrl)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"what is this?","image":"/tmp/cat.png"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	require.Len(t, ctrl.requests, 1)
	assert.Equal(t, job.Request{Prompt: "what is this?", ImagePath: "/tmp/cat.png"}, ctrl.requests[0])
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"malformed": `{"prompt":`,
		"no-image":  `{"prompt":"hi"}`,
		"empty":     ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{}
			e, _, _ := newTestServer(t, ctrl)
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request_error")
			assert.Empty(t, ctrl.requests)
		})
	}
}

func TestGenerateLockContentionIsUnavailable(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestServer(t, &fakeController{err: errdefs.LockContention("start generation")})

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"p","image":"i.png"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "busy")
}

func TestGenerateMultipartUpload(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	e, _, _ := newTestServer(t, ctrl)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prompt", "describe"))
	fw, err := mw.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, ctrl.requests, 1)
	got := ctrl.requests[0]
	assert.Equal(t, "describe", got.Prompt)
	assert.True(t, strings.HasSuffix(got.ImagePath, ".png"))
	data, err := os.ReadFile(got.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "not really a png", string(data))
}

func TestConcurrentUploadsAreBounded(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	e, s, _ := newTestServer(t, ctrl)
	require.True(t, s.uploads.TryAcquire(4))
	defer s.uploads.Release(4)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, ctrl.requests)
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prompt", "describe"))
	fw, err := mw.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func uploadDirEntries(t *testing.T, s *Server) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	return entries
}

func TestUploadRemovedWhenStartFails(t *testing.T) {
	t.Parallel()
	e, s, _ := newTestServer(t, &fakeController{err: errdefs.LockContention("start generation")})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, uploadDirEntries(t, s))
}

func TestUploadRemovedAfterRunEnds(t *testing.T) {
	t.Parallel()
	built := make(chan string, 1)
	ctrl := job.New(job.Config{
		Build: func(_ context.Context, req job.Request) (job.Run, error) {
			_, err := os.Stat(req.ImagePath)
			built <- req.ImagePath
			if err != nil {
				return nil, err
			}
			return nil, errdefs.Decode("decode image", errors.New("not an image"))
		},
	})
	e, s, _ := newTestServer(t, ctrl)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	path := <-built
	ctrl.Wait()
	assert.NoFileExists(t, path)
	assert.Empty(t, uploadDirEntries(t, s))
}

func TestMultipartWithoutImageIsRejected(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	e, _, _ := newTestServer(t, ctrl)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prompt", "describe"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.requests)
}

func TestStopReportsWhetherRunWasInstalled(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	e, _, _ := newTestServer(t, ctrl)

	rec := doJSON(t, e, http.MethodPost, "/v1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stopped":false}`, rec.Body.String())

	doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"p","image":"i.png"}`)
	rec = doJSON(t, e, http.MethodPost, "/v1/stop", "")
	assert.JSONEq(t, `{"stopped":true}`, rec.Body.String())
}

func TestHealthAndDevice(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{current: "run-9"}
	e, _, _ := newTestServer(t, ctrl)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "run-9", health.CurrentRun)
	assert.NotEmpty(t, health.Version.Version)

	rec = doJSON(t, e, http.MethodGet, "/v1/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device":"cpu","threads":2,"available":"cpu"}`, rec.Body.String())
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
			return sseEvent{name: "comment", data: strings.TrimSpace(line[1:])}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	e, _, broker := newTestServer(t, &fakeController{})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	r := bufio.NewReader(resp.Body)
	require.Equal(t, sseEvent{name: "comment", data: "connected"}, readEvent(t, r))

	text := "a cat"
	broker.Emit(job.Event{RunID: "r1", Generation: &pipeline.Generation{Token: pipeline.Token{ID: 5, Text: " cat"}}})
	broker.Emit(job.Event{RunID: "r1", Generation: &pipeline.Generation{
		Token:         pipeline.Token{ID: 50256, Text: "", Special: true},
		GeneratedText: &text,
	}})
	broker.Emit(job.Event{RunID: "r2", Err: errdefs.Input("prompt is empty")})

	ev := readEvent(t, r)
	assert.Equal(t, EventGeneration, ev.name)
	assert.JSONEq(t, `{"run_id":"r1","token":{"id":5,"text":" cat","special":false},"generated_text":null,"details":null}`, ev.data)

	ev = readEvent(t, r)
	assert.Equal(t, EventGeneration, ev.name)
	assert.Contains(t, ev.data, `"generated_text":"a cat"`)

	ev = readEvent(t, r)
	assert.Equal(t, EventGenerationError, ev.name)
	assert.JSONEq(t, `{"run_id":"r2","error":"input error: prompt is empty"}`, ev.data)

	cancel()
	assert.Eventually(t, func() bool { return broker.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
