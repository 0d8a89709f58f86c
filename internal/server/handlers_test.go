package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coverframe/coverframe-api/internal/admission"
	"github.com/coverframe/coverframe-api/internal/media"
	"github.com/coverframe/coverframe-api/internal/workspace"
)

// mockInvoker implements media.Invoker for testing.
type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) ExtractFrame(ctx context.Context, p media.ExtractFrameParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockInvoker) AddCoverImage(ctx context.Context, p media.AddCoverParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

// succeedingInvoker is a fake that writes the expected artifacts, so
// the handler can read the output back like a real run would.
type succeedingInvoker struct {
	output []byte
	// recorded params for assertions
	extract media.ExtractFrameParams
	cover   media.AddCoverParams
}

func (f *succeedingInvoker) ExtractFrame(_ context.Context, p media.ExtractFrameParams) error {
	f.extract = p
	return os.WriteFile(p.Output, []byte("jpeg-bytes"), 0600)
}

func (f *succeedingInvoker) AddCoverImage(_ context.Context, p media.AddCoverParams) error {
	f.cover = p
	return os.WriteFile(p.Output, f.output, 0600)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	handlers   *Handlers
	admission  *admission.Controller
	workspaces *workspace.Manager
	baseDir    string
}

func newTestEnv(t *testing.T, inv media.Invoker, maxUpload int64) *testEnv {
	t.Helper()

	baseDir := t.TempDir()
	wm, err := workspace.NewManager(baseDir, testLogger())
	require.NoError(t, err)

	ac := admission.NewController(admission.DefaultOptions(), testLogger())
	return &testEnv{
		handlers:   NewHandlers(ac, wm, inv, maxUpload, testLogger()),
		admission:  ac,
		workspaces: wm,
		baseDir:    baseDir,
	}
}

// mp4Data returns a buffer the content sniffer accepts.
func mp4Data() []byte {
	buf := []byte{0x00, 0x00, 0x00, 0x18}
	buf = append(buf, []byte("ftypisom")...)
	return append(buf, make([]byte, 256)...)
}

// multipartBody builds a multipart request body with a video part and
// a timestamp field.
func multipartBody(t *testing.T, filename, contentType, timestamp string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	if data != nil {
		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="video"; filename="%s"`, filename))
		partHeader.Set("Content-Type", contentType)
		part, err := w.CreatePart(partHeader)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, w.WriteField("timestamp", timestamp))
	require.NoError(t, w.Close())

	return body, w.FormDataContentType()
}

func processRequest(t *testing.T, env *testEnv, filename, contentType, timestamp string, data []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, bodyType := multipartBody(t, filename, contentType, timestamp, data)
	req := httptest.NewRequest(http.MethodPost, "/process", body)
	req.Header.Set("Content-Type", bodyType)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	rec := httptest.NewRecorder()
	env.handlers.Process(rec, req)
	return rec
}

// assertCleanedUp verifies no workspace survived and the concurrency
// slot was returned.
func assertCleanedUp(t *testing.T, env *testEnv) {
	t.Helper()

	entries, err := os.ReadDir(env.baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directory should have been removed")
	assert.Equal(t, 0, env.admission.Active(), "concurrency slot should have been released")
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestProcess_Success(t *testing.T) {
	inv := &succeedingInvoker{output: []byte("final-video-bytes")}
	env := newTestEnv(t, inv, 0)

	rec := processRequest(t, env, "My Clip!.mp4", "video/mp4", "12.5", mp4Data())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="My_Clip__with_cover.mp4"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, fmt.Sprint(len("final-video-bytes")), rec.Header().Get("Content-Length"))
	assert.Equal(t, "final-video-bytes", rec.Body.String())

	// The invoker saw the validated parameters.
	assert.InDelta(t, 12.5, inv.extract.Seek, 1e-9)
	assert.True(t, strings.HasSuffix(inv.extract.Input, "input.mp4"))
	assert.True(t, strings.HasSuffix(inv.cover.Output, "output.mp4"))

	assertCleanedUp(t, env)
}

func TestProcess_ValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		timestamp   string
		data        []byte
		wantStatus  int
		wantCode    string
	}{
		{
			name:        "disallowed declared type",
			filename:    "clip.mp4",
			contentType: "application/pdf",
			timestamp:   "1",
			data:        mp4Data(),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "TYPE_NOT_ALLOWED",
		},
		{
			name:        "disallowed extension",
			filename:    "clip.mkv",
			contentType: "video/mp4",
			timestamp:   "1",
			data:        mp4Data(),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "EXTENSION_NOT_ALLOWED",
		},
		{
			name:        "path traversal filename",
			filename:    "../../evil.mp4",
			contentType: "video/mp4",
			timestamp:   "1",
			data:        mp4Data(),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "INVALID_FILENAME",
		},
		{
			name:        "unsupported content bytes",
			filename:    "clip.mp4",
			contentType: "video/mp4",
			timestamp:   "1",
			data:        bytes.Repeat([]byte("plain text "), 50),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "CONTENT_NOT_ALLOWED",
		},
		{
			name:        "malformed timestamp",
			filename:    "clip.mp4",
			contentType: "video/mp4",
			timestamp:   "10;rm -rf /",
			data:        mp4Data(),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "INVALID_TIMESTAMP",
		},
		{
			name:        "timestamp out of range",
			filename:    "clip.mp4",
			contentType: "video/mp4",
			timestamp:   "86401",
			data:        mp4Data(),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "TIMESTAMP_OUT_OF_RANGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &mockInvoker{}
			env := newTestEnv(t, inv, 0)

			rec := processRequest(t, env, tt.filename, tt.contentType, tt.timestamp, tt.data)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
			inv.AssertNotCalled(t, "ExtractFrame", mock.Anything, mock.Anything)
			assertCleanedUp(t, env)
		})
	}
}

func TestProcess_MissingFile(t *testing.T) {
	env := newTestEnv(t, &mockInvoker{}, 0)

	rec := processRequest(t, env, "", "", "1", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FILE", decodeError(t, rec).Code)
	assertCleanedUp(t, env)
}

func TestProcess_FileTooLarge(t *testing.T) {
	env := newTestEnv(t, &mockInvoker{}, 1024)

	data := append(mp4Data(), make([]byte, 4096)...)
	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", data)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", decodeError(t, rec).Code)
	assertCleanedUp(t, env)
}

func TestProcess_RateLimit(t *testing.T) {
	inv := &succeedingInvoker{output: []byte("video")}
	env := newTestEnv(t, inv, 0)

	for i := 0; i < 10; i++ {
		rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())
		require.Equal(t, http.StatusOK, rec.Code, "request %d should succeed", i+1)
	}

	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Still rejected while the cooldown lasts.
	rec = processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	assertCleanedUp(t, env)
}

func TestProcess_Busy(t *testing.T) {
	inv := &succeedingInvoker{output: []byte("video")}
	env := newTestEnv(t, inv, 0)

	// Occupy every concurrency slot.
	for i := 0; i < admission.DefaultOptions().MaxConcurrent; i++ {
		require.True(t, env.admission.Admit("other-client").Allowed)
	}

	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))

	// A freed slot lets the next request through.
	env.admission.Release()
	rec = processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcess_ExtractionFails(t *testing.T) {
	inv := &mockInvoker{}
	inv.On("ExtractFrame", mock.Anything, mock.Anything).
		Return(&media.FFmpegError{Err: errors.New("exit status 1"), Stderr: "Conversion failed!"})

	env := newTestEnv(t, inv, 0)
	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "PROCESSING_ERROR", decodeError(t, rec).Code)
	inv.AssertNotCalled(t, "AddCoverImage", mock.Anything, mock.Anything)
	assertCleanedUp(t, env)
}

func TestProcess_ExtractionTimesOut(t *testing.T) {
	inv := &mockInvoker{}
	inv.On("ExtractFrame", mock.Anything, mock.Anything).
		Return(fmt.Errorf("run: %w", context.DeadlineExceeded))

	env := newTestEnv(t, inv, 0)
	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "PROCESSING_TIMEOUT", decodeError(t, rec).Code)
	assertCleanedUp(t, env)
}

func TestProcess_EmbeddingFails(t *testing.T) {
	inv := &mockInvoker{}
	inv.On("ExtractFrame", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(media.ExtractFrameParams)
			require.NoError(t, os.WriteFile(p.Output, []byte("jpeg"), 0600))
		}).
		Return(nil)
	inv.On("AddCoverImage", mock.Anything, mock.Anything).
		Return(&media.FFmpegError{Err: errors.New("exit status 1"), Stderr: "Invalid data found when processing input"})

	env := newTestEnv(t, inv, 0)
	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FORMAT", decodeError(t, rec).Code)
	assertCleanedUp(t, env)
}

func TestProcess_DiagnosticsNotLeaked(t *testing.T) {
	inv := &mockInvoker{}
	inv.On("ExtractFrame", mock.Anything, mock.Anything).
		Return(&media.FFmpegError{Err: errors.New("exit status 1"), Stderr: "/tmp/secret/path: Permission denied"})

	env := newTestEnv(t, inv, 0)
	rec := processRequest(t, env, "clip.mp4", "video/mp4", "1", mp4Data())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/tmp/secret/path")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &mockInvoker{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handlers.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRouter(t *testing.T) {
	env := newTestEnv(t, &mockInvoker{}, 0)
	router := NewRouter(env.handlers, testLogger())

	t.Run("health endpoint routed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("security headers set on every response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("wrong method is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/process", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
