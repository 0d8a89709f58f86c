package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/coverframe/coverframe-api/internal/admission"
	"github.com/coverframe/coverframe-api/internal/media"
	"github.com/coverframe/coverframe-api/internal/validate"
	"github.com/coverframe/coverframe-api/internal/workspace"
)

// multipartSlackBytes is extra body allowance beyond the upload limit
// for multipart framing and the timestamp field.
const multipartSlackBytes = 1 << 20

// multipartMemoryBytes is the in-memory threshold for multipart parsing.
const multipartMemoryBytes = 32 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	admission  *admission.Controller
	workspaces *workspace.Manager
	invoker    media.Invoker
	logger     *slog.Logger
	maxUpload  int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ac *admission.Controller, wm *workspace.Manager, inv media.Invoker, maxUpload int64, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = validate.MaxUploadBytes
	}
	return &Handlers{
		admission:  ac,
		workspaces: wm,
		invoker:    inv,
		logger:     logger,
		maxUpload:  maxUpload,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Process handles POST /process requests. It admits the request, runs
// the full validation pipeline, extracts the requested frame, embeds
// it as an attached cover picture and streams the result back. The
// workspace and the concurrency slot are released on every exit path.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	client := clientID(r)

	decision := h.admission.Admit(client)
	if !decision.Allowed {
		h.rejectAdmission(w, client, decision)
		return
	}
	defer h.admission.Release()

	in, err := h.readUpload(w, r)
	if err != nil {
		// readUpload has already written the response.
		return
	}

	validated, err := validate.Upload(*in, h.maxUpload)
	if err != nil {
		h.rejectValidation(w, client, err)
		return
	}

	ws, err := h.workspaces.Open(validated.Ext)
	if err != nil {
		h.logger.Error("failed to open workspace",
			slog.String("client_id", client),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to prepare processing workspace", "WORKSPACE_ERROR")
		return
	}
	defer ws.Close()

	if err := os.WriteFile(ws.InputPath, validated.Data, 0600); err != nil {
		h.logger.Error("failed to write input file",
			slog.String("client_id", client),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store upload", "IO_ERROR")
		return
	}

	if err := h.invoker.ExtractFrame(r.Context(), media.ExtractFrameParams{
		Input:  ws.InputPath,
		Output: ws.CoverPath,
		Seek:   validated.Timestamp,
	}); err != nil {
		h.failProcessing(w, client, "frame extraction", err)
		return
	}

	if err := h.invoker.AddCoverImage(r.Context(), media.AddCoverParams{
		VideoInput: ws.InputPath,
		ImageInput: ws.CoverPath,
		Output:     ws.OutputPath,
	}); err != nil {
		h.failProcessing(w, client, "cover embedding", err)
		return
	}

	output, err := os.ReadFile(ws.OutputPath)
	if err != nil {
		h.logger.Error("failed to read output file",
			slog.String("client_id", client),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read processing result", "IO_ERROR")
		return
	}

	h.logger.Info("request processed",
		slog.String("client_id", client),
		slog.Float64("timestamp", validated.Timestamp),
		slog.Int("input_bytes", len(validated.Data)),
		slog.Int("output_bytes", len(output)),
	)

	writeAttachment(w, attachmentName(validated.SafeName), output)
}

// readUpload parses the multipart body and assembles the raw upload
// input. On failure it writes the error response and returns nil.
func (h *Handlers) readUpload(w http.ResponseWriter, r *http.Request) (*validate.Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartSlackBytes)

	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum allowed size", "FILE_TOO_LARGE")
			return nil, err
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body", "INVALID_BODY")
		return nil, err
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video file is required", "MISSING_FILE")
		return nil, err
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file", "INVALID_BODY")
		return nil, err
	}

	return &validate.Input{
		Data:         data,
		DeclaredType: header.Header.Get("Content-Type"),
		Filename:     header.Filename,
		RawTimestamp: r.FormValue("timestamp"),
	}, nil
}

// rejectAdmission maps an admission rejection to 429 or 503.
func (h *Handlers) rejectAdmission(w http.ResponseWriter, client string, d admission.Decision) {
	switch d.Reason {
	case admission.ReasonRateLimited:
		h.logger.Warn("request rate limited",
			slog.String("client_id", client),
			slog.Duration("retry_after", d.RetryAfter),
		)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later", "RATE_LIMITED")
	default:
		h.logger.Warn("request rejected, server busy",
			slog.String("client_id", client),
		)
		writeError(w, http.StatusServiceUnavailable, "server is busy, try again later", "BUSY")
	}
}

// rejectValidation maps a validation failure to its HTTP status.
func (h *Handlers) rejectValidation(w http.ResponseWriter, client string, err error) {
	h.logger.Warn("upload rejected",
		slog.String("client_id", client),
		slog.String("reason", err.Error()),
	)

	status := http.StatusBadRequest
	code := "VALIDATION_FAILED"
	switch {
	case errors.Is(err, validate.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
		code = "FILE_TOO_LARGE"
	case errors.Is(err, validate.ErrDeclaredType):
		code = "TYPE_NOT_ALLOWED"
	case errors.Is(err, validate.ErrExtension):
		code = "EXTENSION_NOT_ALLOWED"
	case errors.Is(err, validate.ErrFilename):
		code = "INVALID_FILENAME"
	case errors.Is(err, validate.ErrContent):
		code = "CONTENT_NOT_ALLOWED"
	case errors.Is(err, validate.ErrTimestampFormat):
		code = "INVALID_TIMESTAMP"
	case errors.Is(err, validate.ErrTimestampRange):
		code = "TIMESTAMP_OUT_OF_RANGE"
	}

	writeError(w, status, err.Error(), code)
}

// failProcessing classifies a media operation failure and maps it to
// an HTTP status. Diagnostics are logged, never returned to the caller.
func (h *Handlers) failProcessing(w http.ResponseWriter, client, stage string, err error) {
	h.logger.Error("media operation failed",
		slog.String("client_id", client),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)

	switch media.Classify(err) {
	case media.FailureTimeout:
		writeError(w, http.StatusRequestTimeout, "processing timed out", "PROCESSING_TIMEOUT")
	case media.FailureInvalidFormat:
		writeError(w, http.StatusBadRequest, "video could not be processed", "INVALID_FORMAT")
	default:
		writeError(w, http.StatusInternalServerError, "processing failed", "PROCESSING_ERROR")
	}
}

// attachmentName builds the download filename from a sanitized base
// name. Quotes and newlines are stripped as a header-injection defense.
func attachmentName(safeName string) string {
	name := safeName + "_with_cover.mp4"
	return strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
}

// writeAttachment writes the binary result with download headers.
func writeAttachment(w http.ResponseWriter, filename string, body []byte) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response body", slog.String("error", err.Error()))
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
