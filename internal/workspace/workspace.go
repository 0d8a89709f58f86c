// Package workspace manages per-request ephemeral directories. Each
// request gets an exclusively owned directory holding the uploaded
// input, the extracted cover image and the final output; the directory
// is destroyed when the request terminates, whatever the outcome.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUnsafePath is returned when a derived file path escapes the
// workspace directory. It guards against future path construction bugs
// rather than any reachable input today.
var ErrUnsafePath = errors.New("workspace: derived path escapes workspace directory")

// Manager creates workspaces under a configured base directory.
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// NewManager creates a Manager rooted at baseDir. If baseDir is empty,
// a directory under os.TempDir() is used. The base directory is
// created if it doesn't exist.
func NewManager(baseDir string, logger *slog.Logger) (*Manager, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "coverframe")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}

	return &Manager{baseDir: baseDir, logger: logger}, nil
}

// BaseDir returns the directory under which workspaces are created.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Workspace is an ephemeral directory plus the three file paths a
// request needs. Close it exactly once via defer.
type Workspace struct {
	// Dir is the workspace directory.
	Dir string
	// InputPath is where the uploaded video is written.
	InputPath string
	// CoverPath is where the extracted frame is written.
	CoverPath string
	// OutputPath is where the final video is written.
	OutputPath string

	logger    *slog.Logger
	closeOnce sync.Once
}

// Open creates a uniquely named workspace directory and derives the
// input, cover and output paths inside it. The input file extension is
// taken from the validated upload.
func (m *Manager) Open(inputExt string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.baseDir, "req-"+uuid.NewString()[:8]+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	ws := &Workspace{
		Dir:        dir,
		InputPath:  filepath.Join(dir, "input."+inputExt),
		CoverPath:  filepath.Join(dir, "cover.jpg"),
		OutputPath: filepath.Join(dir, "output.mp4"),
		logger:     m.logger,
	}

	for _, p := range []string{ws.InputPath, ws.CoverPath, ws.OutputPath} {
		if !strings.HasPrefix(p, dir+string(os.PathSeparator)) {
			_ = os.RemoveAll(dir)
			return nil, ErrUnsafePath
		}
	}

	return ws, nil
}

// Close removes the workspace directory and everything in it. It is
// idempotent and best-effort: removal failures are logged, never
// surfaced to the request.
func (w *Workspace) Close() {
	w.closeOnce.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.logger.Error("failed to remove workspace",
				slog.String("dir", w.Dir),
				slog.String("error", err.Error()),
			)
		}
	})
}
