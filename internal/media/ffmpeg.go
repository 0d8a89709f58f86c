package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxStderrBytes bounds the diagnostic buffer captured from ffmpeg.
const maxStderrBytes = 32 << 10

// coverTitle is the metadata title given to the attached cover stream.
const coverTitle = "Album cover"

// Static errors for media operations.
var (
	// ErrInputMissing is returned when an input file does not exist or
	// cannot be read before the binary is invoked.
	ErrInputMissing = errors.New("media: input file does not exist or is not readable")
	// ErrFFmpegMissing is returned by Probe when the binary cannot be run.
	ErrFFmpegMissing = errors.New("media: ffmpeg is not installed or not in PATH")
)

// Compile-time check that FFmpeg implements Invoker.
var _ Invoker = (*FFmpeg)(nil)

// FFmpeg implements Invoker using the ffmpeg CLI.
type FFmpeg struct {
	path           string
	extractTimeout time.Duration
	embedTimeout   time.Duration
	validate       *validator.Validate
	logger         *slog.Logger
}

// Option configures an FFmpeg invoker.
type Option func(*FFmpeg)

// WithExtractTimeout overrides the frame extraction timeout.
func WithExtractTimeout(d time.Duration) Option {
	return func(f *FFmpeg) {
		if d > 0 {
			f.extractTimeout = d
		}
	}
}

// WithEmbedTimeout overrides the cover embedding timeout.
func WithEmbedTimeout(d time.Duration) Option {
	return func(f *FFmpeg) {
		if d > 0 {
			f.embedTimeout = d
		}
	}
}

// NewFFmpeg creates an FFmpeg invoker. If path is empty, it defaults
// to "ffmpeg" (found via PATH).
func NewFFmpeg(path string, logger *slog.Logger, opts ...Option) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &FFmpeg{
		path:           path,
		extractTimeout: 30 * time.Second,
		embedTimeout:   60 * time.Second,
		validate:       validator.New(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Probe verifies the configured binary can be executed.
func (f *FFmpeg) Probe(ctx context.Context) error {
	// #nosec G204 - path is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrFFmpegMissing, err)
	}
	return nil
}

// ExtractFrame extracts p.Frames frames starting at p.Seek seconds
// from p.Input and writes them to p.Output.
func (f *FFmpeg) ExtractFrame(ctx context.Context, p ExtractFrameParams) error {
	if p.Frames == 0 {
		p.Frames = 1
	}
	if p.Quality == 0 {
		p.Quality = 2
	}
	// Clamp and round the seek position to microsecond precision so
	// the stringified value never carries unbounded float formatting.
	p.Seek = math.Round(clampSeek(p.Seek)*1e6) / 1e6

	if err := f.validate.Struct(p); err != nil {
		return fmt.Errorf("media: invalid extract parameters: %w", err)
	}
	if err := checkReadable(p.Input); err != nil {
		return err
	}

	args := []string{
		"-ss", strconv.FormatFloat(p.Seek, 'f', 6, 64), // Seek position
		"-i", p.Input, // Input file
		"-frames:v", strconv.Itoa(p.Frames), // Number of frames
		"-q:v", strconv.Itoa(p.Quality), // JPEG quality scale
		"-y", // Overwrite output file without asking
		p.Output,
	}

	return f.run(ctx, args, f.extractTimeout)
}

// AddCoverImage embeds p.ImageInput into p.VideoInput as an attached
// cover picture. Existing streams are copied without re-encoding; the
// image stream is encoded as a still MJPEG picture.
func (f *FFmpeg) AddCoverImage(ctx context.Context, p AddCoverParams) error {
	if err := f.validate.Struct(p); err != nil {
		return fmt.Errorf("media: invalid cover parameters: %w", err)
	}
	if err := checkReadable(p.VideoInput); err != nil {
		return err
	}
	if err := checkReadable(p.ImageInput); err != nil {
		return err
	}

	args := []string{
		"-i", p.VideoInput, // Source video
		"-i", p.ImageInput, // Cover image
		"-map", "0", // All streams of the video
		"-map", "1:v", // Video stream of the image
		"-c", "copy", // Copy existing codecs unchanged
		"-c:v:1", "mjpeg", // Encode the image stream as a still picture
		"-disposition:v:1", "attached_pic", // Mark it as the cover
		"-metadata:s:v:1", "title=" + coverTitle,
		"-y", // Overwrite output file
		p.Output,
	}

	return f.run(ctx, args, f.embedTimeout)
}

// run executes ffmpeg with the given argument vector under a hard
// timeout. Stderr is captured into a bounded buffer for diagnostics.
// The call succeeds only on a zero exit status.
func (f *FFmpeg) run(ctx context.Context, args []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - path is set by the application; args are built
	// from an allow-listed set of flags and validated values
	cmd := exec.CommandContext(ctx, f.path, args...)

	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return &FFmpegError{Args: args, Stderr: stderr.String(), Err: fmt.Errorf("timeout after %s: %w", timeout, ctx.Err())}
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}

	f.logger.Debug("ffmpeg operation completed",
		slog.Duration("duration", time.Since(start)),
		slog.Int("args", len(args)),
	)
	return nil
}

// clampSeek bounds a seek position to the accepted timestamp range.
func clampSeek(seek float64) float64 {
	if seek < 0 || math.IsNaN(seek) {
		return 0
	}
	if seek > 86400 {
		return 86400
	}
	return seek
}

// checkReadable verifies the file exists and can be opened for reading.
func checkReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 - path is built by the workspace manager
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInputMissing, path)
	}
	_ = f.Close()
	return nil
}

// boundedBuffer accepts writes up to a fixed limit and silently drops
// the rest, so a chatty subprocess cannot balloon memory.
type boundedBuffer struct {
	limit int
	buf   []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	// Report full consumption so the subprocess never sees a write error.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return string(b.buf)
}

// FFmpegError represents a failed ffmpeg invocation, carrying the
// argument vector and the captured stderr for diagnostics.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
