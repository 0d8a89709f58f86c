// Package validate applies the multi-stage upload validation policy:
// size, declared type, extension, byte-content sniffing, filename
// hardening and timestamp hardening, in a fixed fail-fast order.
package validate

import (
	"errors"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/coverframe/coverframe-api/internal/sniff"
)

// MaxUploadBytes is the default upload size ceiling (100 MiB).
const MaxUploadBytes = 100 << 20

// MaxTimestampSeconds is the upper bound for seek timestamps (24 hours).
const MaxTimestampSeconds = 86400

// defaultFilename is substituted when sanitization empties a name.
const defaultFilename = "video"

// Static validation errors, one per failing stage.
var (
	// ErrTooLarge is returned when the upload exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds the maximum allowed size")
	// ErrDeclaredType is returned for a disallowed declared MIME type.
	ErrDeclaredType = errors.New("declared content type is not allowed")
	// ErrExtension is returned for a disallowed filename extension.
	ErrExtension = errors.New("file extension is not allowed")
	// ErrFilename is returned for path traversal or separator characters.
	ErrFilename = errors.New("filename contains forbidden characters")
	// ErrContent is returned when byte sniffing rejects the payload.
	ErrContent = errors.New("file content is not a supported video format")
	// ErrTimestampFormat is returned for a malformed timestamp string.
	ErrTimestampFormat = errors.New("timestamp is not a valid decimal number")
	// ErrTimestampRange is returned for an out-of-range timestamp.
	ErrTimestampRange = errors.New("timestamp is out of range")
)

// allowedMIMETypes maps accepted declared types to input file extensions.
var allowedMIMETypes = map[string]string{
	"video/mp4":       "mp4",
	"video/mpeg":      "mpeg",
	"video/quicktime": "mov",
	"video/x-msvideo": "avi",
}

// allowedExtensions is the set of accepted filename extensions.
var allowedExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".mpeg": {},
	".mpg":  {},
	".avi":  {},
}

var (
	timestampPattern = regexp.MustCompile(`^\d+(\.\d{1,6})?$`)
	unsafeFilename   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	nonTimestamp     = regexp.MustCompile(`[^0-9.]`)
)

// Input is a raw upload as received from the client. Immutable.
type Input struct {
	Data         []byte
	DeclaredType string
	Filename     string
	RawTimestamp string
}

// Validated is the result of a fully successful validation pass.
type Validated struct {
	// Data is the original upload buffer.
	Data []byte
	// SafeName is the sanitized base filename without extension.
	SafeName string
	// Timestamp is the parsed seek time in seconds.
	Timestamp float64
	// Ext is the input file extension resolved from the declared type.
	Ext string
}

// Upload runs every validation stage against in and returns a
// Validated request, or the sentinel error of the first failing stage.
func Upload(in Input, maxBytes int64) (*Validated, error) {
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	if int64(len(in.Data)) > maxBytes {
		return nil, ErrTooLarge
	}

	declared := normalizeMIME(in.DeclaredType)
	ext, ok := allowedMIMETypes[declared]
	if !ok {
		return nil, ErrDeclaredType
	}

	if _, ok := allowedExtensions[strings.ToLower(filepath.Ext(in.Filename))]; !ok {
		return nil, ErrExtension
	}

	if strings.Contains(in.Filename, "..") ||
		strings.ContainsAny(in.Filename, `/\`) {
		return nil, ErrFilename
	}

	if !sniff.Detect(in.Data) {
		return nil, ErrContent
	}

	ts, err := Timestamp(in.RawTimestamp)
	if err != nil {
		return nil, err
	}

	return &Validated{
		Data:      in.Data,
		SafeName:  SanitizeFilename(strings.TrimSuffix(in.Filename, filepath.Ext(in.Filename))),
		Timestamp: ts,
		Ext:       ext,
	}, nil
}

// Timestamp parses and hardens a raw timestamp string. Every character
// outside [0-9.] is stripped first; if stripping changed the numeric
// meaning of the input the value is rejected as smuggling.
func Timestamp(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	sanitized := nonTimestamp.ReplaceAllString(trimmed, "")
	// Stripping must be a no-op: any character beyond digits and a
	// decimal point means the client tried to smuggle something past
	// the parser.
	if sanitized == "" || sanitized != trimmed {
		return 0, ErrTimestampFormat
	}
	if !timestampPattern.MatchString(sanitized) {
		return 0, ErrTimestampFormat
	}

	ts, err := strconv.ParseFloat(sanitized, 64)
	if err != nil {
		return 0, ErrTimestampFormat
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, ErrTimestampFormat
	}

	// Round-trip check: re-serializing the parsed value must reproduce
	// the sanitized string, modulo trailing zeros after the point.
	if canonical(strconv.FormatFloat(ts, 'f', -1, 64)) != canonical(sanitized) {
		return 0, ErrTimestampFormat
	}

	if ts < 0 || ts > MaxTimestampSeconds {
		return 0, ErrTimestampRange
	}

	return ts, nil
}

// canonical strips an insignificant fractional part for comparison:
// trailing zeros after the decimal point and a then-dangling point.
func canonical(s string) string {
	if !strings.Contains(s, ".") {
		return strings.TrimLeft(s, "0") + "."
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimLeft(s, "0")
}

// SanitizeFilename rewrites name so it is safe to embed in a
// Content-Disposition header and in filesystem paths: every character
// outside [A-Za-z0-9._-] becomes an underscore, the result is
// truncated to 100 characters and stripped of leading/trailing dots.
// An empty result falls back to a fixed default.
func SanitizeFilename(name string) string {
	safe := unsafeFilename.ReplaceAllString(name, "_")
	if len(safe) > 100 {
		safe = safe[:100]
	}
	safe = strings.Trim(safe, ".")
	if safe == "" {
		return defaultFilename
	}
	return safe
}

// ExtensionFor returns the input file extension for a declared MIME
// type, defaulting to mp4 for unmapped types.
func ExtensionFor(declared string) string {
	if ext, ok := allowedMIMETypes[normalizeMIME(declared)]; ok {
		return ext
	}
	return "mp4"
}

// normalizeMIME lower-cases a declared type and drops any parameters.
func normalizeMIME(declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	return declared
}
