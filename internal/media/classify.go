package media

import (
	"context"
	"errors"
	"strings"
)

// FailureKind classifies a processing failure for status mapping.
type FailureKind int

const (
	// FailureGeneric is any unclassified processing failure.
	FailureGeneric FailureKind = iota
	// FailureTimeout means the operation exceeded its hard timeout.
	FailureTimeout
	// FailureInvalidFormat means the binary rejected the input format.
	FailureInvalidFormat
	// FailureMissingFile means an input file was not found.
	FailureMissingFile
)

// Classify maps an error from an Invoker operation to a FailureKind.
// Classification inspects both the error chain and the captured
// diagnostic text.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureGeneric
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, ErrInputMissing) {
		return FailureMissingFile
	}

	text := err.Error()
	var ffErr *FFmpegError
	if errors.As(err, &ffErr) {
		text += "\n" + ffErr.Stderr
	}

	switch {
	case strings.Contains(text, "timeout"):
		return FailureTimeout
	case strings.Contains(text, "Invalid"):
		return FailureInvalidFormat
	case strings.Contains(text, "No such file"):
		return FailureMissingFile
	default:
		return FailureGeneric
	}
}
