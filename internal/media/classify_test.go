package media

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("run: %w", context.DeadlineExceeded),
			want: FailureTimeout,
		},
		{
			name: "timeout in message",
			err:  &FFmpegError{Err: errors.New("timeout after 30s")},
			want: FailureTimeout,
		},
		{
			name: "invalid format in stderr",
			err:  &FFmpegError{Err: errors.New("exit status 1"), Stderr: "Invalid data found when processing input"},
			want: FailureInvalidFormat,
		},
		{
			name: "missing file in stderr",
			err:  &FFmpegError{Err: errors.New("exit status 1"), Stderr: "input.mp4: No such file or directory"},
			want: FailureMissingFile,
		},
		{
			name: "input precondition failure",
			err:  fmt.Errorf("%w: /tmp/x/input.mp4", ErrInputMissing),
			want: FailureMissingFile,
		},
		{
			name: "unclassified",
			err:  &FFmpegError{Err: errors.New("exit status 1"), Stderr: "Conversion failed!"},
			want: FailureGeneric,
		},
		{
			name: "nil error",
			err:  nil,
			want: FailureGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
