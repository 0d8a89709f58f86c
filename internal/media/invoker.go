// Package media provides the external media-processing capability:
// extracting a frame from a video and embedding it as an attached
// cover picture. Both operations are argument-vector invocations of
// the ffmpeg binary with hard timeouts; no shell is ever involved.
package media

import "context"

// ExtractFrameParams are the inputs for a frame extraction.
type ExtractFrameParams struct {
	// Input is the path of the source video.
	Input string `validate:"required"`
	// Output is the path the extracted frame is written to.
	Output string `validate:"required"`
	// Seek is the position in seconds to extract from.
	Seek float64 `validate:"gte=0,lte=86400"`
	// Frames is how many frames to emit. Leave zero for the default of 1.
	Frames int `validate:"min=1,max=10"`
	// Quality is the JPEG quality scale. Leave zero for the default of 2.
	Quality int `validate:"min=1,max=31"`
}

// AddCoverParams are the inputs for a cover embedding.
type AddCoverParams struct {
	// VideoInput is the path of the source video.
	VideoInput string `validate:"required"`
	// ImageInput is the path of the still image to attach.
	ImageInput string `validate:"required"`
	// Output is the path the resulting video is written to.
	Output string `validate:"required"`
}

// Invoker is the narrow capability interface over the external media
// binary. Substitute a fake in tests to decouple callers from ffmpeg.
type Invoker interface {
	// ExtractFrame extracts frames from a video at a given position.
	ExtractFrame(ctx context.Context, p ExtractFrameParams) error

	// AddCoverImage embeds a still image into a video container as an
	// attached cover picture, copying all existing streams unchanged.
	AddCoverImage(ctx context.Context, p AddCoverParams) error
}
