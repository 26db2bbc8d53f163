package audio

import "context"

// Processor is the subset of media tooling the transform step needs.
type Processor interface {
	ProbeAudioCodec(ctx context.Context, inputFile string) (string, error)
	Run(ctx context.Context, args ...string) error
}

var _ Processor = (*FFmpegProcessor)(nil)
