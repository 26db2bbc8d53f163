package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ivrit-ai/crowd-recital/logger"
)

// ErrNoAudioStream is returned when the probed file has no audio stream.
var ErrNoAudioStream = errors.New("no audio streams found in file")

// FFmpegProcessor shells out to ffprobe / ffmpeg.
type FFmpegProcessor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegProcessor creates a new FFmpegProcessor. An empty ffprobePath is
// derived from ffmpegPath.
func NewFFmpegProcessor(ffmpegPath, ffprobePath string) *FFmpegProcessor {
	if ffprobePath == "" {
		ffprobePath = strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)
	}
	return &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Channels  int    `json:"channels"`
	} `json:"streams"`
}

func (p *FFmpegProcessor) probe(ctx context.Context, args ...string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe execution failed: %w\nFFprobe Error: %s", err, stderr.String())
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ffprobe output: %w\nFFprobe Output: %s", err, out.String())
	}
	return &probeData, nil
}

// ProbeAudioCodec returns the codec name of the first audio stream, e.g. "opus" or "vorbis".
func (p *FFmpegProcessor) ProbeAudioCodec(ctx context.Context, inputFile string) (string, error) {
	probeData, err := p.probe(ctx,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a",
		inputFile,
	)
	if err != nil {
		return "", fmt.Errorf("probe codec of %s: %w", inputFile, err)
	}

	for _, stream := range probeData.Streams {
		if stream.CodecType == "" || stream.CodecType == "audio" {
			return stream.CodecName, nil
		}
	}
	return "", ErrNoAudioStream
}

// Run executes ffmpeg with args. A non-zero exit is returned as an error
// carrying ffmpeg's stderr.
func (p *FFmpegProcessor) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("Executing FFmpeg command",
		logger.String("cmd", p.ffmpegPath+" "+strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg execution failed: %w\nFFmpeg Error: %s", err, stderr.String())
	}
	return nil
}
