package recital

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/ivrit-ai/crowd-recital/core/utils"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"
)

var segmentSuffix = regexp.MustCompile(`\.seg\.\d+$`)

// SegmentSource lists the segments of a session.
type SegmentSource interface {
	GetTextSegments(ctx context.Context, sessionID string) ([]*model.RecitalTextSegment, error)
	GetAudioSegments(ctx context.Context, sessionID string) ([]*model.RecitalAudioSegment, error)
}

// AggregationEngine builds the caption document and the concatenated audio
// file of a session from its segments.
type AggregationEngine struct {
	segments SegmentSource
	files    LocalFiles
	producer string
}

// NewAggregationEngine 创建聚合引擎；producer 为空时使用默认名称
func NewAggregationEngine(segments SegmentSource, files LocalFiles, producer string) *AggregationEngine {
	if producer == "" {
		producer = DefaultCaptionsProducer
	}
	return &AggregationEngine{segments: segments, files: files, producer: producer}
}

// AggregateSessionCaptions returns (nil, nil) when the session has no text
// on its timeline.
func (e *AggregationEngine) AggregateSessionCaptions(ctx context.Context, sessionID string, format CaptionFormat) (*Captions, error) {
	if format != CaptionFormatVTT {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCaptionFormat, format)
	}

	segments, err := e.segments.GetTextSegments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, nil
	}

	texts := make([]string, len(segments))
	seekEnds := make([]float64, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
		seekEnds[i] = seg.SeekEnd
	}
	// 时间轴终点为 0 说明没有可用内容
	if seekEnds[len(seekEnds)-1] == 0 {
		return nil, nil
	}

	return &Captions{
		SessionID: sessionID,
		Producer:  e.producer,
		Cues:      buildCues(texts, seekEnds),
	}, nil
}

// audioOutputName derives the concatenated filename from a segment filename.
func audioOutputName(segment string) (string, error) {
	output := segmentSuffix.ReplaceAllString(segment, "")
	if output == segment {
		return "", fmt.Errorf("audio segment %s has no .seg.<n> suffix", segment)
	}
	return output, nil
}

// existingSegments returns the concatenated output name of the session and
// the segment files still present in the staging folder, in sequential order.
// A filename recorded more than once is listed once. The output name is
// empty when the session has no audio segment rows.
func (e *AggregationEngine) existingSegments(ctx context.Context, sessionID string) (string, []string, error) {
	segments, err := e.segments.GetAudioSegments(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if len(segments) == 0 {
		return "", nil, nil
	}
	output, err := audioOutputName(segments[0].Filename)
	if err != nil {
		return "", nil, err
	}

	seen := make(map[string]bool, len(segments))
	var present []string
	for _, seg := range segments {
		if seen[seg.Filename] {
			continue
		}
		seen[seg.Filename] = true
		if utils.FileExists(e.files.LocalPath(seg.Filename)) {
			present = append(present, seg.Filename)
		}
	}
	return output, present, nil
}

// AggregateSessionAudio concatenates the session's audio segments, byte for
// byte in sequential order, into one staged file and returns its filename.
// When every segment was already consumed but the concatenated file is
// still staged, that file is returned as is. It returns ("", nil) when
// neither is left.
func (e *AggregationEngine) AggregateSessionAudio(ctx context.Context, sessionID string) (string, error) {
	output, present, err := e.existingSegments(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if output == "" {
		return "", nil
	}
	if len(present) == 0 {
		// 上次合并已完成但文件名未保存
		if utils.FileExists(e.files.LocalPath(output)) {
			logger.Info("复用已合并的音频文件",
				logger.SessionID(sessionID),
				logger.String("output", output))
			return output, nil
		}
		return "", nil
	}

	outputPath := e.files.LocalPath(output)
	resumed := utils.FileExists(outputPath)
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for append: %w", outputPath, err)
	}

	var consumed []string
	var written int64
	for _, filename := range present {
		n, err := utils.AppendFile(out, e.files.LocalPath(filename))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// 扫描后被删除的分段视为已处理
				continue
			}
			out.Close()
			return "", fmt.Errorf("failed to concatenate session %s audio: %w", sessionID, err)
		}
		written += n
		consumed = append(consumed, filename)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", outputPath, err)
	}

	if len(consumed) == 0 {
		if resumed {
			return output, nil
		}
		if err := e.files.RemoveLocal(output); err != nil {
			logger.Warn("清理空音频文件失败", logger.SessionID(sessionID), logger.ErrorField(err))
		}
		return "", nil
	}

	for _, filename := range consumed {
		if err := e.files.RemoveLocal(filename); err != nil {
			logger.Warn("删除音频分段失败",
				logger.SessionID(sessionID),
				logger.String("segment", filename),
				logger.ErrorField(err))
		}
	}

	logger.Info("音频分段已合并",
		logger.SessionID(sessionID),
		logger.String("output", output),
		logger.Int("segments", len(consumed)),
		logger.Int64("bytes", written))
	return output, nil
}

// DeleteSessionAudio removes the session's raw audio segment files and any
// concatenated file left behind by an unfinished aggregation.
func (e *AggregationEngine) DeleteSessionAudio(ctx context.Context, sessionID string) error {
	output, present, err := e.existingSegments(ctx, sessionID)
	if err != nil {
		return err
	}
	if output != "" {
		present = append(present, output)
	}

	var errs []error
	for _, filename := range present {
		if err := e.files.RemoveLocal(filename); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
