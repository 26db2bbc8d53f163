package recital

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ivrit-ai/crowd-recital/core/audio"
	"github.com/ivrit-ai/crowd-recital/core/utils"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"
)

const (
	defaultLightBitrate = "64k"

	// 通用容器，几乎可以容纳任何编码
	genericContainer = "mka"
	webContainer     = "webm"
)

// SessionGetter loads a session by id.
type SessionGetter interface {
	GetByID(ctx context.Context, id string) (*model.RecitalSession, error)
}

// Renditions are the staged transcoding outputs of a session.
type Renditions struct {
	MainFilename  string
	LightFilename string
}

// TransformEngine produces the "main" (stream copy) and "light" (mp3)
// renditions of a session's concatenated source audio.
type TransformEngine struct {
	sessions     SessionGetter
	files        LocalFiles
	media        audio.Processor
	lightBitrate string
}

// NewTransformEngine 创建转码引擎
func NewTransformEngine(sessions SessionGetter, files LocalFiles, media audio.Processor, lightBitrate string) *TransformEngine {
	if lightBitrate == "" {
		lightBitrate = defaultLightBitrate
	}
	return &TransformEngine{
		sessions:     sessions,
		files:        files,
		media:        media,
		lightBitrate: lightBitrate,
	}
}

// containerFor maps a probed codec to the main rendition's container.
func containerFor(codec string) string {
	if codec == "vorbis" {
		return webContainer
	}
	return genericContainer
}

// Transcode truncates both renditions to targetDuration seconds when it is
// positive. Either both renditions are produced or neither is left on disk.
func (e *TransformEngine) Transcode(ctx context.Context, sessionID string, targetDuration float64) (*Renditions, error) {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.HasSourceAudio() {
		return nil, ErrNoSourceAudio
	}

	source := e.files.LocalPath(*session.SourceAudioFilename)
	if !utils.FileExists(source) {
		return nil, fmt.Errorf("%w: %s", ErrNoSourceAudio, source)
	}

	codec, err := e.media.ProbeAudioCodec(ctx, source)
	if err != nil {
		logger.Warn("无法探测源音频编码，使用通用容器",
			logger.SessionID(sessionID),
			logger.ErrorField(err))
	}

	out := &Renditions{
		MainFilename:  sessionID + "." + containerFor(codec),
		LightFilename: sessionID + ".mp3",
	}

	if out.MainFilename == *session.SourceAudioFilename {
		logger.Error("主音频与源音频同名，需要人工处理：请重命名源文件并更新 source_audio_filename",
			logger.SessionID(sessionID),
			logger.String("codec", codec),
			logger.String("source", *session.SourceAudioFilename))
		return nil, fmt.Errorf("%w: %s (session %s)", ErrSourceNameCollision, out.MainFilename, sessionID)
	}

	var durationArgs []string
	if targetDuration > 0 {
		durationArgs = []string{"-t", strconv.FormatFloat(targetDuration, 'f', 3, 64)}
	}

	mainArgs := []string{"-y", "-i", source, "-vn", "-acodec", "copy"}
	mainArgs = append(mainArgs, durationArgs...)
	mainArgs = append(mainArgs, e.files.LocalPath(out.MainFilename))

	lightArgs := []string{"-y", "-i", source, "-vn"}
	lightArgs = append(lightArgs, durationArgs...)
	lightArgs = append(lightArgs,
		"-codec:a", "libmp3lame",
		"-ac", "1",
		"-b:a", e.lightBitrate,
		e.files.LocalPath(out.LightFilename),
	)

	if err := e.media.Run(ctx, mainArgs...); err != nil {
		e.cleanup(sessionID, out)
		return nil, fmt.Errorf("main rendition of session %s: %w", sessionID, err)
	}
	if err := e.media.Run(ctx, lightArgs...); err != nil {
		e.cleanup(sessionID, out)
		return nil, fmt.Errorf("light rendition of session %s: %w", sessionID, err)
	}

	logger.Info("音频转码完成",
		logger.SessionID(sessionID),
		logger.String("codec", codec),
		logger.String("main", out.MainFilename),
		logger.String("light", out.LightFilename))
	return out, nil
}

func (e *TransformEngine) cleanup(sessionID string, r *Renditions) {
	for _, f := range []string{r.MainFilename, r.LightFilename} {
		if err := e.files.RemoveLocal(f); err != nil {
			logger.Warn("清理转码输出失败",
				logger.SessionID(sessionID),
				logger.String("file", f),
				logger.ErrorField(err))
		}
	}
}
