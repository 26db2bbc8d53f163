package storage

import (
	"path/filepath"
	"strings"
)

// Fixed leaf names of a published session under "<session_id>/".
const (
	TranscriptObject = "transcript.vtt"
	LightAudioObject = "light.audio.mp3"
)

// SessionPrefix is the key prefix every artifact of the session lives under.
func SessionPrefix(sessionID string) string {
	return sessionID + "/"
}

// TranscriptKey 字幕对象键
func TranscriptKey(sessionID string) string {
	return SessionPrefix(sessionID) + TranscriptObject
}

// MainAudioKey keeps the extension of the main rendition, e.g. "main.audio.webm".
func MainAudioKey(sessionID, filename string) string {
	return SessionPrefix(sessionID) + "main.audio." + getFileExtension(filename)
}

// SourceAudioKey keeps the extension of the concatenated source audio.
func SourceAudioKey(sessionID, filename string) string {
	return SessionPrefix(sessionID) + "source.audio." + getFileExtension(filename)
}

// LightAudioKey 轻量音频对象键
func LightAudioKey(sessionID string) string {
	return SessionPrefix(sessionID) + LightAudioObject
}

// getFileExtension 获取文件扩展名（不含点），无扩展名时返回 "bin"
func getFileExtension(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}

// InferContentType 从文件名推断内容类型
func InferContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".vtt":
		return "text/vtt"
	case ".mp3":
		return "audio/mpeg"
	case ".webm":
		return "audio/webm"
	case ".mka":
		return "audio/x-matroska"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
