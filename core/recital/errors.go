package recital

import "errors"

var (
	// ErrMissingSession is returned when a session does not exist, belongs to
	// another user, or was disavowed.
	ErrMissingSession = errors.New("recital session not found")
	// ErrNoSourceAudio is returned by the transcoder when the concatenated
	// source audio is not available.
	ErrNoSourceAudio = errors.New("session has no source audio")
	// ErrUnsupportedCaptionFormat is a programming error: only VTT exists.
	ErrUnsupportedCaptionFormat = errors.New("unsupported caption format")
	// ErrNoPreview is returned for sessions that will never be published.
	ErrNoPreview = errors.New("no preview for this recital session")
	// ErrSessionChanged is reported when a session was disavowed, discarded
	// or otherwise moved while a phase was working on it.
	ErrSessionChanged = errors.New("recital session changed during finalization")
	// ErrSourceNameCollision is returned when the main rendition would
	// overwrite the source audio. The session needs an operator.
	ErrSourceNameCollision = errors.New("main rendition would overwrite the source audio")
)
