package recital

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// CaptionFormat names a caption document format.
type CaptionFormat string

// CaptionFormatVTT is the only supported format.
const CaptionFormatVTT CaptionFormat = "vtt"

// DefaultCaptionsProducer names the producer when none is configured.
const DefaultCaptionsProducer = "Crowd Recital Session Captions"

var whitespaceRun = regexp.MustCompile(`\s+`)

// Cue is one caption spanning [Start, End] seconds.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// Captions is the caption document of a session.
type Captions struct {
	SessionID string
	Producer  string
	Cues      []Cue
}

// normalizeCaptionText collapses every whitespace run into a single space.
func normalizeCaptionText(text string) string {
	return whitespaceRun.ReplaceAllString(text, " ")
}

// formatTimestamp renders HH:MM:SS.000 from the whole seconds of offset.
// Sub-second precision is dropped, matching published transcripts.
func formatTimestamp(offset float64) string {
	secs := int64(math.Floor(offset))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d.000", secs/3600, (secs%3600)/60, secs%60)
}

// buildCues turns segment (text, seekEnd) pairs, already ordered by seekEnd,
// into contiguous cues starting at 0.
func buildCues(texts []string, seekEnds []float64) []Cue {
	cues := make([]Cue, 0, len(texts))
	prev := 0.0
	for i := range texts {
		cues = append(cues, Cue{
			Start: prev,
			End:   seekEnds[i],
			Text:  normalizeCaptionText(texts[i]),
		})
		prev = seekEnds[i]
	}
	return cues
}

// VTT renders the document as WebVTT.
func (c *Captions) VTT() string {
	var b strings.Builder
	producer := c.Producer
	if producer == "" {
		producer = DefaultCaptionsProducer
	}
	b.WriteString("WEBVTT\n")
	b.WriteString("\nNOTE " + producer + "\n")
	b.WriteString("\nNOTE Session ID: " + c.SessionID + "\n")
	for _, cue := range c.Cues {
		b.WriteString("\n")
		b.WriteString(formatTimestamp(cue.Start))
		b.WriteString(" --> ")
		b.WriteString(formatTimestamp(cue.End))
		b.WriteString("\n")
		b.WriteString(cue.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// CaptionsFilename is the staging filename of the caption file of a session.
func CaptionsFilename(sessionID string) string {
	return sessionID + "." + string(CaptionFormatVTT)
}
