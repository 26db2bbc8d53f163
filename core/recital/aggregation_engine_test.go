package recital

import (
	"context"
	"errors"
	"testing"

	"github.com/ivrit-ai/crowd-recital/model"
)

func newEngineFixture(t *testing.T) (*fakeStore, *fakeContent, *AggregationEngine) {
	t.Helper()
	dir := t.TempDir()
	store := newFakeStore(dir)
	content := newFakeContent(dir)
	return store, content, NewAggregationEngine(store, content, "Test Producer")
}

func TestAggregateSessionCaptions(t *testing.T) {
	store, _, engine := newEngineFixture(t)
	ctx := context.Background()

	// inserted out of order; the store sorts by seek_end
	_ = store.AddTextSegment(ctx, model.NewTextSegment("S", "world", 5.0))
	_ = store.AddTextSegment(ctx, model.NewTextSegment("S", "hello", 2.0))
	discarded := model.NewTextSegment("S", "dropped", 7.0)
	discarded.Discarded = true
	_ = store.AddTextSegment(ctx, discarded)

	captions, err := engine.AggregateSessionCaptions(ctx, "S", CaptionFormatVTT)
	if err != nil {
		t.Fatalf("AggregateSessionCaptions failed: %v", err)
	}
	if captions == nil {
		t.Fatal("expected captions")
	}

	want := []Cue{
		{Start: 0, End: 2.0, Text: "hello"},
		{Start: 2.0, End: 5.0, Text: "world"},
	}
	if len(captions.Cues) != len(want) {
		t.Fatalf("expected %d cues, got %+v", len(want), captions.Cues)
	}
	for i := range want {
		if captions.Cues[i] != want[i] {
			t.Fatalf("cue %d = %+v, want %+v", i, captions.Cues[i], want[i])
		}
	}
	if captions.SessionID != "S" || captions.Producer != "Test Producer" {
		t.Fatalf("unexpected header %+v", captions)
	}
}

func TestAggregateSessionCaptionsEmpty(t *testing.T) {
	store, _, engine := newEngineFixture(t)
	ctx := context.Background()

	captions, err := engine.AggregateSessionCaptions(ctx, "S", CaptionFormatVTT)
	if err != nil || captions != nil {
		t.Fatalf("expected (nil, nil) without segments, got (%v, %v)", captions, err)
	}

	_ = store.AddTextSegment(ctx, model.NewTextSegment("S", "typed before recording", 0))
	captions, err = engine.AggregateSessionCaptions(ctx, "S", CaptionFormatVTT)
	if err != nil || captions != nil {
		t.Fatalf("expected (nil, nil) for an empty timeline, got (%v, %v)", captions, err)
	}
}

func TestAggregateSessionCaptionsUnsupportedFormat(t *testing.T) {
	_, _, engine := newEngineFixture(t)
	_, err := engine.AggregateSessionCaptions(context.Background(), "S", "srt")
	if !errors.Is(err, ErrUnsupportedCaptionFormat) {
		t.Fatalf("expected ErrUnsupportedCaptionFormat, got %v", err)
	}
}

func addAudio(t *testing.T, store *fakeStore, content *fakeContent, sessionID string, seq int, data string, onDisk bool) string {
	t.Helper()
	name := AudioSegmentFilename(sessionID, "audio/webm", seq)
	if onDisk {
		if err := writeFile(content.LocalPath(name), data); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.AddAudioSegment(context.Background(), model.NewAudioSegment(sessionID, seq, name, "audio/webm"))
	return name
}

func TestAggregateSessionAudioConcatenatesInOrder(t *testing.T) {
	store, content, engine := newEngineFixture(t)

	// registered in reverse to make sure ordering comes from sequential
	s2 := addAudio(t, store, content, "S", 1, "-second", true)
	s1 := addAudio(t, store, content, "S", 0, "first", true)
	s3 := addAudio(t, store, content, "S", 2, "-third", true)

	out, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil {
		t.Fatalf("AggregateSessionAudio failed: %v", err)
	}
	if out != "S.webm" {
		t.Fatalf("unexpected output filename %q", out)
	}

	got, err := readFile(content.LocalPath(out))
	if err != nil {
		t.Fatal(err)
	}
	if got != "first-second-third" {
		t.Fatalf("unexpected concatenation %q", got)
	}
	for _, seg := range []string{s1, s2, s3} {
		if fileExists(content.LocalPath(seg)) {
			t.Fatalf("segment %s should have been removed", seg)
		}
	}
}

func TestAggregateSessionAudioSkipsMissingSegments(t *testing.T) {
	store, content, engine := newEngineFixture(t)

	addAudio(t, store, content, "S", 0, "a", true)
	addAudio(t, store, content, "S", 1, "b", false)
	addAudio(t, store, content, "S", 2, "c", true)

	out, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil {
		t.Fatalf("AggregateSessionAudio failed: %v", err)
	}
	got, _ := readFile(content.LocalPath(out))
	if got != "ac" {
		t.Fatalf("unexpected concatenation %q", got)
	}
}

func TestAggregateSessionAudioNoSegments(t *testing.T) {
	store, content, engine := newEngineFixture(t)

	out, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil || out != "" {
		t.Fatalf("expected (\"\", nil) without segments, got (%q, %v)", out, err)
	}

	addAudio(t, store, content, "S", 0, "pruned", false)
	out, err = engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil || out != "" {
		t.Fatalf("expected (\"\", nil) when every segment is gone, got (%q, %v)", out, err)
	}
}

func TestDeleteSessionAudio(t *testing.T) {
	store, content, engine := newEngineFixture(t)

	s1 := addAudio(t, store, content, "S", 0, "a", true)
	s2 := addAudio(t, store, content, "S", 1, "b", false)

	if err := engine.DeleteSessionAudio(context.Background(), "S"); err != nil {
		t.Fatalf("DeleteSessionAudio failed: %v", err)
	}
	if fileExists(content.LocalPath(s1)) || fileExists(content.LocalPath(s2)) {
		t.Fatal("segments should be gone")
	}
	if err := engine.DeleteSessionAudio(context.Background(), "S"); err != nil {
		t.Fatalf("second DeleteSessionAudio failed: %v", err)
	}
}

func TestAggregateSessionAudioRetriedUploadCountedOnce(t *testing.T) {
	store, content, engine := newEngineFixture(t)

	addAudio(t, store, content, "S", 0, "AA", true)
	addAudio(t, store, content, "S", 0, "AA", true)
	addAudio(t, store, content, "S", 1, "BB", true)
	// 旧数据里可能残留的重复行
	store.audio["S"] = append(store.audio["S"],
		model.NewAudioSegment("S", 0, AudioSegmentFilename("S", "audio/webm", 0), "audio/webm"))

	out, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil {
		t.Fatalf("AggregateSessionAudio failed: %v", err)
	}
	got, _ := readFile(content.LocalPath(out))
	if got != "AABB" {
		t.Fatalf("expected each segment once, got %q", got)
	}
}

func TestAggregateSessionAudioReturnsConcatenatedFile(t *testing.T) {
	store, content, engine := newEngineFixture(t)
	addAudio(t, store, content, "S", 0, "AA", true)
	addAudio(t, store, content, "S", 1, "BB", true)

	first, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil || first != "S.webm" {
		t.Fatalf("first AggregateSessionAudio = (%q, %v)", first, err)
	}

	// the filename was never saved; the next cycle runs the step again
	again, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil || again != "S.webm" {
		t.Fatalf("second AggregateSessionAudio = (%q, %v)", again, err)
	}
	got, _ := readFile(content.LocalPath(again))
	if got != "AABB" {
		t.Fatalf("concatenated file changed to %q", got)
	}
}

func TestDeleteSessionAudioRemovesConcatenatedFile(t *testing.T) {
	store, content, engine := newEngineFixture(t)
	addAudio(t, store, content, "S", 0, "AA", true)

	out, err := engine.AggregateSessionAudio(context.Background(), "S")
	if err != nil || out == "" {
		t.Fatalf("AggregateSessionAudio = (%q, %v)", out, err)
	}
	if err := engine.DeleteSessionAudio(context.Background(), "S"); err != nil {
		t.Fatalf("DeleteSessionAudio failed: %v", err)
	}
	if fileExists(content.LocalPath(out)) {
		t.Fatalf("%s should be removed", out)
	}
}
