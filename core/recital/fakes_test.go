package recital

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ivrit-ai/crowd-recital/core/scheduler"
	"github.com/ivrit-ai/crowd-recital/model"
)

// fakeStore is an in-memory SessionStore. Reads return copies; changes
// only land through Create, UpdateSession and RaiseDuration, like a real
// database.
type fakeStore struct {
	mu       sync.Mutex
	dataDir  string
	sessions map[string]*model.RecitalSession
	text     map[string][]*model.RecitalTextSegment
	audio    map[string][]*model.RecitalAudioSegment

	writes      int
	textWrites  int
	textSegErr  map[string]error
	listErr     error
	storeTextFn func(content, filename string) error
}

func newFakeStore(dataDir string) *fakeStore {
	return &fakeStore{
		dataDir:    dataDir,
		sessions:   make(map[string]*model.RecitalSession),
		text:       make(map[string][]*model.RecitalTextSegment),
		audio:      make(map[string][]*model.RecitalAudioSegment),
		textSegErr: make(map[string]error),
	}
}

func (f *fakeStore) put(s *model.RecitalSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
}

func (f *fakeStore) get(t *testing.T, id string) *model.RecitalSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		t.Fatalf("session %s not stored", id)
	}
	cp := *s
	return &cp
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*model.RecitalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetByIDAndUserID(ctx context.Context, id, userID string) (*model.RecitalSession, error) {
	s, err := f.GetByID(ctx, id)
	if err != nil || s == nil || s.UserID != userID {
		return nil, err
	}
	return s, nil
}

func (f *fakeStore) list(limit int, keep func(*model.RecitalSession) bool) ([]*model.RecitalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.RecitalSession
	for _, s := range f.sessions {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetEndedSessions(ctx context.Context, abandonedBefore time.Time, limit int) ([]*model.RecitalSession, error) {
	return f.list(limit, func(s *model.RecitalSession) bool {
		if s.Disavowed {
			return false
		}
		return s.Status == model.SessionStatusEnded ||
			(s.Status == model.SessionStatusActive && s.CreatedAt.Before(abandonedBefore))
	})
}

func (f *fakeStore) GetAggregatedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error) {
	return f.list(limit, func(s *model.RecitalSession) bool {
		return s.Status == model.SessionStatusAggregated && !s.Disavowed
	})
}

func (f *fakeStore) GetDisavowedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error) {
	return f.list(limit, func(s *model.RecitalSession) bool {
		return s.Disavowed && s.Status != model.SessionStatusDiscarded
	})
}

func (f *fakeStore) Create(ctx context.Context, session *model.RecitalSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; ok {
		return fmt.Errorf("duplicate session %s", session.ID)
	}
	cp := *session
	f.sessions[session.ID] = &cp
	f.writes++
	return nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, id string, guard model.SessionGuard, fields map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	if guard.NotDisavowed && s.Disavowed {
		return false, nil
	}
	if len(guard.Statuses) > 0 {
		matched := false
		for _, st := range guard.Statuses {
			if s.Status == st {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	for col, v := range fields {
		switch col {
		case model.ColumnStatus:
			s.Status = v.(model.SessionStatus)
		case model.ColumnDisavowed:
			s.Disavowed = v.(bool)
		case model.ColumnDuration:
			s.Duration = v.(float64)
		case model.ColumnTextFilename:
			s.TextFilename = model.StringPtr(v.(string))
		case model.ColumnSourceAudioFilename:
			s.SourceAudioFilename = model.StringPtr(v.(string))
		case model.ColumnMainAudioFilename:
			s.MainAudioFilename = model.StringPtr(v.(string))
		case model.ColumnLightAudioFilename:
			s.LightAudioFilename = model.StringPtr(v.(string))
		default:
			return false, fmt.Errorf("unknown column %s", col)
		}
	}
	f.writes++
	return true, nil
}

func (f *fakeStore) RaiseDuration(ctx context.Context, id string, duration float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status == model.SessionStatusDiscarded || s.Duration >= duration {
		return false, nil
	}
	s.Duration = duration
	f.writes++
	return true, nil
}

func (f *fakeStore) AddTextSegment(ctx context.Context, segment *model.RecitalTextSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text[segment.RecitalSessionID] = append(f.text[segment.RecitalSessionID], segment)
	return nil
}

func (f *fakeStore) GetTextSegments(ctx context.Context, sessionID string) ([]*model.RecitalTextSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.textSegErr[sessionID]; err != nil {
		return nil, err
	}
	var out []*model.RecitalTextSegment
	for _, seg := range f.text[sessionID] {
		if !seg.Discarded {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeekEnd < out[j].SeekEnd })
	return out, nil
}

func (f *fakeStore) DiscardLastTextSegments(ctx context.Context, sessionID string, n int) (int64, error) {
	segments, _ := f.GetTextSegments(ctx, sessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for i := len(segments) - 1; i >= 0 && count < int64(n); i-- {
		segments[i].Discarded = true
		count++
	}
	return count, nil
}

func (f *fakeStore) AddAudioSegment(ctx context.Context, segment *model.RecitalAudioSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, seg := range f.audio[segment.RecitalSessionID] {
		if seg.Sequential == segment.Sequential {
			f.audio[segment.RecitalSessionID][i] = segment
			return nil
		}
	}
	f.audio[segment.RecitalSessionID] = append(f.audio[segment.RecitalSessionID], segment)
	return nil
}

func (f *fakeStore) GetAudioSegments(ctx context.Context, sessionID string) ([]*model.RecitalAudioSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*model.RecitalAudioSegment(nil), f.audio[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequential < out[j].Sequential })
	return out, nil
}

func (f *fakeStore) StoreSessionText(ctx context.Context, content, filename string) error {
	f.mu.Lock()
	f.textWrites++
	fn := f.storeTextFn
	f.mu.Unlock()
	if fn != nil {
		return fn(content, filename)
	}
	return os.WriteFile(filepath.Join(f.dataDir, filename), []byte(content), 0644)
}

// fakeContent keeps local files in a temp dir and records remote calls.
type fakeContent struct {
	mu      sync.Mutex
	dir     string
	objects map[string]string // key -> local filename
	meta    map[string]map[string]string
	failKey string

	deletedPrefixes []string
	deleteErr       error
}

func newFakeContent(dir string) *fakeContent {
	return &fakeContent{
		dir:     dir,
		objects: make(map[string]string),
		meta:    make(map[string]map[string]string),
	}
}

func (c *fakeContent) LocalPath(filename string) string {
	return filepath.Join(c.dir, filename)
}

func (c *fakeContent) RemoveLocal(filename string) error {
	err := os.Remove(c.LocalPath(filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *fakeContent) Upload(ctx context.Context, filename, objectKey string, metadata map[string]string, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if objectKey == c.failKey {
		return fmt.Errorf("simulated upload failure for %s", objectKey)
	}
	if _, err := os.Stat(c.LocalPath(filename)); err != nil {
		return err
	}
	c.objects[objectKey] = filename
	c.meta[objectKey] = metadata
	return nil
}

func (c *fakeContent) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedPrefixes = append(c.deletedPrefixes, prefix)
	return c.deleteErr
}

func (c *fakeContent) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return "https://storage.test/" + objectKey, nil
}

// fakeMedia stands in for ffprobe/ffmpeg: every Run writes its output file.
type fakeMedia struct {
	mu      sync.Mutex
	codec   string
	probErr error
	failRun int // 1-based index of the Run call that fails, 0 for none
	runs    [][]string
	onRun   func(n int)
}

func (m *fakeMedia) ProbeAudioCodec(ctx context.Context, inputFile string) (string, error) {
	return m.codec, m.probErr
}

func (m *fakeMedia) Run(ctx context.Context, args ...string) error {
	m.mu.Lock()
	m.runs = append(m.runs, args)
	n := len(m.runs)
	hook := m.onRun
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	output := args[len(args)-1]
	if err := os.WriteFile(output, []byte("rendition"), 0644); err != nil {
		return err
	}
	if n == m.failRun {
		return errors.New("ffmpeg exited with status 1")
	}
	return nil
}

type scheduledJob struct {
	trigger scheduler.Trigger
	replace bool
	job     scheduler.Job
}

// fakeJobs records registrations instead of running timers.
type fakeJobs struct {
	mu    sync.Mutex
	jobs  map[string]scheduledJob
	calls int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]scheduledJob)}
}

func (j *fakeJobs) Schedule(jobID string, trigger scheduler.Trigger, replace bool, job scheduler.Job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if _, ok := j.jobs[jobID]; ok && !replace {
		return false
	}
	j.jobs[jobID] = scheduledJob{trigger: trigger, replace: replace, job: job}
	return true
}

// fire runs and unregisters a one-shot job.
func (j *fakeJobs) fire(t *testing.T, jobID string) {
	t.Helper()
	j.mu.Lock()
	sj, ok := j.jobs[jobID]
	if ok && sj.trigger.Interval == 0 {
		delete(j.jobs, jobID)
	}
	j.mu.Unlock()
	if !ok {
		t.Fatalf("job %s not scheduled", jobID)
	}
	sj.job(context.Background())
}

type fakeStats struct {
	mu     sync.Mutex
	users  map[string]int
	totals int
}

func newFakeStats() *fakeStats {
	return &fakeStats{users: make(map[string]int)}
}

func (s *fakeStats) InvalidateUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID]++
	return nil
}

func (s *fakeStats) InvalidateTotals(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals++
	return nil
}

// countingAggregator wraps an Aggregator and counts calls.
type countingAggregator struct {
	Aggregator
	captionCalls int
	audioCalls   int
}

func (a *countingAggregator) AggregateSessionCaptions(ctx context.Context, sessionID string, format CaptionFormat) (*Captions, error) {
	a.captionCalls++
	return a.Aggregator.AggregateSessionCaptions(ctx, sessionID, format)
}

func (a *countingAggregator) AggregateSessionAudio(ctx context.Context, sessionID string) (string, error) {
	a.audioCalls++
	return a.Aggregator.AggregateSessionAudio(ctx, sessionID)
}

// fixture wires a Manager with real engines over fakes.
type fixture struct {
	dir        string
	store      *fakeStore
	content    *fakeContent
	media      *fakeMedia
	jobs       *fakeJobs
	stats      *fakeStats
	aggregator *countingAggregator
	manager    *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		store:   newFakeStore(dir),
		content: newFakeContent(dir),
		media:   &fakeMedia{codec: "opus"},
		jobs:    newFakeJobs(),
		stats:   newFakeStats(),
	}
	f.aggregator = &countingAggregator{
		Aggregator: NewAggregationEngine(f.store, f.content, "Test Producer"),
	}
	transcoder := NewTransformEngine(f.store, f.content, f.media, "")
	f.manager = NewManager(f.store, f.content, f.aggregator, transcoder, f.jobs, f.stats, opts)
	return f
}

func (f *fixture) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func (f *fixture) exists(name string) bool {
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

func (f *fixture) readFile(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

// addSession stores a session with the given status and segments.
func (f *fixture) addSession(t *testing.T, id string, status model.SessionStatus, texts map[string]float64, audio []string) *model.RecitalSession {
	t.Helper()
	s := model.NewRecitalSession(id, "user-1", nil)
	s.Status = status
	f.store.put(s)

	ctx := context.Background()
	for text, seekEnd := range texts {
		_ = f.store.AddTextSegment(ctx, model.NewTextSegment(id, text, seekEnd))
	}
	for i, content := range audio {
		name := fmt.Sprintf("%s.webm.seg.%d", id, i)
		f.writeFile(t, name, content)
		_ = f.store.AddAudioSegment(ctx, model.NewAudioSegment(id, i, name, "audio/webm"))
	}
	return s
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
