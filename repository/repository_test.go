package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivrit-ai/crowd-recital/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// a single connection keeps the in-memory database shared
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := gdb.AutoMigrate(&model.RecitalSession{}, &model.RecitalTextSegment{}, &model.RecitalAudioSegment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func mustCreate(t *testing.T, repo RecitalRepository, s *model.RecitalSession) {
	t.Helper()
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create(%s) failed: %v", s.ID, err)
	}
}

func TestGetByIDMissingReturnsNil(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())

	got, err := repo.GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session, got %#v", got)
	}
}

func TestUpdateAndScopedLookup(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()

	mustCreate(t, repo, model.NewRecitalSession("s1", "user-a", nil))

	ok, err := repo.UpdateSession(ctx, "s1", model.SessionGuard{}, map[string]interface{}{
		model.ColumnTextFilename: "s1.vtt",
		model.ColumnDuration:     4.5,
	})
	if err != nil || !ok {
		t.Fatalf("UpdateSession = (%v, %v)", ok, err)
	}

	got, err := repo.GetByIDAndUserID(ctx, "s1", "user-a")
	if err != nil || got == nil {
		t.Fatalf("GetByIDAndUserID failed: %v %v", got, err)
	}
	if model.Deref(got.TextFilename) != "s1.vtt" || got.Duration != 4.5 {
		t.Fatalf("update not persisted: %#v", got)
	}

	other, err := repo.GetByIDAndUserID(ctx, "s1", "user-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other != nil {
		t.Fatal("session must not resolve for another user")
	}
}

func TestListingQueries(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()
	now := time.Now()

	sessions := []*model.RecitalSession{
		{ID: "ended", UserID: "u", Status: model.SessionStatusEnded, CreatedAt: now},
		{ID: "abandoned", UserID: "u", Status: model.SessionStatusActive, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "fresh", UserID: "u", Status: model.SessionStatusActive, CreatedAt: now},
		{ID: "ended-disavowed", UserID: "u", Status: model.SessionStatusEnded, Disavowed: true, CreatedAt: now},
		{ID: "aggregated", UserID: "u", Status: model.SessionStatusAggregated, CreatedAt: now},
		{ID: "aggregated-disavowed", UserID: "u", Status: model.SessionStatusAggregated, Disavowed: true, CreatedAt: now},
		{ID: "discarded", UserID: "u", Status: model.SessionStatusDiscarded, Disavowed: true, CreatedAt: now},
	}
	for _, s := range sessions {
		mustCreate(t, repo, s)
	}

	ended, err := repo.GetEndedSessions(ctx, now.Add(-2*time.Hour), 100)
	if err != nil {
		t.Fatalf("GetEndedSessions failed: %v", err)
	}
	assertIDs(t, "ended", ended, "abandoned", "ended")

	aggregated, err := repo.GetAggregatedSessions(ctx, 100)
	if err != nil {
		t.Fatalf("GetAggregatedSessions failed: %v", err)
	}
	assertIDs(t, "aggregated", aggregated, "aggregated")

	disavowed, err := repo.GetDisavowedSessions(ctx, 100)
	if err != nil {
		t.Fatalf("GetDisavowedSessions failed: %v", err)
	}
	assertIDs(t, "disavowed", disavowed, "ended-disavowed", "aggregated-disavowed")
}

func assertIDs(t *testing.T, label string, got []*model.RecitalSession, want ...string) {
	t.Helper()
	seen := make(map[string]bool, len(got))
	for _, s := range got {
		seen[s.ID] = true
	}
	if len(got) != len(want) {
		t.Fatalf("%s: expected %v, got %d sessions (%v)", label, want, len(got), seen)
	}
	for _, id := range want {
		if !seen[id] {
			t.Fatalf("%s: missing %s in %v", label, id, seen)
		}
	}
}

func TestSegmentsOrderingAndDiscard(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()
	mustCreate(t, repo, model.NewRecitalSession("s1", "u", nil))

	for _, seg := range []*model.RecitalTextSegment{
		model.NewTextSegment("s1", "second", 5.0),
		model.NewTextSegment("s1", "first", 2.0),
		model.NewTextSegment("s1", "third", 9.0),
	} {
		if err := repo.AddTextSegment(ctx, seg); err != nil {
			t.Fatalf("AddTextSegment failed: %v", err)
		}
	}
	for _, seg := range []*model.RecitalAudioSegment{
		model.NewAudioSegment("s1", 1, "s1.webm.seg.1", "audio/webm"),
		model.NewAudioSegment("s1", 0, "s1.webm.seg.0", "audio/webm"),
	} {
		if err := repo.AddAudioSegment(ctx, seg); err != nil {
			t.Fatalf("AddAudioSegment failed: %v", err)
		}
	}

	texts, err := repo.GetTextSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTextSegments failed: %v", err)
	}
	if len(texts) != 3 || texts[0].Text != "first" || texts[2].Text != "third" {
		t.Fatalf("unexpected text order: %+v", texts)
	}

	audio, err := repo.GetAudioSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("GetAudioSegments failed: %v", err)
	}
	if len(audio) != 2 || audio[0].Sequential != 0 || audio[1].Sequential != 1 {
		t.Fatalf("unexpected audio order: %+v", audio)
	}

	n, err := repo.DiscardLastTextSegments(ctx, "s1", 1)
	if err != nil || n != 1 {
		t.Fatalf("DiscardLastTextSegments: n=%d err=%v", n, err)
	}
	texts, _ = repo.GetTextSegments(ctx, "s1")
	if len(texts) != 2 || texts[len(texts)-1].Text != "second" {
		t.Fatalf("expected the latest segment to be discarded, got %+v", texts)
	}
}

func TestStoreSessionText(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	repo := NewGormRecitalRepository(openTestDB(t), dir)

	if err := repo.StoreSessionText(context.Background(), "WEBVTT\n", "s1.vtt"); err != nil {
		t.Fatalf("StoreSessionText failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "s1.vtt"))
	if err != nil || string(data) != "WEBVTT\n" {
		t.Fatalf("unexpected file content %q err=%v", data, err)
	}
}

func TestStatsOverUploadedSessions(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewGormRecitalRepository(gdb, t.TempDir())
	stats := NewGormStatsRepository(gdb)
	ctx := context.Background()

	for _, s := range []*model.RecitalSession{
		{ID: "a1", UserID: "alice", Status: model.SessionStatusUploaded, Duration: 30},
		{ID: "a2", UserID: "alice", Status: model.SessionStatusUploaded, Duration: 20},
		{ID: "b1", UserID: "bob", Status: model.SessionStatusUploaded, Duration: 70},
		{ID: "b2", UserID: "bob", Status: model.SessionStatusAggregated, Duration: 500},
		{ID: "c1", UserID: "carol", Status: model.SessionStatusDiscarded, Duration: 0},
	} {
		mustCreate(t, repo, s)
	}

	alice, err := stats.UserStats(ctx, "alice")
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if alice.GlobalRank != 2 || alice.TotalDuration != 50 || alice.TotalRecordings != 2 {
		t.Fatalf("unexpected alice stats: %+v", alice)
	}

	carol, err := stats.UserStats(ctx, "carol")
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if carol.GlobalRank != 0 || carol.TotalRecordings != 0 {
		t.Fatalf("expected zero stats for carol, got %+v", carol)
	}

	board, err := stats.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(board) != 2 || board[0].UserID != "bob" || board[1].UserID != "alice" {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}

	totals, err := stats.SystemTotals(ctx)
	if err != nil {
		t.Fatalf("SystemTotals failed: %v", err)
	}
	if totals.TotalDuration != 120 || totals.TotalRecordings != 3 || totals.TotalUsers != 2 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestUpdateSessionHonoursGuard(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()

	s := model.NewRecitalSession("s1", "u", nil)
	s.Status = model.SessionStatusEnded
	mustCreate(t, repo, s)

	aggregatable := model.SessionGuard{
		Statuses:     []model.SessionStatus{model.SessionStatusActive, model.SessionStatusEnded},
		NotDisavowed: true,
	}

	// a concurrent disavow must survive a later guarded write
	if ok, err := repo.UpdateSession(ctx, "s1", model.SessionGuard{},
		map[string]interface{}{model.ColumnDisavowed: true}); err != nil || !ok {
		t.Fatalf("disavow = (%v, %v)", ok, err)
	}
	ok, err := repo.UpdateSession(ctx, "s1", aggregatable, map[string]interface{}{
		model.ColumnStatus:            model.SessionStatusAggregated,
		model.ColumnMainAudioFilename: "s1.mka",
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if ok {
		t.Fatal("guarded update must not apply to a disavowed session")
	}
	got, _ := repo.GetByID(ctx, "s1")
	if !got.Disavowed || got.Status != model.SessionStatusEnded || got.MainAudioFilename != nil {
		t.Fatalf("disavowed row was overwritten: %#v", got)
	}

	// status guard
	mustCreate(t, repo, &model.RecitalSession{ID: "s2", UserID: "u", Status: model.SessionStatusUploaded})
	ok, err = repo.UpdateSession(ctx, "s2", aggregatable,
		map[string]interface{}{model.ColumnStatus: model.SessionStatusAggregated})
	if err != nil || ok {
		t.Fatalf("update outside the allowed statuses = (%v, %v)", ok, err)
	}
	if got, _ := repo.GetByID(ctx, "s2"); got.Status != model.SessionStatusUploaded {
		t.Fatalf("status reverted to %s", got.Status)
	}

	if ok, err := repo.UpdateSession(ctx, "missing", model.SessionGuard{},
		map[string]interface{}{model.ColumnDisavowed: true}); err != nil || ok {
		t.Fatalf("update of a missing row = (%v, %v)", ok, err)
	}
}

func TestRaiseDurationOnlyGrows(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()

	s := model.NewRecitalSession("s1", "u", nil)
	s.Status = model.SessionStatusAggregated
	s.TextFilename = model.StringPtr("s1.vtt")
	mustCreate(t, repo, s)

	for _, d := range []float64{3, 7, 5} {
		if _, err := repo.RaiseDuration(ctx, "s1", d); err != nil {
			t.Fatalf("RaiseDuration(%v) failed: %v", d, err)
		}
	}
	got, _ := repo.GetByID(ctx, "s1")
	if got.Duration != 7 {
		t.Fatalf("expected duration 7, got %v", got.Duration)
	}
	if got.Status != model.SessionStatusAggregated || model.Deref(got.TextFilename) != "s1.vtt" {
		t.Fatalf("raising the duration touched other columns: %#v", got)
	}

	mustCreate(t, repo, &model.RecitalSession{ID: "d1", UserID: "u", Status: model.SessionStatusDiscarded})
	ok, err := repo.RaiseDuration(ctx, "d1", 12)
	if err != nil || ok {
		t.Fatalf("RaiseDuration on a discarded session = (%v, %v)", ok, err)
	}
	if got, _ := repo.GetByID(ctx, "d1"); got.Duration != 0 {
		t.Fatalf("discarded session duration changed to %v", got.Duration)
	}
}

func TestAddAudioSegmentRetryReplacesRow(t *testing.T) {
	repo := NewGormRecitalRepository(openTestDB(t), t.TempDir())
	ctx := context.Background()
	mustCreate(t, repo, model.NewRecitalSession("s1", "u", nil))

	for _, seg := range []*model.RecitalAudioSegment{
		model.NewAudioSegment("s1", 0, "s1.webm.seg.0", "audio/webm"),
		model.NewAudioSegment("s1", 0, "s1.ogg.seg.0", "audio/ogg"),
		model.NewAudioSegment("s1", 1, "s1.webm.seg.1", "audio/webm"),
	} {
		if err := repo.AddAudioSegment(ctx, seg); err != nil {
			t.Fatalf("AddAudioSegment failed: %v", err)
		}
	}

	audio, err := repo.GetAudioSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("GetAudioSegments failed: %v", err)
	}
	if len(audio) != 2 {
		t.Fatalf("expected one row per sequential, got %+v", audio)
	}
	if audio[0].Filename != "s1.ogg.seg.0" || audio[0].MimeType != "audio/ogg" {
		t.Fatalf("retry did not replace the first row: %+v", audio[0])
	}
}
