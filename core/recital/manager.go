package recital

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ivrit-ai/crowd-recital/core/scheduler"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"
	"github.com/ivrit-ai/crowd-recital/storage"
)

// Manager owns the session state machine: it aggregates ended sessions,
// publishes aggregated ones and tears down disavowed ones.
type Manager struct {
	store      SessionStore
	content    ContentStorage
	aggregator Aggregator
	transcoder Transcoder
	jobs       JobScheduler
	stats      StatsInvalidator
	opts       Options

	cycleMu    sync.Mutex
	cycleGuard CycleGuard
	now        func() time.Time
}

// NewManager creates a Manager. stats may be nil when no cache is configured.
func NewManager(
	store SessionStore,
	content ContentStorage,
	aggregator Aggregator,
	transcoder Transcoder,
	jobs JobScheduler,
	stats StatsInvalidator,
	opts Options,
) *Manager {
	if stats == nil {
		stats = noopStats{}
	}
	return &Manager{
		store:      store,
		content:    content,
		aggregator: aggregator,
		transcoder: transcoder,
		jobs:       jobs,
		stats:      stats,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// SetCycleGuard installs a lock shared with other processes working on the
// same data folder. Cycles that cannot take it are skipped.
func (m *Manager) SetCycleGuard(guard CycleGuard) {
	m.cycleGuard = guard
}

type noopStats struct{}

func (noopStats) InvalidateUser(context.Context, string) error { return nil }
func (noopStats) InvalidateTotals(context.Context) error { return nil }

// ========== 定时任务 ==========

// ScheduleSessionFinalizationJob registers the recurring finalization cycle,
// replacing any earlier registration. The first run happens shortly after
// registration, or one interval later when deferStart is set. It reports
// whether a job was registered.
func (m *Manager) ScheduleSessionFinalizationJob(deferStart bool) bool {
	if m.opts.FinalizationDisabled {
		logger.Info("会话终结任务已禁用")
		return false
	}

	delay := m.opts.FinalizationStartDelay
	if deferStart {
		delay = m.opts.FinalizationInterval
	}

	return m.jobs.Schedule(FinalizationJobID, scheduler.Every(m.opts.FinalizationInterval, delay), true,
		func(ctx context.Context) {
			m.RunFinalizationCycle(ctx)
		})
}

// RunFinalizationCycle runs aggregate, upload and discard in order. A cycle
// started while another one is still running returns at once with Skipped set.
func (m *Manager) RunFinalizationCycle(ctx context.Context) CycleReport {
	if !m.cycleMu.TryLock() {
		logger.Warn("上一次会话终结仍在进行，跳过本次")
		return CycleReport{Skipped: true}
	}
	defer m.cycleMu.Unlock()

	if m.cycleGuard != nil {
		locked, err := m.cycleGuard.TryLock()
		if err != nil {
			logger.Error("获取会话终结锁失败", logger.ErrorField(err))
			return CycleReport{Skipped: true, Err: err}
		}
		if !locked {
			logger.Warn("其他进程正在执行会话终结，跳过本次")
			return CycleReport{Skipped: true}
		}
		defer func() {
			if err := m.cycleGuard.Unlock(); err != nil {
				logger.Warn("释放会话终结锁失败", logger.ErrorField(err))
			}
		}()
	}

	report := CycleReport{StartedAt: m.now()}
	var errs []error

	var err error
	if report.Aggregated, err = m.AggregateEndedSessions(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Uploaded, err = m.UploadAggregatedSessions(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Discarded, err = m.DiscardDisavowedSessions(ctx); err != nil {
		errs = append(errs, err)
	}
	report.Err = errors.Join(errs...)
	report.Elapsed = m.now().Sub(report.StartedAt)

	logger.Info("会话终结完成",
		logger.Int("aggregated", countOutcome(report.Aggregated, OutcomeAggregated)),
		logger.Int("uploaded", countOutcome(report.Uploaded, OutcomeUploaded)),
		logger.Int("discarded", countOutcome(report.Discarded, OutcomeDiscarded)),
		logger.Int("failed", report.Failures()),
		logger.Duration("elapsed", report.Elapsed))
	return report
}

// logResult reports a per-session failure; it never stops the batch.
func logResult(phase string, res SessionResult) {
	switch res.Outcome {
	case OutcomeFailed:
		logger.Error("会话处理失败",
			logger.String("phase", phase),
			logger.SessionID(res.SessionID),
			logger.ErrorField(res.Err))
	case OutcomePending:
		logger.Warn("会话转码失败，下次重试",
			logger.String("phase", phase),
			logger.SessionID(res.SessionID),
			logger.ErrorField(res.Err))
	}
}

// ========== 聚合 ==========

// AggregateEndedSessions advances ended (or abandoned) sessions through
// captions, audio concatenation and transcoding. Each completed sub-step is
// persisted before the next one starts.
func (m *Manager) AggregateEndedSessions(ctx context.Context) ([]SessionResult, error) {
	cutoff := m.now().Add(-m.opts.AbandonedAfter)
	sessions, err := m.store.GetEndedSessions(ctx, cutoff, m.opts.BatchLimit)
	if err != nil {
		logger.Error("获取已结束会话失败", logger.ErrorField(err))
		return nil, err
	}
	if len(sessions) == 0 {
		logger.Debug("No ended sessions found")
	}

	results := make([]SessionResult, 0, len(sessions))
	for _, s := range sessions {
		res := m.aggregateSession(ctx, s.ID)
		logResult("aggregate", res)
		results = append(results, res)
	}
	return results, nil
}

// aggregatableGuard matches sessions the aggregation phase may still advance.
var aggregatableGuard = model.SessionGuard{
	Statuses:     []model.SessionStatus{model.SessionStatusActive, model.SessionStatusEnded},
	NotDisavowed: true,
}

func (m *Manager) aggregateSession(ctx context.Context, sessionID string) SessionResult {
	failed := func(err error) SessionResult {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeFailed, Err: err}
	}
	changed := func() SessionResult {
		logger.Info("会话在聚合过程中被修改，跳过", logger.SessionID(sessionID))
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped, Err: ErrSessionChanged}
	}
	// persist writes fields only while the session is still aggregatable
	persist := func(fields map[string]interface{}) (bool, error) {
		return m.store.UpdateSession(ctx, sessionID, aggregatableGuard, fields)
	}

	session, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return failed(err)
	}
	if session == nil {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped, Err: ErrMissingSession}
	}
	if session.Disavowed || session.Status.IsTerminal() {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped}
	}

	if !session.HasText() {
		captions, err := m.aggregator.AggregateSessionCaptions(ctx, sessionID, CaptionFormatVTT)
		if err != nil {
			return failed(fmt.Errorf("aggregate captions: %w", err))
		}
		if captions == nil {
			logger.Info("会话没有文本内容，标记为放弃", logger.SessionID(sessionID))
			return m.disavow(ctx, sessionID)
		}

		filename := CaptionsFilename(sessionID)
		if err := m.store.StoreSessionText(ctx, captions.VTT(), filename); err != nil {
			return failed(err)
		}
		ok, err := persist(map[string]interface{}{model.ColumnTextFilename: filename})
		if err != nil {
			return failed(err)
		}
		if !ok {
			return changed()
		}
		session.TextFilename = model.StringPtr(filename)
	}

	if !session.HasSourceAudio() {
		filename, err := m.aggregator.AggregateSessionAudio(ctx, sessionID)
		if err != nil {
			return failed(fmt.Errorf("aggregate audio: %w", err))
		}
		if filename == "" {
			logger.Info("会话没有音频内容，标记为放弃", logger.SessionID(sessionID))
			return m.disavow(ctx, sessionID)
		}

		ok, err := persist(map[string]interface{}{model.ColumnSourceAudioFilename: filename})
		if err != nil {
			return failed(err)
		}
		if !ok {
			return changed()
		}
		session.SourceAudioFilename = model.StringPtr(filename)
	}

	fields := map[string]interface{}{model.ColumnStatus: model.SessionStatusAggregated}
	var produced []string
	if !session.HasRenditions() {
		renditions, err := m.transcoder.Transcode(ctx, sessionID, session.Duration)
		if errors.Is(err, ErrSourceNameCollision) {
			return failed(err)
		}
		if err != nil {
			// 转码失败通常是环境问题，保持状态等待下次重试
			return SessionResult{SessionID: sessionID, Outcome: OutcomePending, Err: err}
		}
		fields[model.ColumnMainAudioFilename] = renditions.MainFilename
		fields[model.ColumnLightAudioFilename] = renditions.LightFilename
		produced = []string{renditions.MainFilename, renditions.LightFilename}
	}

	ok, err := persist(fields)
	if err != nil {
		return failed(err)
	}
	if !ok {
		// 未记录的转码结果不会被丢弃阶段清理
		for _, f := range produced {
			if err := m.content.RemoveLocal(f); err != nil {
				logger.Warn("删除本地文件失败",
					logger.SessionID(sessionID),
					logger.String("file", f),
					logger.ErrorField(err))
			}
		}
		return changed()
	}

	logger.Info("会话聚合完成", logger.SessionID(sessionID))
	return SessionResult{SessionID: sessionID, Outcome: OutcomeAggregated}
}

// disavow flags a content-less session so the discard phase tears it down.
func (m *Manager) disavow(ctx context.Context, sessionID string) SessionResult {
	if _, err := m.store.UpdateSession(ctx, sessionID, model.SessionGuard{},
		map[string]interface{}{model.ColumnDisavowed: true}); err != nil {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeFailed, Err: err}
	}
	return SessionResult{SessionID: sessionID, Outcome: OutcomeDisavowed}
}

// ========== 上传 ==========

type artifact struct {
	filename    string
	objectKey   string
	contentType string
}

// UploadAggregatedSessions publishes the four artifacts of every aggregated
// session. A session is marked UPLOADED, and its local files removed, only
// when all four uploads succeed.
func (m *Manager) UploadAggregatedSessions(ctx context.Context) ([]SessionResult, error) {
	sessions, err := m.store.GetAggregatedSessions(ctx, m.opts.BatchLimit)
	if err != nil {
		logger.Error("获取已聚合会话失败", logger.ErrorField(err))
		return nil, err
	}
	if len(sessions) == 0 {
		logger.Debug("No aggregated sessions found")
	}

	results := make([]SessionResult, 0, len(sessions))
	for _, s := range sessions {
		var res SessionResult
		if m.opts.UploadDisabled {
			res = SessionResult{SessionID: s.ID, Outcome: OutcomeSkipped}
		} else {
			res = m.uploadSession(ctx, s.ID)
		}
		logResult("upload", res)
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) uploadSession(ctx context.Context, sessionID string) SessionResult {
	failed := func(err error) SessionResult {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeFailed, Err: err}
	}

	session, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return failed(err)
	}
	if session == nil {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped, Err: ErrMissingSession}
	}
	if session.Disavowed || session.Status != model.SessionStatusAggregated {
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped}
	}

	text := model.Deref(session.TextFilename)
	mainAudio := model.Deref(session.MainAudioFilename)
	source := model.Deref(session.SourceAudioFilename)
	light := model.Deref(session.LightAudioFilename)
	if text == "" || mainAudio == "" || source == "" || light == "" {
		return failed(fmt.Errorf("session %s is aggregated but misses artifacts", sessionID))
	}

	artifacts := []artifact{
		{filename: text, objectKey: storage.TranscriptKey(sessionID), contentType: "text/vtt"},
		{filename: mainAudio, objectKey: storage.MainAudioKey(sessionID, mainAudio)},
		{filename: source, objectKey: storage.SourceAudioKey(sessionID, source)},
		{filename: light, objectKey: storage.LightAudioKey(sessionID), contentType: "audio/mpeg"},
	}
	metadata := map[string]string{"session": sessionID}

	for _, a := range artifacts {
		if err := m.content.Upload(ctx, a.filename, a.objectKey, metadata, a.contentType); err != nil {
			return failed(fmt.Errorf("upload %s: %w", a.objectKey, err))
		}
	}

	ok, err := m.store.UpdateSession(ctx, sessionID, model.SessionGuard{
		Statuses:     []model.SessionStatus{model.SessionStatusAggregated},
		NotDisavowed: true,
	}, map[string]interface{}{model.ColumnStatus: model.SessionStatusUploaded})
	if err != nil {
		return failed(err)
	}
	if !ok {
		// 上传期间会话被放弃：撤回已上传的对象，本地文件留给丢弃阶段
		if err := m.content.DeletePrefix(ctx, storage.SessionPrefix(sessionID)); err != nil {
			logger.Error("撤回已上传内容失败", logger.SessionID(sessionID), logger.ErrorField(err))
		}
		return SessionResult{SessionID: sessionID, Outcome: OutcomeSkipped, Err: ErrSessionChanged}
	}

	for _, a := range artifacts {
		if err := m.content.RemoveLocal(a.filename); err != nil {
			logger.Warn("删除本地文件失败",
				logger.SessionID(sessionID),
				logger.String("file", a.filename),
				logger.ErrorField(err))
		}
	}

	m.invalidateUserStats(ctx, session.UserID)
	m.invalidateTotals(ctx)

	logger.Info("会话上传完成", logger.SessionID(sessionID))
	return SessionResult{SessionID: sessionID, Outcome: OutcomeUploaded}
}

// ========== 丢弃 ==========

// DiscardDisavowedSessions discards every disavowed session not yet discarded.
// Cross-user statistics are invalidated once if anything was discarded.
func (m *Manager) DiscardDisavowedSessions(ctx context.Context) ([]SessionResult, error) {
	sessions, err := m.store.GetDisavowedSessions(ctx, m.opts.BatchLimit)
	if err != nil {
		logger.Error("获取已放弃会话失败", logger.ErrorField(err))
		return nil, err
	}
	if len(sessions) == 0 {
		logger.Debug("No disavowed sessions found")
	}

	results := make([]SessionResult, 0, len(sessions))
	anyDiscarded := false
	for _, s := range sessions {
		discarded, err := m.discardSession(ctx, s.ID)
		var res SessionResult
		switch {
		case errors.Is(err, ErrMissingSession):
			res = SessionResult{SessionID: s.ID, Outcome: OutcomeSkipped, Err: err}
		case err != nil:
			res = SessionResult{SessionID: s.ID, Outcome: OutcomeFailed, Err: err}
		case discarded:
			anyDiscarded = true
			res = SessionResult{SessionID: s.ID, Outcome: OutcomeDiscarded}
		default:
			res = SessionResult{SessionID: s.ID, Outcome: OutcomeSkipped}
		}
		logResult("discard", res)
		results = append(results, res)
	}

	if anyDiscarded {
		m.invalidateTotals(ctx)
	}
	return results, nil
}

// DiscardSession tears down one session. It is a no-op, returning false, when
// the session is already discarded.
func (m *Manager) DiscardSession(ctx context.Context, sessionID string) (bool, error) {
	discarded, err := m.discardSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if discarded {
		m.invalidateTotals(ctx)
	}
	return discarded, nil
}

func (m *Manager) discardSession(ctx context.Context, sessionID string) (bool, error) {
	session, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, ErrMissingSession
	}
	if session.Status == model.SessionStatusDiscarded {
		return false, nil
	}

	switch session.Status {
	case model.SessionStatusActive, model.SessionStatusEnded:
		if err := m.aggregator.DeleteSessionAudio(ctx, sessionID); err != nil {
			logger.Warn("删除音频分段失败", logger.SessionID(sessionID), logger.ErrorField(err))
		}
		m.removeLocalArtifacts(session)
	case model.SessionStatusAggregated:
		m.removeLocalArtifacts(session)
	case model.SessionStatusUploaded:
		m.removeLocalArtifacts(session)
		// 远端删除失败不阻止丢弃，可人工补删
		if err := m.content.DeletePrefix(ctx, storage.SessionPrefix(sessionID)); err != nil {
			logger.Error("删除远端会话内容失败", logger.SessionID(sessionID), logger.ErrorField(err))
		}
	}

	_, err = m.store.UpdateSession(ctx, sessionID, model.SessionGuard{}, map[string]interface{}{
		model.ColumnStatus:   model.SessionStatusDiscarded,
		model.ColumnDuration: 0.0,
	})
	if err != nil {
		return false, err
	}
	m.invalidateUserStats(ctx, session.UserID)

	logger.Info("会话已丢弃", logger.SessionID(sessionID))
	return true, nil
}

// removeLocalArtifacts removes whichever produced files are still staged.
func (m *Manager) removeLocalArtifacts(session *model.RecitalSession) {
	for _, f := range session.LocalArtifacts() {
		if err := m.content.RemoveLocal(f); err != nil {
			logger.Warn("删除本地文件失败",
				logger.SessionID(session.ID),
				logger.String("file", f),
				logger.ErrorField(err))
		}
	}
}

func (m *Manager) invalidateUserStats(ctx context.Context, userID string) {
	if err := m.stats.InvalidateUser(ctx, userID); err != nil {
		logger.Warn("清除用户统计缓存失败", logger.String("user_id", userID), logger.ErrorField(err))
	}
}

func (m *Manager) invalidateTotals(ctx context.Context) {
	if err := m.stats.InvalidateTotals(ctx); err != nil {
		logger.Warn("清除全局统计缓存失败", logger.ErrorField(err))
	}
}
