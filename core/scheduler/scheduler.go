package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ivrit-ai/crowd-recital/logger"
)

// Job is the unit of work run by the scheduler. ctx is cancelled on Stop.
type Job func(ctx context.Context)

// Trigger describes when a job runs.
//
// The first run happens Delay after registration. A zero Interval makes the
// job one-shot; otherwise it repeats every Interval until cancelled.
// MisfireGrace bounds how late a one-shot run may start before it is dropped;
// zero means never drop.
type Trigger struct {
	Delay        time.Duration
	Interval     time.Duration
	MisfireGrace time.Duration
}

// Once is a one-shot trigger firing after delay.
func Once(delay, misfireGrace time.Duration) Trigger {
	return Trigger{Delay: delay, MisfireGrace: misfireGrace}
}

// Every is a recurring trigger with its first run after delay.
func Every(interval, delay time.Duration) Trigger {
	return Trigger{Delay: delay, Interval: interval}
}

type entry struct {
	id      string
	trigger Trigger
	job     Job
	stop    chan struct{}
}

// Scheduler runs registered jobs on background goroutines. Jobs are keyed by
// id; at most one registration per id exists at any time.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule registers job under jobID. When a job with the same id is pending
// it is replaced if replace is true; otherwise the call is ignored and returns
// false.
func (s *Scheduler) Schedule(jobID string, trigger Trigger, replace bool, job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if old, ok := s.jobs[jobID]; ok {
		if !replace {
			return false
		}
		close(old.stop)
		delete(s.jobs, jobID)
	}

	e := &entry{
		id:      jobID,
		trigger: trigger,
		job:     job,
		stop:    make(chan struct{}),
	}
	s.jobs[jobID] = e

	s.wg.Add(1)
	go s.run(e)

	logger.Debug("任务已注册",
		logger.String("job_id", jobID),
		logger.Duration("delay", trigger.Delay),
		logger.Duration("interval", trigger.Interval))
	return true
}

// Cancel removes a pending job. It reports whether one was registered.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	close(e.stop)
	delete(s.jobs, jobID)
	return true
}

// Pending reports whether a job is registered under jobID.
func (s *Scheduler) Pending(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.jobs {
		close(e.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	logger.Info("调度器停止中...")
	s.cancel()
	s.wg.Wait()
	logger.Info("调度器已停止")
}

func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()

	due := time.Now().Add(e.trigger.Delay)
	timer := time.NewTimer(e.trigger.Delay)
	defer timer.Stop()

	select {
	case <-e.stop:
		return
	case <-s.ctx.Done():
		return
	case fired := <-timer.C:
		if e.trigger.Interval <= 0 {
			// one-shot: unregister before running so the same id can be queued again
			s.release(e)
			if grace := e.trigger.MisfireGrace; grace > 0 && fired.Sub(due) > grace {
				logger.Warn("任务错过执行窗口，已丢弃",
					logger.String("job_id", e.id),
					logger.Duration("late", fired.Sub(due)))
				return
			}
			s.execute(e)
			return
		}
		s.execute(e)
	}

	ticker := time.NewTicker(e.trigger.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(e)
		}
	}
}

// release drops e from the registry unless it was already replaced.
func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[e.id]; ok && cur == e {
		delete(s.jobs, e.id)
	}
}

func (s *Scheduler) execute(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("任务执行 panic",
				logger.String("job_id", e.id),
				logger.Any("panic", r))
		}
	}()
	e.job(s.ctx)
}
