// Package scheduler runs periodic maintenance jobs on robfig/cron. The
// engine itself has no background work apart from these jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of periodic work. Names must be unique per scheduler; Run
// should return promptly once ctx is cancelled.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// JobResult describes one finished run. Manual runs come from RunNow.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Manual      bool
	Error       error
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler manages and executes scheduled jobs. Overlapping runs of the
// same job are skipped, and a panicking job is recovered and logged.
type Scheduler struct {
	mu sync.RWMutex

	log        *logger.Logger
	cron       *cron.Cron
	maxHistory int

	jobs       map[string]*scheduledJob
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time
	observer   JobObserver
	lastRuns   map[string]*JobResult
	runHistory []JobResult
}

type scheduledJob struct {
	job       Job
	spec      string
	entryID   cron.EntryID
	runCount  int64
	failCount int64
}

// SchedulerConfig is read once by NewScheduler. Cron specs are evaluated in
// Timezone (UTC when nil); only the newest MaxHistorySize results are kept.
type SchedulerConfig struct {
	Logger         *logger.Logger
	Timezone       *time.Location
	MaxHistorySize int
	Observer       JobObserver
}

// JobObserver receives the outcome of each job run.
type JobObserver interface {
	JobFinished(job string, success bool, d time.Duration)
}

// NewScheduler builds a stopped scheduler on a robfig/cron runner.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 100
	}

	log := config.Logger.With(logger.Component("scheduler"))
	cl := cronLogger{log.Zap().Sugar()}

	s := &Scheduler{
		log:        log,
		maxHistory: config.MaxHistorySize,
		jobs:       make(map[string]*scheduledJob),
		observer:   config.Observer,
		lastRuns:   make(map[string]*JobResult),
		runHistory: make([]JobResult, 0, config.MaxHistorySize),
		ctx:        context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(config.Timezone),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register adds a job on a cron spec: five standard fields or a descriptor
// such as "@hourly" or "@every 1h".
func (s *Scheduler) Register(job Job, spec string) error {
	if job == nil {
		return ErrNilJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{job: job, spec: spec}
	id, err := s.cron.AddFunc(spec, func() { s.execute(s.runContext(), sj, false) })
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, spec, err)
	}
	sj.entryID = id
	s.jobs[name] = sj

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", spec),
		logger.String("description", job.Description()),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start hands the registered jobs to cron. Scheduled runs get a context
// derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = time.Now()
	s.cron.Start()

	s.log.Info("scheduler started", logger.Int("jobs_count", len(s.jobs)))
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.log.Info("scheduler stopped", logger.Duration("uptime", time.Since(s.startedAt)))
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// RunNow runs a job on the caller's goroutine. The returned error is the
// job's own.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (*JobResult, error) {
	s.mu.RLock()
	sj, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	result := s.execute(ctx, sj, true)
	return &result, result.Error
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	startedAt := time.Now()

	err := sj.job.Run(ctx)
	completedAt := time.Now()

	result := JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Manual:      manual,
		Error:       err,
	}
	if s.observer != nil {
		s.observer.JobFinished(name, result.Success, result.Duration)
	}

	s.mu.Lock()
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	s.lastRuns[name] = &result
	s.runHistory = append(s.runHistory, result)
	if over := len(s.runHistory) - s.maxHistory; over > 0 {
		s.runHistory = s.runHistory[over:]
	}
	s.mu.Unlock()

	fields := []logger.Field{
		logger.String("job", name),
		logger.Bool("manual", manual),
		logger.Duration("duration", result.Duration),
	}
	switch {
	case err == nil:
		s.log.Info("job completed", fields...)
	case errors.Is(err, context.Canceled):
		s.log.Warn("job cancelled", append(fields, logger.Err(err))...)
	default:
		s.log.Error("job failed", append(fields, logger.Err(err))...)
	}

	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

// ListJobs returns every job ordered by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Schedule:    sj.spec,
			NextRun:     s.cron.Entry(sj.entryID).Next,
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastResult:  s.lastRuns[name],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetHistory returns up to limit recent results, oldest first. A limit of
// zero or less returns everything kept.
func (s *Scheduler) GetHistory(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.runHistory) {
		limit = len(s.runHistory)
	}
	result := make([]JobResult, limit)
	copy(result, s.runHistory[len(s.runHistory)-limit:])
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON LOGGER
// ══════════════════════════════════════════════════════════════════════════════

// cronLogger adapts zap to cron.Logger. cron's own info lines are chatty,
// so they go to debug.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("scheduler: nil job")
	ErrInvalidSchedule         = errors.New("scheduler: invalid cron spec")
	ErrJobAlreadyExists        = errors.New("scheduler: duplicate job name")
	ErrJobNotFound             = errors.New("scheduler: unknown job")
	ErrSchedulerAlreadyRunning = errors.New("scheduler: already started")
	ErrSchedulerNotRunning     = errors.New("scheduler: not started")
)
