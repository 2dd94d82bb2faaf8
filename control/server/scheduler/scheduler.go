// Package scheduler runs the periodic fleet jobs on cron specs. Every run is
// recorded, measured and published; a failing run never stops the schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/store"
)

// FailureWarnThreshold is the number of consecutive failures after which
// every further failure is logged at error level.
const FailureWarnThreshold = 3

type JobFunc func(ctx context.Context) (any, error)

type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

type RunRecorder interface {
	RecordRun(run *store.JobRun) error
	LastRun(job string) (*store.JobRun, error)
}

type Publisher interface {
	Publish(run store.JobRun)
}

type Options struct {
	Location   *time.Location
	Recorder   RunRecorder
	Publisher  Publisher
	Metrics    *Metrics
	JobTimeout time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	opts    Options
	log     *logrus.Entry
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	failures map[string]int
	jobs     map[string]Job
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	log := logrus.WithField("component", "scheduler")
	clog := cron.PrintfLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(opts.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog)),
		),
		opts:     opts,
		log:      log,
		baseCtx:  ctx,
		cancel:   cancel,
		failures: make(map[string]int),
		jobs:     make(map[string]Job),
	}
}

// Add registers job on its cron spec. The consecutive failure count is
// restored from the last recorded run.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.RunNow(s.baseCtx, job) }); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	if s.opts.Recorder != nil {
		if last, err := s.opts.Recorder.LastRun(job.Name); err == nil {
			s.failures[job.Name] = last.ConsecutiveFailures
		}
	}
	return nil
}

// Job returns the registered job by name.
func (s *Scheduler) Job(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunNow executes job once in the caller's goroutine and returns the run.
func (s *Scheduler) RunNow(ctx context.Context, job Job) store.JobRun {
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	run := store.JobRun{
		ID:        uuid.NewString(),
		Job:       job.Name,
		StartedAt: time.Now(),
	}
	detail, err := job.Run(ctx)
	run.FinishedAt = time.Now()
	run.Detail = detail

	s.mu.Lock()
	if err != nil {
		s.failures[job.Name]++
		run.Outcome = store.RunFailure
		run.Error = err.Error()
	} else {
		s.failures[job.Name] = 0
		run.Outcome = store.RunSuccess
	}
	run.ConsecutiveFailures = s.failures[job.Name]
	s.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{
		"job":      run.Job,
		"run":      run.ID,
		"duration": run.Duration().String(),
	})
	switch {
	case err == nil:
		entry.Debug("job finished")
	case run.ConsecutiveFailures >= FailureWarnThreshold:
		entry.WithError(err).Errorf("job failed %d times in a row", run.ConsecutiveFailures)
	default:
		entry.WithError(err).Warn("job failed")
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.observe(&run)
	}
	if s.opts.Recorder != nil {
		if rerr := s.opts.Recorder.RecordRun(&run); rerr != nil {
			entry.WithError(rerr).Warn("failed to record job run")
		}
	}
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(run)
	}
	return run
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return or
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// InitialSync runs job once after delay, provided ready succeeds within wait.
// ready is retried with backoff; if the controller never becomes ready the
// initial run is skipped and the regular schedule takes over.
func (s *Scheduler) InitialSync(delay, wait time.Duration, ready func(ctx context.Context) error, job Job) {
	go func() {
		select {
		case <-time.After(delay):
		case <-s.baseCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, wait)
		defer cancel()
		err := retry.Do(
			func() error { return ready(ctx) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(2*time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				s.log.WithError(err).Debugf("waiting for controller (attempt %d)", n+1)
			}),
		)
		if err != nil {
			s.log.WithError(err).Warn("controller unavailable, skipping initial sync")
			return
		}
		s.RunNow(s.baseCtx, job)
	}()
}
