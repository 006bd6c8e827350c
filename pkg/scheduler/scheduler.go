// Package scheduler runs periodic maintenance jobs on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task. An empty Spec disables it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps cron with per-job timeouts and logging.
type Scheduler struct {
	cron *cron.Cron
	logf func(string, ...any)

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
	ids  map[string]cron.EntryID
}

type printfLogger func(string, ...any)

func (p printfLogger) Printf(format string, args ...any) { p(format, args...) }

// New creates a stopped scheduler. loc nil means local time.
func New(loc *time.Location, logf func(string, ...any)) *Scheduler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cron.PrintfLogger(printfLogger(logf))
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logf: logf,
		ctx:  context.Background(),
		jobs: map[string]Job{},
		ids:  map[string]cron.EntryID{},
	}
}

// Add registers job. Jobs with an empty spec are skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s: no run func", job.Name)
	}
	if job.Spec == "" {
		s.logf("scheduler: %s disabled", job.Name)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { _ = s.RunNow(job.Name) })
	if err != nil {
		return fmt.Errorf("job %s: bad spec %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	s.ids[job.Name] = id
	return nil
}

// Start launches the cron loop. Jobs run under ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next returns the next run time of a job, zero if unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.ids[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	parent := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}

	ctx := parent
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
		defer cancel()
	}
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logf("scheduler: %s failed after %s: %v", name, time.Since(started).Round(time.Millisecond), err)
		return err
	}
	s.logf("scheduler: %s done in %s", name, time.Since(started).Round(time.Millisecond))
	return nil
}
