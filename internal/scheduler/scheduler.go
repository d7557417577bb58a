// Package scheduler runs the bridge's periodic receiver maintenance jobs.
//
// Jobs use six-field cron specs (seconds first) or descriptors such as
// "@every 5m". An empty spec disables a job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names.
const (
	JobRefresh    = "refresh"
	JobRediscover = "rediscover"
	JobPrune      = "prune_history"
)

// defaultPruneSpec runs history pruning nightly at 03:30.
const defaultPruneSpec = "0 30 3 * * *"

// pruneTimeout bounds one history prune.
const pruneTimeout = time.Minute

// ErrUnknownJob is returned by RunJob for names that are not scheduled.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Target is the receiver client driven by the jobs. *avr.Client satisfies it.
type Target interface {
	RefreshState()
	RequestInputDefinitions()
}

// Pruner deletes history older than a cutoff. *history.Repository
// satisfies it.
type Pruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Logger is the structured logger used by the scheduler.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Scheduler.
type Options struct {
	// Refresh re-reads power, volume, mute, input and panel lock.
	Refresh string

	// Rediscover re-probes every catalog input.
	Rediscover string

	// Retention enables nightly history pruning when positive and History
	// is set. PruneSpec overrides the 03:30 default.
	Retention time.Duration
	PruneSpec string

	Target  Target
	History Pruner
	Logger  Logger
}

// Entry describes one scheduled job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Scheduler owns a cron instance and the bridge jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	opts   Options
	jobs   map[string]func()
	ids    map[string]cron.EntryID
	specs  map[string]string
	mu     sync.Mutex
	runMu  sync.Mutex
	starts int
}

// New validates every spec and registers the enabled jobs.
//
// Returns:
//   - *Scheduler: Ready to Start
//   - error: if Target is nil or a spec does not parse
func New(opts Options) (*Scheduler, error) {
	if opts.Target == nil {
		return nil, errors.New("scheduler: target is required")
	}

	s := &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		opts:  opts,
		jobs:  make(map[string]func()),
		ids:   make(map[string]cron.EntryID),
		specs: make(map[string]string),
	}

	if err := s.add(JobRefresh, opts.Refresh, opts.Target.RefreshState); err != nil {
		return nil, err
	}
	if err := s.add(JobRediscover, opts.Rediscover, opts.Target.RequestInputDefinitions); err != nil {
		return nil, err
	}
	if opts.History != nil && opts.Retention > 0 {
		spec := opts.PruneSpec
		if spec == "" {
			spec = defaultPruneSpec
		}
		if err := s.add(JobPrune, spec, s.prune); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// add registers fn under name. An empty spec leaves the job disabled.
func (s *Scheduler) add(name, spec string, fn func()) error {
	if spec == "" {
		return nil
	}

	job := s.wrap(name, fn)
	id, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("scheduler: invalid %s spec %q: %w", name, spec, err)
	}

	s.jobs[name] = job
	s.ids[name] = id
	s.specs[name] = spec
	return nil
}

// wrap adds logging and panic recovery around a job.
func (s *Scheduler) wrap(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logError("scheduled job panicked", "job", name, "panic", r)
			}
		}()
		s.logInfo("running scheduled job", "job", name)
		fn()
	}
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	n, err := s.opts.History.PruneHistory(ctx, s.opts.Retention)
	if err != nil {
		s.logError("history prune failed", "error", err)
		return
	}
	s.logInfo("history pruned", "deleted", n, "retention", s.opts.Retention.String())
}

// Start begins running jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starts > 0 {
		return
	}
	s.starts++
	s.cron.Start()
	s.logInfo("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunJob runs a registered job immediately on the caller's goroutine.
func (s *Scheduler) RunJob(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	job()
	return nil
}

// Entries lists enabled jobs ordered by name. Next is zero until Start.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		out = append(out, Entry{Name: name, Spec: s.specs[name], Next: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) logInfo(msg string, keysAndValues ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (s *Scheduler) logError(msg string, keysAndValues ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Error(msg, keysAndValues...)
	}
}
