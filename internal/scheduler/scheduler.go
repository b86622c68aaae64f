// Package scheduler fires registered jobs on cron schedules.
//
// All job state is owned by one coordinator goroutine and changed only
// through commands sent to it. Jobs fire only while the instance is the
// leader, and a job never overlaps with its own previous firing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already registered")
	ErrNotStarted     = errors.New("scheduler is not running")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly or @every 5m.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is a named task fired on a schedule.
type Job struct {
	Name     string
	Schedule string
	Enabled  bool
	Task     func(ctx context.Context) error
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Enabled  bool
	Running  bool
	Next     time.Time
	LastRun  time.Time
	LastErr  string
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	running  bool
	lastRun  time.Time
	lastErr  string
}

// Scheduler fires jobs. Create it with New, register jobs, then Start.
type Scheduler struct {
	settings   persistence.SettingsStore
	leader     Leader
	now        func() time.Time
	resolution time.Duration

	mu      sync.Mutex
	initial []Job
	started bool

	cmds chan func(*state)
	done chan struct{}
	wg   sync.WaitGroup
}

// state is owned by the coordinator goroutine.
type state struct {
	ctx       context.Context
	entries   map[string]*entry
	overrides map[string]api.JobSettings
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSettings reads per-job overrides at start and persists enable and
// disable commands.
func WithSettings(s persistence.SettingsStore) Option {
	return func(sc *Scheduler) { sc.settings = s }
}

// WithLeader gates firing on leadership. Without it every instance fires.
func WithLeader(l Leader) Option {
	return func(sc *Scheduler) { sc.leader = l }
}

func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// WithResolution sets how often due jobs are checked. Defaults to one second.
func WithResolution(d time.Duration) Option {
	return func(sc *Scheduler) {
		if d > 0 {
			sc.resolution = d
		}
	}
}

// New creates a stopped Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		leader:     AlwaysLeader{},
		now:        time.Now,
		resolution: time.Second,
		cmds:       make(chan func(*state)),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := Parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Register adds a job. Before Start it is queued for the coordinator.
func (s *Scheduler) Register(ctx context.Context, job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Task == nil {
		return fmt.Errorf("job %q has no task", job.Name)
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	if !s.started {
		defer s.mu.Unlock()
		for _, j := range s.initial {
			if j.Name == job.Name {
				return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
			}
		}
		s.initial = append(s.initial, job)
		return nil
	}
	s.mu.Unlock()

	return s.call(ctx, func(st *state) error { return s.add(st, job) })
}

// SetEnabled turns a job on or off and persists the choice when a
// settings store is configured.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	err := s.call(ctx, func(st *state) error {
		e, ok := st.entries[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, name)
		}
		e.job.Enabled = enabled
		if enabled {
			e.next = e.schedule.Next(s.now())
		}
		o := st.overrides[name]
		o.Enabled = &enabled
		st.overrides[name] = o
		return nil
	})
	if err != nil || s.settings == nil {
		return err
	}
	cur, err := s.settings.GetJobSettings(ctx)
	if err != nil {
		return err
	}
	js := cur[name]
	js.Enabled = &enabled
	return s.settings.SaveJobSettings(ctx, name, js)
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs(ctx context.Context) ([]JobInfo, error) {
	var out []JobInfo
	err := s.call(ctx, func(st *state) error {
		for _, e := range st.entries {
			out = append(out, JobInfo{
				Name:     e.job.Name,
				Schedule: e.job.Schedule,
				Enabled:  e.job.Enabled,
				Running:  e.running,
				Next:     e.next,
				LastRun:  e.lastRun,
				LastErr:  e.lastErr,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// Start loads persisted overrides and launches the coordinator. It
// returns once the coordinator is running; ctx bounds its lifetime.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	initial := s.initial
	s.initial = nil
	s.mu.Unlock()

	overrides := map[string]api.JobSettings{}
	if s.settings != nil {
		loaded, err := s.settings.GetJobSettings(ctx)
		if err != nil {
			return fmt.Errorf("load job settings: %w", err)
		}
		overrides = loaded
	}

	st := &state{ctx: ctx, entries: make(map[string]*entry), overrides: overrides}
	logger := ctxlog.FromContext(ctx)
	for _, job := range initial {
		if err := s.add(st, job); err != nil {
			logger.Error("skipping job", slog.String("job", job.Name), slog.Any("error", err))
		}
	}

	s.wg.Add(1)
	go s.loop(st)
	return nil
}

// Wait blocks until the coordinator and every firing have returned.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.done
	s.wg.Wait()
}

// add applies overrides and computes the first firing time.
func (s *Scheduler) add(st *state, job Job) error {
	if _, exists := st.entries[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	if o, ok := st.overrides[job.Name]; ok {
		if o.Enabled != nil {
			job.Enabled = *o.Enabled
		}
		switch {
		case o.Schedule != "":
			job.Schedule = o.Schedule
		case o.Interval > 0:
			job.Schedule = "@every " + o.Interval.String()
		}
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	st.entries[job.Name] = &entry{job: job, schedule: sched, next: sched.Next(s.now())}
	return nil
}

// call runs fn on the coordinator and waits for its result.
func (s *Scheduler) call(ctx context.Context, fn func(*state) error) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	errCh := make(chan error, 1)
	cmd := func(st *state) { errCh <- fn(st) }
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(st *state) {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-st.ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd(st)
		case <-ticker.C:
			s.fireDue(st)
		}
	}
}

// fireDue starts every enabled job whose time has come. Missed firings
// are not caught up: the next time is computed from now.
func (s *Scheduler) fireDue(st *state) {
	now := s.now()
	leader := s.leader.IsLeader()
	for _, e := range st.entries {
		if !e.job.Enabled || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		if !leader || e.running {
			continue
		}
		e.running = true
		e.lastRun = now
		s.wg.Add(1)
		go s.fire(st.ctx, e.job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	defer s.wg.Done()
	ctx = ctxlog.With(ctx, slog.String("job", job.Name))
	logger := ctxlog.FromContext(ctx)

	err := runTask(ctx, job.Task)
	if err != nil {
		logger.Error("scheduled job failed", slog.Any("error", err))
	} else {
		logger.Debug("scheduled job finished")
	}

	finished := func(st *state) {
		if e, ok := st.entries[job.Name]; ok {
			e.running = false
			e.lastErr = ""
			if err != nil {
				e.lastErr = err.Error()
			}
		}
	}
	select {
	case s.cmds <- finished:
	case <-s.done:
	}
}

func runTask(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx)
}
