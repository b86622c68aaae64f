package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Runner executes one workflow run. api.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, req api.RunRequest) (*api.WorkflowRun, error)
}

// Limits caps concurrent runs per queue key.
type Limits struct {
	// Default applies to keys without an entry in PerKey. Values < 1 mean 1.
	Default int
	// PerKey may hold lowercased keys; config files loaded through viper
	// always do.
	PerKey map[string]int
}

// For returns the concurrency limit for key. An exact entry wins over the
// lowercased one.
func (l Limits) For(key string) int {
	if n, ok := l.PerKey[key]; ok && n > 0 {
		return n
	}
	if n, ok := l.PerKey[strings.ToLower(key)]; ok && n > 0 {
		return n
	}
	if l.Default > 0 {
		return l.Default
	}
	return 1
}

// Config controls a Pool.
type Config struct {
	Limits Limits

	// MaxAttempts bounds how often a task is tried when the engine could
	// not start a run. Values < 1 mean 1.
	MaxAttempts int

	// Backoff is multiplied by the attempt number to delay a retry.
	Backoff time.Duration

	// DiscoveryInterval is how often Queue.Keys is scanned for new keys.
	// Zero means one second.
	DiscoveryInterval time.Duration
}

// Pool consumes a keyed queue with independent consumer groups per key.
type Pool struct {
	runner Runner
	queue  taskqueue.Queue
	cfg    Config

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	consumers map[string]struct{}
	wg        sync.WaitGroup
}

// New creates a Pool with default configuration.
func New(runner Runner, queue taskqueue.Queue) *Pool {
	return NewWithConfig(runner, queue, Config{})
}

// NewWithConfig creates a Pool.
func NewWithConfig(runner Runner, queue taskqueue.Queue, cfg Config) *Pool {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = time.Second
	}
	return &Pool{
		runner:    runner,
		queue:     queue,
		cfg:       cfg,
		consumers: make(map[string]struct{}),
	}
}

// Submit enqueues a run onto the organization's queue and returns the run
// id the execution will be recorded under. It does not wait for the run.
func (p *Pool) Submit(ctx context.Context, orgID string, req api.RunRequest) (string, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.TriggerType == "" {
		req.TriggerType = api.TriggerManual
	}
	key := taskqueue.KeyFor(orgID)
	t := taskqueue.Task{
		ID:          uuid.NewString(),
		WorkflowID:  req.WorkflowID,
		RunID:       req.RunID,
		User:        req.User,
		TriggerType: req.TriggerType,
		TriggerData: req.TriggerData,
		EnqueuedAt:  time.Now(),
	}
	if err := p.queue.Enqueue(ctx, key, t); err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).Debug("run enqueued",
		"workflow_id", req.WorkflowID, "run_id", req.RunID, "queue", key)
	p.ensureConsumers(key)
	return req.RunID, nil
}

// Start launches consumers for every known key and a discovery loop. It
// returns immediately; call Stop to shut down.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if err := p.discover(); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.DiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				if err := p.discover(); err != nil {
					ctxlog.FromContext(p.ctx).Warn("queue key discovery failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels all consumers and waits for in-flight runs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Keys returns the queue keys that currently have consumers.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.consumers))
	for k := range p.consumers {
		out = append(out, k)
	}
	return out
}

func (p *Pool) discover() error {
	keys, err := p.queue.Keys(p.ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		p.ensureConsumers(k)
	}
	return nil
}

// ensureConsumers starts the consumer group for key once. Before Start it
// does nothing; ProcessOne can still drain the queue by hand.
func (p *Pool) ensureConsumers(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	if _, ok := p.consumers[key]; ok {
		return
	}
	p.consumers[key] = struct{}{}

	n := p.cfg.Limits.For(key)
	logger := ctxlog.FromContext(p.ctx).With("queue", key)
	logger.Debug("starting queue consumers", "concurrency", n)
	ctx := ctxlog.WithLogger(p.ctx, logger)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consume(ctx, key)
		}()
	}
}

func (p *Pool) consume(ctx context.Context, key string) {
	for {
		processed, err := p.ProcessOne(ctx, key)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !processed {
			ctxlog.FromContext(ctx).Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.DiscoveryInterval):
			}
		}
	}
}

// ProcessOne pulls a single task from the queue under key and runs it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err explains why.
//   - processed == true: a task was taken; err is the run's error, if any.
func (p *Pool) ProcessOne(ctx context.Context, key string) (bool, error) {
	task, err := p.queue.Dequeue(ctx, key)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	logger := ctxlog.FromContext(ctx).With("workflow_id", task.WorkflowID, "run_id", task.RunID)
	run, runErr := p.runner.Execute(ctxlog.WithLogger(ctx, logger), task.Request())
	if runErr == nil {
		return true, nil
	}
	if run != nil || !retryable(runErr) {
		logger.Warn("run failed", "error", runErr)
		return true, runErr
	}

	task.Attempts++
	if task.Attempts >= p.cfg.MaxAttempts {
		logger.Error("run could not be started, giving up", "attempts", task.Attempts, "error", runErr)
		return true, runErr
	}
	task.NotBefore = time.Now().Add(time.Duration(task.Attempts) * p.cfg.Backoff)
	logger.Warn("run could not be started, retrying", "attempt", task.Attempts, "error", runErr)
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), key, *task); err != nil {
		return true, errors.Join(runErr, err)
	}
	return true, runErr
}

func retryable(err error) bool {
	var cfg *api.ConfigurationError
	switch {
	case errors.Is(err, api.ErrWorkflowNotFound),
		errors.Is(err, api.ErrOrganizationInactive),
		errors.As(err, &cfg):
		return false
	}
	return true
}
