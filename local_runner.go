package stepflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/events"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, organization queues, a worker
// pool and a progress event hub for development, tests and single-process
// deployments.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner()
//	_ = runner.SaveWorkflow(ctx, wf)
//
//	// Synchronous run:
//	run, err := runner.Engine.Execute(ctx, stepflow.RunRequest{WorkflowID: wf.ID})
//
//	// Queued run:
//	_ = runner.Start(ctx, 2)
//	runID, _ := runner.Submit(ctx, wf.OrganizationID, stepflow.RunRequest{WorkflowID: wf.ID})
//	run, _ = runner.Wait(ctx, runID)
//	runner.Stop()
type LocalRunner struct {
	// Engine runs workflows synchronously.
	Engine Engine

	// Queue holds runs submitted through Submit, keyed by organization.
	Queue taskqueue.Queue

	// Pool consumes Queue with Engine.
	Pool *worker.Pool

	// Hub carries progress events of every run.
	Hub *events.Hub

	store *persistence.InMemoryStore

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner with in-memory storage and the
// built-in modules.
func NewLocalRunner() *LocalRunner {
	store := persistence.NewInMemoryStore()
	p := persistence.Persistence{
		Workflows:     store,
		Runs:          store,
		Organizations: store,
		Credentials:   store,
		Settings:      store,
		Events:        store,
	}
	hub := events.NewHub(events.WithStore(store))
	eng := engine.NewEngineWithConfig(engine.Config{Persistence: p, Events: hub})
	q := taskqueue.NewInMemoryQueue(1024)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Pool:   worker.New(eng, q),
		Hub:    hub,
		store:  store,
	}
}

// SaveWorkflow stores or replaces a workflow definition.
func (r *LocalRunner) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	return r.store.SaveWorkflow(ctx, wf)
}

// SaveOrganization stores a tenant. Workflows owned by an organization only
// run while it is active.
func (r *LocalRunner) SaveOrganization(ctx context.Context, org Organization) error {
	return r.store.SaveOrganization(ctx, org)
}

// Start launches queue consumers running up to concurrency runs per
// organization. It returns an error if the runner is already started.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	r.Pool = worker.NewWithConfig(r.Engine, r.Queue, worker.Config{
		Limits: worker.Limits{Default: concurrency},
	})
	if err := r.Pool.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop cancels the consumers and waits for in-flight runs to return.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	pool := r.Pool
	r.mu.Unlock()

	pool.Stop()
}

// Submit enqueues a run on the organization's queue and returns its run id.
func (r *LocalRunner) Submit(ctx context.Context, orgID string, req RunRequest) (string, error) {
	r.mu.Lock()
	pool := r.Pool
	r.mu.Unlock()
	return pool.Submit(ctx, orgID, req)
}

// Wait blocks until the run's terminal event arrives, then returns the
// finalized record.
func (r *LocalRunner) Wait(ctx context.Context, runID string) (*WorkflowRun, error) {
	sub, err := r.Hub.Subscribe(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok || ev.Type.Terminal() {
				return r.Engine.GetRun(ctx, runID)
			}
		}
	}
}
