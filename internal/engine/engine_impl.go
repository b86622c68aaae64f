package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/credentials"
	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/dispatch"
	"github.com/petrijr/stepflow/internal/modules"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/plan"
	"github.com/petrijr/stepflow/internal/template"
	"github.com/petrijr/stepflow/pkg/api"
)

// interruptedMessage is recorded on runs finalized by RecoverStuckRuns.
const interruptedMessage = "run interrupted"

// engineImpl executes stored workflows wave by wave.
type engineImpl struct {
	workflows persistence.WorkflowStore
	runs      persistence.RunStore
	orgs      persistence.OrganizationStore

	dispatcher *dispatch.Dispatcher
	executor   *StepExecutor
	tokens     credentials.Tokens
	observer   api.Observer
	events     api.EventSink

	defaultTimeout time.Duration
	maxParallel    int
	now            func() time.Time
}

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence

	// Dispatcher resolves module paths. Nil means the built-in modules.
	Dispatcher *dispatch.Dispatcher

	// Tokens resolves credentials seeded into runs. Nil disables
	// credential seeding.
	Tokens credentials.Tokens

	Observer api.Observer
	Events   api.EventSink

	// DefaultTimeout applies to workflows without their own timeout.
	// Zero means no limit.
	DefaultTimeout time.Duration

	// MaxParallel caps concurrently running steps within one wave.
	// Zero means no cap.
	MaxParallel int

	// Clock replaces time.Now.
	Clock func() time.Time
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.NewDispatcher(modules.NewRegistry())
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Events == nil {
		cfg.Events = api.NoopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &engineImpl{
		workflows:      cfg.Persistence.Workflows,
		runs:           cfg.Persistence.Runs,
		orgs:           cfg.Persistence.Organizations,
		dispatcher:     cfg.Dispatcher,
		executor:       NewStepExecutor(cfg.Dispatcher),
		tokens:         cfg.Tokens,
		observer:       cfg.Observer,
		events:         cfg.Events,
		defaultTimeout: cfg.DefaultTimeout,
		maxParallel:    cfg.MaxParallel,
		now:            cfg.Clock,
	}
}

// NewEngine returns an Engine over p with the built-in modules.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewInMemoryEngine returns an Engine with in-memory persistence.
func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemory())
}

// NewSQLiteEngine returns an Engine persisting to db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

var _ api.Engine = (*engineImpl)(nil)

// Plan validates def and returns its waves without running anything.
func (e *engineImpl) Plan(_ context.Context, def api.WorkflowDefinition) ([]api.Wave, error) {
	g, err := e.build(def)
	if err != nil {
		return nil, err
	}
	return plan.Group(g), nil
}

// build constructs the graph and checks every module path up front so an
// unknown module fails the run before anything is dispatched.
func (e *engineImpl) build(def api.WorkflowDefinition) (*plan.Graph, error) {
	g, err := plan.Build(def.Steps, plan.SeedKeys)
	if err != nil {
		return nil, err
	}
	for _, s := range g.Steps() {
		if !e.dispatcher.Registry().Has(s.Module) {
			return nil, &api.ConfigurationError{
				StepID: s.ID,
				Reason: fmt.Sprintf("step %q uses unknown module %q", s.ID, s.Module),
			}
		}
	}
	return g, nil
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	return e.runs.GetRun(ctx, runID)
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	return e.runs.ListRuns(ctx, persistence.RunFilter{
		WorkflowID: opts.WorkflowID,
		Status:     opts.Status,
		Limit:      opts.Limit,
	})
}

// checkOrganization refuses runs for missing or inactive tenants.
func (e *engineImpl) checkOrganization(ctx context.Context, orgID string) error {
	if orgID == "" || e.orgs == nil {
		return nil
	}
	org, err := e.orgs.GetOrganization(ctx, orgID)
	if errors.Is(err, persistence.ErrOrganizationNotFound) {
		return fmt.Errorf("%w: %s", api.ErrOrganizationInactive, orgID)
	}
	if err != nil {
		return err
	}
	if !org.Active {
		return fmt.Errorf("%w: %s", api.ErrOrganizationInactive, orgID)
	}
	return nil
}

// Execute runs a stored workflow to completion.
func (e *engineImpl) Execute(ctx context.Context, req api.RunRequest) (*api.WorkflowRun, error) {
	wf, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := e.checkOrganization(ctx, wf.OrganizationID); err != nil {
		return nil, err
	}

	run := &api.WorkflowRun{
		ID:             req.RunID,
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		Status:         api.RunRunning,
		StartedAt:      e.now(),
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.TriggerType == "" {
		run.TriggerType = api.TriggerManual
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ctx = ctxlog.With(ctx, slog.String("workflow_id", wf.ID), slog.String("run_id", run.ID))
	e.observer.OnRunStarted(ctx, run)
	e.emit(ctx, run, api.Event{Type: api.EventWorkflowStarted, TotalSteps: len(wf.Definition.Steps)})

	timeout := time.Duration(wf.Timeout)
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, api.ErrRunTimeout)
		defer cancel()
	}

	output, runErr := e.run(runCtx, wf, run, req)
	e.finalize(ctx, wf, run, output, runErr)
	return run, runErr
}

func (e *engineImpl) run(ctx context.Context, wf *api.Workflow, run *api.WorkflowRun, req api.RunRequest) (api.Value, error) {
	g, err := e.build(wf.Definition)
	if err != nil {
		return api.Undefined(), err
	}

	ec, err := e.seed(ctx, wf, run, req)
	if err != nil {
		return api.Undefined(), err
	}
	if e.tokens != nil {
		ctx = credentials.WithTokens(ctx, e.tokens, wf.UserID)
	}

	var last api.Value
	for i, wave := range plan.Group(g) {
		if err := ctx.Err(); err != nil {
			return api.Undefined(), context.Cause(ctx)
		}
		out, err := e.runWave(ctx, g, run, ec, wave, i)
		if err != nil {
			return api.Undefined(), err
		}
		last = out
	}
	return finalOutput(wf.Definition, ec, last), nil
}

// seed fills the variables available before the first step. Credential
// failures here fail the run before any step starts.
func (e *engineImpl) seed(ctx context.Context, wf *api.Workflow, run *api.WorkflowRun, req api.RunRequest) (*ExecutionContext, error) {
	ec := NewExecutionContext()

	user := req.User
	if user.IsNil() {
		user = api.Object(api.Field{Key: "id", Value: api.String(wf.UserID)})
	}
	trigger := req.TriggerData
	if trigger.IsUndefined() {
		trigger = api.Object()
	}

	cred := api.Object()
	if providers := credentialProviders(wf.Definition); len(providers) > 0 && e.tokens != nil {
		var err error
		cred, err = credentials.Seed(ctx, e.tokens, wf.UserID, providers)
		if err != nil {
			return nil, err
		}
	}

	ec.Set("user", user)
	ec.Set("credential", cred)
	ec.Set("trigger", trigger)
	ec.Set("workflowId", api.String(wf.ID))
	ec.Set("runId", api.String(run.ID))
	ec.Set("userId", api.String(wf.UserID))
	return ec, nil
}

// credentialProviders lists providers referenced as credential.<provider>
// in step inputs or the return value, in first-seen order.
func credentialProviders(def api.WorkflowDefinition) []string {
	var paths []string
	for _, s := range def.Steps {
		paths = append(paths, template.Paths(s.Inputs)...)
	}
	paths = append(paths, template.Paths(api.String(def.ReturnValue))...)

	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		segs := template.ParsePath(p)
		if len(segs) < 2 || segs[0] != "credential" || seen[segs[1]] {
			continue
		}
		seen[segs[1]] = true
		out = append(out, segs[1])
	}
	return out
}

// runWave executes one wave and returns the output of its last declared
// step. The first failure observed wins, even when siblings fail too.
func (e *engineImpl) runWave(ctx context.Context, g *plan.Graph, run *api.WorkflowRun, ec *ExecutionContext, wave api.Wave, waveIdx int) (api.Value, error) {
	steps := make([]api.Step, len(wave))
	for i, id := range wave {
		steps[i], _ = g.Step(id)
	}

	// Every member is announced before any result.
	for _, s := range steps {
		e.observer.OnStepStarted(ctx, run, s, waveIdx)
		e.emit(ctx, run, api.Event{
			Type:       api.EventStepStarted,
			StepID:     s.ID,
			StepIndex:  g.Index(s.ID),
			TotalSteps: g.Len(),
			Module:     s.Module,
		})
	}

	results := make(chan StepResult, len(steps))
	if len(steps) == 1 {
		go func() { results <- e.executor.Execute(ctx, steps[0], ec) }()
	} else {
		go func() {
			var eg errgroup.Group
			if e.maxParallel > 0 {
				eg.SetLimit(e.maxParallel)
			}
			for _, s := range steps {
				eg.Go(func() error {
					results <- e.executor.Execute(ctx, s, ec)
					return nil
				})
			}
			_ = eg.Wait()
		}()
	}

	var (
		firstErr error
		outputs  = make(map[string]api.Value, len(steps))
	)
	for range steps {
		var res StepResult
		select {
		case res = <-results:
		case <-ctx.Done():
			// In-flight modules see the cancelled context; they are not
			// waited for.
			if firstErr != nil && !isContextErr(firstErr) {
				return api.Undefined(), firstErr
			}
			return api.Undefined(), context.Cause(ctx)
		}

		s, _ := g.Step(res.StepID)
		e.observer.OnStepCompleted(ctx, run, s, res.Err, res.Duration)
		ev := api.Event{
			StepID:     s.ID,
			StepIndex:  g.Index(s.ID),
			TotalSteps: g.Len(),
			Module:     s.Module,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			ev.Type = api.EventStepFailed
			ev.Error = api.NormalizeError(res.Err).Message
			if firstErr == nil {
				firstErr = res.Err
			}
		} else {
			ev.Type = api.EventStepCompleted
			out := res.Output
			ev.Output = &out
			outputs[s.ID] = out
		}
		e.emit(ctx, run, ev)
	}
	if firstErr != nil {
		if ctx.Err() != nil && isContextErr(firstErr) {
			// A module that gave up on the cancelled context reports the
			// timeout, not its own error.
			return api.Undefined(), context.Cause(ctx)
		}
		return api.Undefined(), firstErr
	}
	return outputs[steps[len(steps)-1].ID], nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, api.ErrRunTimeout)
}

// finalize persists the outcome exactly once, retrying the write once, and
// then bumps the workflow counters and notifies observers.
func (e *engineImpl) finalize(ctx context.Context, wf *api.Workflow, run *api.WorkflowRun, output api.Value, runErr error) {
	ctx = context.WithoutCancel(ctx)
	logger := ctxlog.FromContext(ctx)

	done := e.now()
	res := api.RunResult{
		Status:      api.RunSuccess,
		CompletedAt: done,
		Duration:    done.Sub(run.StartedAt),
		Output:      output,
	}
	if runErr != nil {
		norm := api.NormalizeError(runErr)
		res.Status = api.RunError
		res.Output = api.Undefined()
		res.Error = norm.Message
		res.ErrorStep = norm.StepID
		logger.Error("workflow run failed", "error", runErr, "error_step", norm.StepID)
	}

	err := e.runs.FinalizeRun(ctx, run.ID, res)
	if err != nil && !errors.Is(err, persistence.ErrRunFinalized) {
		logger.Warn("finalize run failed, retrying", "error", err)
		err = e.runs.FinalizeRun(ctx, run.ID, res)
	}
	res.Apply(run)
	switch {
	case err == nil:
		if err := e.workflows.RecordRun(ctx, wf.ID, res.Status, done); err != nil {
			logger.Error("record run counters failed", "error", err)
		}
	case errors.Is(err, persistence.ErrRunFinalized):
		logger.Warn("run was already finalized")
	default:
		logger.Error("finalize run failed", "error", err)
	}

	if runErr != nil {
		e.observer.OnRunFailed(ctx, run, runErr)
		e.emit(ctx, run, api.Event{
			Type:       api.EventWorkflowFailed,
			DurationMs: res.Duration.Milliseconds(),
			Error:      res.Error,
			ErrorStep:  res.ErrorStep,
		})
		return
	}
	e.observer.OnRunCompleted(ctx, run)
	out := run.Output
	e.emit(ctx, run, api.Event{
		Type:       api.EventWorkflowCompleted,
		DurationMs: res.Duration.Milliseconds(),
		Output:     &out,
	})
}

func (e *engineImpl) emit(ctx context.Context, run *api.WorkflowRun, ev api.Event) {
	ev.At = e.now()
	ev.WorkflowID = run.WorkflowID
	ev.RunID = run.ID
	e.events.Publish(ctx, ev)
}

// RecoverStuckRuns marks runs still running after olderThan as failed.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	now := e.now()
	stuck, err := e.runs.ListRuns(ctx, persistence.RunFilter{
		Status:        api.RunRunning,
		StartedBefore: now.Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}

	logger := ctxlog.FromContext(ctx)
	recovered := 0
	for _, run := range stuck {
		res := api.RunResult{
			Status:      api.RunError,
			CompletedAt: now,
			Duration:    now.Sub(run.StartedAt),
			Error:       interruptedMessage,
		}
		err := e.runs.FinalizeRun(ctx, run.ID, res)
		if errors.Is(err, persistence.ErrRunFinalized) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		if err := e.workflows.RecordRun(ctx, run.WorkflowID, api.RunError, now); err != nil &&
			!errors.Is(err, persistence.ErrWorkflowNotFound) {
			logger.Error("record run counters failed", "run_id", run.ID, "error", err)
		}
		res.Apply(run)
		e.observer.OnRunFailed(ctx, run, errors.New(interruptedMessage))
		e.emit(ctx, run, api.Event{Type: api.EventWorkflowFailed, Error: interruptedMessage})
		logger.Warn("recovered stuck run", "run_id", run.ID, "workflow_id", run.WorkflowID)
	}
	return recovered, nil
}
