package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Submitter enqueues a run onto an organization queue. *worker.Pool
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, orgID string, req api.RunRequest) (string, error)
}

// WorkflowJobName is the job name used for a cron-triggered workflow.
func WorkflowJobName(workflowID string) string { return "workflow:" + workflowID }

// WorkflowJobs builds one job per enabled, cron-triggered workflow. Each
// firing enqueues a run on the workflow's organization queue.
func WorkflowJobs(ctx context.Context, store persistence.WorkflowStore, sub Submitter) ([]Job, error) {
	wfs, err := store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var jobs []Job
	for _, wf := range wfs {
		if !wf.Enabled || wf.Trigger.Type != api.TriggerCron || wf.Trigger.Cron == "" {
			continue
		}
		jobs = append(jobs, Job{
			Name:     WorkflowJobName(wf.ID),
			Schedule: wf.Trigger.Cron,
			Enabled:  true,
			Task:     submitWorkflow(sub, wf.ID, wf.OrganizationID),
		})
	}
	return jobs, nil
}

func submitWorkflow(sub Submitter, workflowID, orgID string) func(context.Context) error {
	return func(ctx context.Context) error {
		runID, err := sub.Submit(ctx, orgID, api.RunRequest{
			WorkflowID:  workflowID,
			TriggerType: api.TriggerCron,
			TriggerData: api.Object(api.Field{Key: "firedAt", Value: api.String(time.Now().UTC().Format(time.RFC3339))}),
		})
		if err != nil {
			return err
		}
		ctxlog.FromContext(ctx).Info("cron run enqueued",
			slog.String("workflow_id", workflowID), slog.String("run_id", runID))
		return nil
	}
}

// Recoverer finalizes runs left running. api.Engine satisfies it.
type Recoverer interface {
	RecoverStuckRuns(ctx context.Context, olderThan time.Duration) (int, error)
}

// RecoveryJob periodically marks runs older than olderThan as interrupted.
func RecoveryJob(r Recoverer, olderThan time.Duration, schedule string) Job {
	return Job{
		Name:     "recover-stuck-runs",
		Schedule: schedule,
		Enabled:  true,
		Task: func(ctx context.Context) error {
			n, err := r.RecoverStuckRuns(ctx, olderThan)
			if n > 0 {
				ctxlog.FromContext(ctx).Warn("recovered stuck runs", slog.Int("count", n))
			}
			return err
		},
	}
}

// Pruner drops finished event streams. *events.Hub satisfies it.
type Pruner interface {
	Prune() int
}

// PruneJob periodically drops finished event streams from memory.
func PruneJob(p Pruner, schedule string) Job {
	return Job{
		Name:     "prune-event-streams",
		Schedule: schedule,
		Enabled:  true,
		Task: func(ctx context.Context) error {
			if n := p.Prune(); n > 0 {
				ctxlog.FromContext(ctx).Debug("pruned event streams", slog.Int("count", n))
			}
			return nil
		},
	}
}
