package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

var contractBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRunningRun(id, workflowID string, startedAt time.Time) *api.WorkflowRun {
	return &api.WorkflowRun{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      api.RunRunning,
		StartedAt:   startedAt,
		TriggerType: api.TriggerManual,
		TriggerData: api.Object(api.Field{Key: "source", Value: api.String("test")}),
	}
}

// testRunStoreContract exercises the behaviour every RunStore must share.
func testRunStoreContract(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		run := newRunningRun("run-get", "wf-get", contractBase)
		require.NoError(t, store.CreateRun(ctx, run))

		got, err := store.GetRun(ctx, "run-get")
		require.NoError(t, err)
		assert.Equal(t, api.RunRunning, got.Status)
		assert.Equal(t, "wf-get", got.WorkflowID)
		assert.True(t, got.StartedAt.Equal(contractBase))
		assert.Nil(t, got.CompletedAt)
		source, _ := got.TriggerData.Get("source")
		assert.Equal(t, "test", source.String())
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := store.GetRun(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, store.FinalizeRun(ctx, "does-not-exist", api.RunResult{Status: api.RunSuccess}), ErrRunNotFound)
	})

	t.Run("finalize only once", func(t *testing.T) {
		require.NoError(t, store.CreateRun(ctx, newRunningRun("run-fin", "wf-fin", contractBase)))

		done := contractBase.Add(2 * time.Second)
		require.NoError(t, store.FinalizeRun(ctx, "run-fin", api.RunResult{
			Status:      api.RunError,
			CompletedAt: done,
			Duration:    2 * time.Second,
			Error:       "boom",
			ErrorStep:   "fetch",
		}))

		err := store.FinalizeRun(ctx, "run-fin", api.RunResult{Status: api.RunSuccess, CompletedAt: done})
		assert.ErrorIs(t, err, ErrRunFinalized)

		got, err := store.GetRun(ctx, "run-fin")
		require.NoError(t, err)
		assert.Equal(t, api.RunError, got.Status)
		assert.Equal(t, "boom", got.Error)
		assert.Equal(t, "fetch", got.ErrorStep)
		assert.Equal(t, 2*time.Second, got.Duration)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(done))
	})

	t.Run("finalize stores output", func(t *testing.T) {
		require.NoError(t, store.CreateRun(ctx, newRunningRun("run-out", "wf-out", contractBase)))
		out := api.Object(
			api.Field{Key: "total", Value: api.Int(3)},
			api.Field{Key: "names", Value: api.Array(api.String("a"), api.String("b"))},
		)
		require.NoError(t, store.FinalizeRun(ctx, "run-out", api.RunResult{
			Status:      api.RunSuccess,
			CompletedAt: contractBase.Add(time.Second),
			Output:      out,
		}))

		got, err := store.GetRun(ctx, "run-out")
		require.NoError(t, err)
		assert.True(t, got.Output.Equal(out), "output = %s", got.Output)
	})

	t.Run("list newest first with filters", func(t *testing.T) {
		for i, id := range []string{"list-1", "list-2", "list-3"} {
			run := newRunningRun(id, "wf-list", contractBase.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.CreateRun(ctx, run))
		}
		require.NoError(t, store.FinalizeRun(ctx, "list-2", api.RunResult{
			Status:      api.RunSuccess,
			CompletedAt: contractBase.Add(90 * time.Second),
		}))

		runs, err := store.ListRuns(ctx, RunFilter{WorkflowID: "wf-list"})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-2", "list-1"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, RunFilter{WorkflowID: "wf-list", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-2"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, RunFilter{WorkflowID: "wf-list", Status: api.RunRunning})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-1"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, RunFilter{
			WorkflowID:    "wf-list",
			Status:        api.RunRunning,
			StartedBefore: contractBase.Add(30 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-1"}, runIDs(runs))
	})
}

func runIDs(runs []*api.WorkflowRun) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}

// testFullStoreContract covers the non-run stores for backends that
// implement all of them.
func testFullStoreContract(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	t.Run("workflow stats", func(t *testing.T) {
		wf := &api.Workflow{
			ID:      "wf-stats",
			Name:    "stats",
			Enabled: true,
			Definition: api.WorkflowDefinition{Steps: []api.Step{
				{ID: "a", Module: "core.echo", Inputs: api.Object()},
			}},
		}
		require.NoError(t, p.Workflows.SaveWorkflow(ctx, wf))
		require.NoError(t, p.Workflows.RecordRun(ctx, "wf-stats", api.RunSuccess, contractBase))
		require.NoError(t, p.Workflows.RecordRun(ctx, "wf-stats", api.RunError, contractBase.Add(time.Minute)))

		// Saving again keeps counters.
		require.NoError(t, p.Workflows.SaveWorkflow(ctx, wf))

		got, err := p.Workflows.GetWorkflow(ctx, "wf-stats")
		require.NoError(t, err)
		assert.Equal(t, "stats", got.Name)
		require.Len(t, got.Definition.Steps, 1)
		assert.Equal(t, "core.echo", got.Definition.Steps[0].Module)
		assert.Equal(t, int64(2), got.Stats.Runs)
		assert.Equal(t, int64(1), got.Stats.Successes)
		assert.Equal(t, int64(1), got.Stats.Failures)
		require.NotNil(t, got.Stats.LastRunAt)
		assert.True(t, got.Stats.LastRunAt.Equal(contractBase.Add(time.Minute)))

		assert.ErrorIs(t, p.Workflows.RecordRun(ctx, "nope", api.RunSuccess, contractBase), ErrWorkflowNotFound)
		_, err = p.Workflows.GetWorkflow(ctx, "nope")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		all, err := p.Workflows.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)
	})

	t.Run("organizations", func(t *testing.T) {
		require.NoError(t, p.Organizations.SaveOrganization(ctx, api.Organization{ID: "org-1", Name: "Acme", Active: true}))
		org, err := p.Organizations.GetOrganization(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, org.Active)
		assert.Equal(t, "Acme", org.Name)

		_, err = p.Organizations.GetOrganization(ctx, "org-missing")
		assert.ErrorIs(t, err, ErrOrganizationNotFound)
	})

	t.Run("credentials keep refresh token when not rotated", func(t *testing.T) {
		exp := contractBase.Add(time.Hour)
		require.NoError(t, p.Credentials.SaveCredential(ctx, api.Credential{
			UserID:       "user-1",
			Provider:     "google",
			AccountID:    "acct-1",
			AccessToken:  "old",
			RefreshToken: "refresh-1",
			ExpiresAt:    &exp,
		}))

		newExp := contractBase.Add(2 * time.Hour)
		require.NoError(t, p.Credentials.UpdateTokens(ctx, "user-1", "acct-1", api.TokenUpdate{
			AccessToken: "new",
			ExpiresAt:   &newExp,
		}))

		c, err := p.Credentials.GetCredential(ctx, "user-1", "google")
		require.NoError(t, err)
		assert.Equal(t, "new", c.AccessToken)
		assert.Equal(t, "refresh-1", c.RefreshToken)
		require.NotNil(t, c.ExpiresAt)
		assert.True(t, c.ExpiresAt.Equal(newExp))

		providers, err := p.Credentials.ListProviders(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"google"}, providers)

		_, err = p.Credentials.GetCredential(ctx, "user-1", "github")
		assert.ErrorIs(t, err, ErrCredentialNotFound)
		assert.ErrorIs(t, p.Credentials.UpdateTokens(ctx, "user-1", "acct-x", api.TokenUpdate{}), ErrCredentialNotFound)
	})

	t.Run("app credentials", func(t *testing.T) {
		require.NoError(t, p.Credentials.SaveAppCredentials(ctx, "user-1", "google_oauth2_app",
			api.AppCredentials{ClientID: "cid", ClientSecret: "secret"}))
		app, err := p.Credentials.GetAppCredentials(ctx, "user-1", "google_oauth2_app")
		require.NoError(t, err)
		assert.Equal(t, "cid", app.ClientID)

		_, err = p.Credentials.GetAppCredentials(ctx, "user-2", "google_oauth2_app")
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("job settings", func(t *testing.T) {
		enabled := false
		require.NoError(t, p.Settings.SaveJobSettings(ctx, "cleanup", api.JobSettings{
			Enabled:  &enabled,
			Interval: 5 * time.Minute,
		}))
		settings, err := p.Settings.GetJobSettings(ctx)
		require.NoError(t, err)
		js, ok := settings["cleanup"]
		require.True(t, ok)
		require.NotNil(t, js.Enabled)
		assert.False(t, *js.Enabled)
		assert.Equal(t, 5*time.Minute, js.Interval)
	})

	t.Run("events in append order", func(t *testing.T) {
		require.NoError(t, p.Events.AppendEvent(ctx, api.Event{Type: api.EventWorkflowStarted, RunID: "run-ev", At: contractBase}))
		require.NoError(t, p.Events.AppendEvent(ctx, api.Event{Type: api.EventStepStarted, RunID: "run-ev", StepID: "a", At: contractBase}))
		require.NoError(t, p.Events.AppendEvent(ctx, api.Event{Type: api.EventStepStarted, RunID: "run-other", StepID: "x", At: contractBase}))

		evs, err := p.Events.ListEvents(ctx, "run-ev")
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, api.EventWorkflowStarted, evs[0].Type)
		assert.Equal(t, "a", evs[1].StepID)
	})
}
