package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not stored.
	ErrWorkflowNotFound = api.ErrWorkflowNotFound

	// ErrRunNotFound is returned when a run record does not exist.
	ErrRunNotFound = api.ErrRunNotFound

	// ErrRunFinalized is returned when finalizing a run that is no longer running.
	ErrRunFinalized = api.ErrRunFinalized

	ErrOrganizationNotFound = errors.New("organization not found")
	ErrCredentialNotFound   = errors.New("credential not found")
)

// WorkflowStore handles storage of workflows and their run counters.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*api.Workflow, error)
	// RecordRun increments the run counter and the success or failure
	// counter of a workflow. The engine calls it once per finalized run.
	RecordRun(ctx context.Context, workflowID string, status api.RunStatus, at time.Time) error
}

// RunFilter selects run records. Zero fields mean "no filter".
type RunFilter struct {
	WorkflowID    string
	Status        api.RunStatus
	StartedBefore time.Time
	Limit         int
}

// Matches reports whether run passes f, ignoring Limit.
func (f RunFilter) Matches(run *api.WorkflowRun) bool {
	if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if !f.StartedBefore.IsZero() && !run.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}

// RunStore handles run records. The run engine is its only writer.
type RunStore interface {
	CreateRun(ctx context.Context, run *api.WorkflowRun) error
	// FinalizeRun moves a running record to its terminal state. It returns
	// ErrRunFinalized if the run is not running anymore.
	FinalizeRun(ctx context.Context, runID string, res api.RunResult) error
	GetRun(ctx context.Context, id string) (*api.WorkflowRun, error)
	// ListRuns returns matching runs, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error)
}

// OrganizationStore handles tenants.
type OrganizationStore interface {
	SaveOrganization(ctx context.Context, org api.Organization) error
	GetOrganization(ctx context.Context, id string) (*api.Organization, error)
}

// CredentialStore hands out decrypted OAuth accounts. Encryption at rest is
// the store's business.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID, provider string) (*api.Credential, error)
	SaveCredential(ctx context.Context, cred api.Credential) error
	// UpdateTokens writes refreshed tokens. An empty RefreshToken keeps the
	// stored one.
	UpdateTokens(ctx context.Context, userID, accountID string, upd api.TokenUpdate) error
	ListProviders(ctx context.Context, userID string) ([]string, error)

	GetAppCredentials(ctx context.Context, userID, name string) (*api.AppCredentials, error)
	SaveAppCredentials(ctx context.Context, userID, name string, app api.AppCredentials) error
}

// SettingsStore holds persisted scheduler job overrides.
type SettingsStore interface {
	GetJobSettings(ctx context.Context) (map[string]api.JobSettings, error)
	SaveJobSettings(ctx context.Context, name string, s api.JobSettings) error
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Workflows     WorkflowStore
	Runs          RunStore
	Organizations OrganizationStore
	Credentials   CredentialStore
	Settings      SettingsStore
	Events        EventStore
}

// NewInMemory returns a Persistence backed entirely by one InMemoryStore.
func NewInMemory() Persistence {
	s := NewInMemoryStore()
	return Persistence{
		Workflows:     s,
		Runs:          s,
		Organizations: s,
		Credentials:   s,
		Settings:      s,
		Events:        s,
	}
}
