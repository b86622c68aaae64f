package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every store
// interface backed by maps.
type InMemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]api.Workflow
	runs        map[string]api.WorkflowRun
	orgs        map[string]api.Organization
	creds       map[string]api.Credential // userID/provider
	apps        map[string]api.AppCredentials
	jobSettings map[string]api.JobSettings
	events      map[string][]api.Event
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:   make(map[string]api.Workflow),
		runs:        make(map[string]api.WorkflowRun),
		orgs:        make(map[string]api.Organization),
		creds:       make(map[string]api.Credential),
		apps:        make(map[string]api.AppCredentials),
		jobSettings: make(map[string]api.JobSettings),
		events:      make(map[string][]api.Event),
	}
}

var (
	_ WorkflowStore     = (*InMemoryStore)(nil)
	_ RunStore          = (*InMemoryStore)(nil)
	_ OrganizationStore = (*InMemoryStore)(nil)
	_ CredentialStore   = (*InMemoryStore)(nil)
	_ SettingsStore     = (*InMemoryStore)(nil)
	_ EventStore        = (*InMemoryStore)(nil)
)

func credKey(userID, provider string) string { return userID + "/" + provider }

func (s *InMemoryStore) SaveWorkflow(_ context.Context, wf *api.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *wf
	if prev, ok := s.workflows[wf.ID]; ok {
		cp.Stats = prev.Stats
	}
	s.workflows[wf.ID] = cp
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return &wf, nil
}

func (s *InMemoryStore) ListWorkflows(context.Context) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RecordRun(_ context.Context, workflowID string, status api.RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.Stats.Runs++
	switch status {
	case api.RunSuccess:
		wf.Stats.Successes++
	case api.RunError:
		wf.Stats.Failures++
	}
	wf.Stats.LastRunAt = &at
	s.workflows[workflowID] = wf
	return nil
}

func (s *InMemoryStore) CreateRun(_ context.Context, run *api.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *InMemoryStore) FinalizeRun(_ context.Context, runID string, res api.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != api.RunRunning {
		return ErrRunFinalized
	}
	res.Apply(&run)
	s.runs[runID] = run
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowRun
	for _, run := range s.runs {
		if !filter.Matches(&run) {
			continue
		}
		cp := run
		out = append(out, &cp)
	}
	SortRunsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SortRunsNewestFirst orders runs by StartedAt descending, then id.
func SortRunsNewestFirst(runs []*api.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

func (s *InMemoryStore) SaveOrganization(_ context.Context, org api.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

func (s *InMemoryStore) GetOrganization(_ context.Context, id string) (*api.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return &org, nil
}

func (s *InMemoryStore) GetCredential(_ context.Context, userID, provider string) (*api.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[credKey(userID, provider)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) SaveCredential(_ context.Context, cred api.Credential) error {
	if cred.AccountID == "" {
		cred.AccountID = credKey(cred.UserID, cred.Provider)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credKey(cred.UserID, cred.Provider)] = cred
	return nil
}

func (s *InMemoryStore) UpdateTokens(_ context.Context, userID, accountID string, upd api.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.creds {
		if c.UserID != userID || c.AccountID != accountID {
			continue
		}
		c.AccessToken = upd.AccessToken
		if upd.RefreshToken != "" {
			c.RefreshToken = upd.RefreshToken
		}
		c.ExpiresAt = upd.ExpiresAt
		s.creds[k] = c
		return nil
	}
	return ErrCredentialNotFound
}

func (s *InMemoryStore) ListProviders(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, c := range s.creds {
		if c.UserID == userID {
			out = append(out, c.Provider)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) GetAppCredentials(_ context.Context, userID, name string) (*api.AppCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[credKey(userID, name)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &app, nil
}

func (s *InMemoryStore) SaveAppCredentials(_ context.Context, userID, name string, app api.AppCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[credKey(userID, name)] = app
	return nil
}

func (s *InMemoryStore) GetJobSettings(context.Context) (map[string]api.JobSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]api.JobSettings, len(s.jobSettings))
	for k, v := range s.jobSettings {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SaveJobSettings(_ context.Context, name string, js api.JobSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobSettings[name] = js
	return nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, runID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.Event(nil), s.events[runID]...), nil
}
