package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step is one unit of work: a module invocation with templated inputs.
type Step struct {
	ID       string `json:"id" yaml:"id"`
	Module   string `json:"module" yaml:"module"`
	Inputs   Value  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OutputAs string `json:"outputAs,omitempty" yaml:"outputAs,omitempty"`
}

// WorkflowDefinition is the declarative body of a workflow. It is treated
// as immutable once a run has loaded it.
type WorkflowDefinition struct {
	Steps       []Step `json:"steps" yaml:"steps"`
	ReturnValue string `json:"returnValue,omitempty" yaml:"returnValue,omitempty"`
}

// TriggerType records how a run was started.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// Trigger configures automatic starts for a workflow.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`
	Cron string      `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(b []byte) error { return d.parse(string(b)) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// WorkflowStats are the run counters maintained by WorkflowStore.RecordRun.
type WorkflowStats struct {
	Runs      int64      `json:"runs"`
	Successes int64      `json:"successes"`
	Failures  int64      `json:"failures"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// Workflow is a stored, owned workflow definition.
type Workflow struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	OrganizationID string             `json:"organizationId,omitempty" yaml:"organizationId,omitempty"`
	UserID         string             `json:"userId,omitempty" yaml:"userId,omitempty"`
	Definition     WorkflowDefinition `json:"definition" yaml:"definition"`
	Trigger        Trigger            `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Timeout        Duration           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Enabled        bool               `json:"enabled" yaml:"enabled"`
	Stats          WorkflowStats      `json:"stats" yaml:"-"`
}

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool { return s == RunSuccess || s == RunError }

// WorkflowRun is the persisted record of one execution attempt. It is
// created as running and finalized exactly once.
type WorkflowRun struct {
	ID             string        `json:"id"`
	WorkflowID     string        `json:"workflowId"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Status         RunStatus     `json:"status"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Duration       time.Duration `json:"duration"`
	Output         Value         `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorStep      string        `json:"errorStep,omitempty"`
	TriggerType    TriggerType   `json:"triggerType"`
	TriggerData    Value         `json:"triggerData,omitempty"`
}

// RunResult is what a finalization writes onto a running record.
type RunResult struct {
	Status      RunStatus
	CompletedAt time.Time
	Duration    time.Duration
	Output      Value
	Error       string
	ErrorStep   string
}

// Apply copies res onto run.
func (res RunResult) Apply(run *WorkflowRun) {
	completed := res.CompletedAt
	run.Status = res.Status
	run.CompletedAt = &completed
	run.Duration = res.Duration
	run.Output = res.Output
	run.Error = res.Error
	run.ErrorStep = res.ErrorStep
}

// RunListOptions filters run history queries.
type RunListOptions struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}

// RunRequest asks the engine to execute a stored workflow.
type RunRequest struct {
	WorkflowID  string      `json:"workflowId"`
	RunID       string      `json:"runId,omitempty"`
	TriggerType TriggerType `json:"triggerType,omitempty"`
	TriggerData Value       `json:"triggerData,omitempty"`
	User        Value       `json:"user,omitempty"`
}

// Organization is a tenant. Runs for inactive organizations are refused.
type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Active bool   `json:"active"`
}

// Credential is a decrypted OAuth account as handed out by a credential store.
type Credential struct {
	UserID       string     `json:"userId"`
	Provider     string     `json:"provider"`
	AccountID    string     `json:"accountId"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// TokenUpdate is written back after a refresh. An empty RefreshToken keeps
// the stored one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// AppCredentials are the OAuth client id and secret for a provider.
type AppCredentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// JobSettings is a persisted override for a scheduled job. Nil or zero
// fields leave the registered value alone.
type JobSettings struct {
	Enabled  *bool         `json:"enabled,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Schedule string        `json:"schedule,omitempty"`
}
