package stepflow

import (
	"database/sql"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

type (
	Engine             = api.Engine
	EngineConfig       = engine.Config
	Value              = api.Value
	Field              = api.Field
	Step               = api.Step
	Workflow           = api.Workflow
	WorkflowDefinition = api.WorkflowDefinition
	WorkflowRun        = api.WorkflowRun
	RunRequest         = api.RunRequest
	RunStatus          = api.RunStatus
	Wave               = api.Wave
	Trigger            = api.Trigger
	Organization       = api.Organization
	Event              = api.Event
	EventType          = api.EventType
	Observer           = api.Observer
	BasicMetrics       = api.BasicMetrics
	ConfigurationError = api.ConfigurationError
	StepExecutionError = api.StepExecutionError
)

const (
	RunPending = api.RunPending
	RunRunning = api.RunRunning
	RunSuccess = api.RunSuccess
	RunError   = api.RunError
)

var (
	ErrWorkflowNotFound     = api.ErrWorkflowNotFound
	ErrRunNotFound          = api.ErrRunNotFound
	ErrOrganizationInactive = api.ErrOrganizationInactive
	ErrRunTimeout           = api.ErrRunTimeout
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// NewInMemoryEngine returns an Engine with in-memory storage and the
// built-in modules.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine persisting to db. The caller imports a
// driver, typically modernc.org/sqlite.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewEngine returns an Engine configured by cfg. A zero Persistence gets
// in-memory stores.
func NewEngine(cfg EngineConfig) Engine {
	if cfg.Persistence.Workflows == nil {
		cfg.Persistence = persistence.NewInMemory()
	}
	return engine.NewEngineWithConfig(cfg)
}
