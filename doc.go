// Package stepflow executes declarative, module-based workflows.
//
// A workflow is a list of steps. Each step names a module (for example
// "math.add" or "http.request") and gives it inputs that may reference
// earlier results with {{variable}} templates. A step that sets outputAs
// publishes its result under that name.
//
// Steps do not declare their dependencies. The engine derives them from the
// variables each step reads, groups independent steps into waves and runs
// every wave concurrently, one wave after another. The first failing step
// stops the run.
//
// # Running a workflow
//
//	eng := stepflow.NewInMemoryEngine()
//	run, err := eng.Execute(ctx, stepflow.RunRequest{WorkflowID: "nightly"})
//
// Execute returns the finalized run record: status, output, duration and,
// on failure, the error message and the failing step.
//
// # Queues and scheduling
//
// LocalRunner adds per-organization queues and a progress event hub on top
// of an in-memory engine. The stepflow command ("stepflow serve") runs the
// same pieces with durable storage, an HTTP API and a leader-elected cron
// scheduler.
package stepflow
