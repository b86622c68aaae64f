// Package api contains the public building blocks of the stepflow workflow
// execution core.
//
// Most users interact with the root stepflow package, which re-exports the
// types from this package that applications need. The api package is meant
// for custom stores, observers and surfaces.
//
// # Workflows
//
// A WorkflowDefinition is an ordered list of Steps. Each step names a module
// by dotted path, carries templated inputs and optionally stores its result
// in the execution context under OutputAs. Inputs and outputs are Values, a
// JSON-like tagged union whose objects keep key order.
//
// Strings inside inputs may embed {{path}} placeholders that are resolved
// against the execution context just before the step runs. Placeholders
// also define the data flow between steps: a step referencing another
// step's OutputAs depends on it, and the engine runs independent steps
// concurrently in waves.
//
// # Runs
//
// Every execution creates a WorkflowRun that starts in RunRunning and is
// finalized exactly once as RunSuccess or RunError. Failures are reduced to
// a RunError ({message, stepId}) before being stored or emitted.
//
// # Observability
//
// Engines report lifecycle callbacks to an Observer and stream progress
// Events to an EventSink. LoggingObserver, BasicMetrics and
// NewCompositeObserver cover the common cases.
package api
