// Package worker runs queued workflow executions.
//
// A Pool consumes the keyed task queue with one group of consumers per
// queue key. Each key is an organization, and each group is capped by its
// own concurrency limit, so a tenant with a deep backlog occupies only its
// own slots while other tenants keep draining.
//
// # Keys
//
// Keys are discovered two ways: Submit starts consumers for the key it
// enqueues to, and a periodic scan of Queue.Keys picks up keys that other
// processes (for example the scheduler leader on another node) wrote to.
//
// # Retries
//
// The engine never retries a failed run. The pool only re-enqueues a task
// when the engine could not start a run at all, which points at an
// infrastructure problem such as an unavailable store. Those retries are
// bounded by Config.MaxAttempts with linear backoff.
package worker
