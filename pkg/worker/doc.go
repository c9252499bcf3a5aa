// Package worker runs the pipeline stages.
//
// A Worker owns a fixed number of slots. Each slot dequeues from the
// stage queues, claims the referenced task through the store's
// conditional status update, runs the registered Handler under the
// stage deadline, and maps the result to a status transition:
//
//   - success: completed, message acked, follow-ups enqueued
//   - retryable failure with budget left: retrying, redelivery with
//     exponential backoff
//   - retryable failure out of budget, or terminal failure: failed,
//     message dead-lettered
//
// The conditional claim is the only concurrency primitive. A message
// redelivered for a task that is terminal or owned elsewhere fails the
// claim predicate and is acked without side effects, which is what makes
// at-least-once delivery safe. Follow-up work (vectorization after
// parsing, extraction-directory cleanup after fan-out) is enqueued only
// after the task is durably completed so redeliveries cannot duplicate
// it.
//
// The four stage handlers live here as well: ArchiveHandler fans a ZIP
// out into per-file parse tasks, ParseHandler runs cost-gated LLM
// extraction, VectorizeHandler embeds extracted content, and
// CleanupHandler removes expired files and spent extraction
// directories. Handlers return outcomes or tagged errors; they never
// write task status themselves.
package worker
