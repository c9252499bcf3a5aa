/*
Package queue implements the stage queue fabric.

Queues are the only transport between pipeline stages: archive, parse,
vectorize, and cleanup each have a named queue, and handlers never call
each other directly. The broker guarantees at-least-once delivery with
per-message acknowledgement: a dequeued message stays in-flight until
Ack, Nack, or the visibility window lapses, and unacked messages are
persisted in BoltDB so a crashed process redelivers them on restart.

FIFO ordering is not guaranteed; handlers are idempotent on task_id.
EnqueueAfter supports delayed delivery for self-rescheduling cleanup.
Each queue has a soft threshold surfaced through health checks and a
hard limit past which Enqueue returns ErrSaturated. Messages that
exhaust their retries are parked on a per-queue dead-letter side.
*/
package queue
