/*
Package store provides durable storage for pipeline state.

The Store interface covers tasks, parent/child links, and file metadata.
BoltStore implements it on BoltDB with one bucket per entity and JSON
values, so a single process needs no external database.

UpdateStatus is the concurrency primitive of the whole pipeline: it applies
a status transition only when the stored status matches the caller's
ExpectedFrom set (plus an optional stale-lease reclaim window), inside one
write transaction. Workers claim tasks with ExpectedFrom = {pending,
retrying} and finalize with {processing}; a second worker racing on the
same task observes ErrPreconditionFailed and skips. Illegal transitions are
rejected by the lifecycle table before anything is written, and transitions
into a terminal status stamp completed_at.

BulkCreate writes an archive's child tasks and their file rows in one
transaction so the fan-out is all-or-nothing.
*/
package store
