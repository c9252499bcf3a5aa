/*
Package types defines the shared data model for the docflow pipeline.

All persistent entities (Task, FileMetadata), queue envelopes (Message and
the per-stage Args payloads), and the enumerated option set live here so
that every package speaks the same vocabulary without import cycles.

A Task moves through the four stage queues (archive, parse, vectorize,
cleanup) and carries its status, costs, results, and retry bookkeeping.
FileMetadata rows track every file the system knows about together with
their retention policy. The package is deliberately dependency-free.
*/
package types
