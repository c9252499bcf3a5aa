/*
Package health provides liveness and readiness checks for the pipeline.

A Registry holds named probes; built-in checks cover the task store,
queue backpressure (a queue past its soft threshold degrades readiness
before enqueues fail outright), and data directory writability.
*/
package health
