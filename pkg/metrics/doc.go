/*
Package metrics defines the Prometheus instrumentation for the pipeline.

Counters, gauges, and histograms cover the stages end to end: tasks
created and finished by type and status, queue depths and enqueue rates,
stage latency, estimated versus actual LLM spend, cost gate rejections,
archive fan-out results, and cleanup throughput. All collectors are
registered at package init on the default registry; the worker binary
exposes them on /metrics.

The Collector samples store and broker state (task counts by status,
per-queue depth) on an interval, filling the gauges that cannot be
incremented at the point of action. NewTimer pairs with the latency
histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StageDuration.WithLabelValues(stage))
*/
package metrics
