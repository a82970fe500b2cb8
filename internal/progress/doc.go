// Package progress provides the job lifecycle event type, a non-blocking
// batching hub and the emitter interface used by the queue manager and the
// fallback pipeline. Batches fan out to pluggable sinks such as structured
// logs, Prometheus collectors, the Postgres job history and outbound
// notifications.
package progress
