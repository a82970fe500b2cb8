// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, the job history store and outbound notifications.
// Each sink satisfies progress.Sink and tolerates repeated Consume calls.
package sinks
