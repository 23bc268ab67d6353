// Package eventlog is the append-only record of pipeline events.
//
// Log.Append persists an event, hands it synchronously to subscribers (the
// webhook dispatcher) and then to a Hub that batches events for
// observational sinks such as logs, metrics and Pub/Sub.
package eventlog
