// Package sinks contains eventlog.Sink implementations for logs, metrics and Pub/Sub.
package sinks
