// Package webhook delivers pipeline events to subscriber endpoints.
//
// Every (config, event) pair owns exactly one delivery row. The first attempt
// runs right after NotifyEvent; failures are retried by RetryDue with the
// config's exponential backoff until the attempt budget is spent.
package webhook
