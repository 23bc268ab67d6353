// Package ratelimit implements admission control and outbound throttling.
//
// SlidingWindow is a counting sliding window keyed by caller. Every call,
// admitted or not, records a timestamp; a caller that keeps retrying while
// over the limit keeps its window full until the retries stop. The evict,
// record and count steps run atomically per key inside the WindowStore, so
// concurrent callers sharing a key can never both observe a count under the
// limit when only one slot remains.
//
// HostLimiter paces outbound webhook requests with token buckets: one
// shared bucket per destination host, plus a private bucket per subscriber
// and host for subscribers that carry their own pacing.
package ratelimit
