// Package pipeline drives analysis jobs through their lifecycle.
//
// A job moves PENDING -> PARSING -> ANALYZING -> RECOMMENDING -> COMPLETED,
// or to FAILED from any non-terminal state. Every mutation goes through
// AdvanceStage, which applies the transition table under a version
// compare-and-set; the version check is what de-duplicates stage signals
// delivered more than once by the queue.
package pipeline
