// Package retry implements the delayed re-submission scheduler used for
// FAIL_REQUEUE verdicts: a min-heap keyed on the next attempt time, served
// by a single timekeeper goroutine, honoring a fixed or exponential backoff
// policy and an optional maximum try count.
package retry
