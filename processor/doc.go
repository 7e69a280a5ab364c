// Package processor is a bounded, prioritized background task pool. Work is
// submitted as a Unit and tracked through a Handle that always resolves:
// with the result, with a permanent failure after the retry budget is spent,
// or with ErrShutdown when the pool stops first.
//
// The queue enforces its capacity synchronously at enqueue time so producers
// get backpressure instead of blocking. Failed tasks are retried with capped
// exponential backoff when their error is classified transient; tasks that
// exhaust the budget or fail permanently land in a capped dead-letter ring
// for inspection.
package processor
