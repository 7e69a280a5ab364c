// Package resilience provides the failure-handling primitives shared by the
// rest of the module: a consecutive-failure circuit breaker and the capped
// exponential backoff policy used between retries.
package resilience
