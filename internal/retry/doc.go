// Package retry decides whether and when a failed fetch is re-attempted.
//
// A Policy names one of four backoff strategies. The Engine drives a fetch
// function under a policy, records every attempt, and feeds outcomes into a
// per-policy sliding window consumed by the Adaptive strategy.
package retry
