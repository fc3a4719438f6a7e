// Package backoff provides retry delay helpers with exponential growth and jitter.
//
// Broker reconnects use Policy.Delay; the relay loop uses WaitContext to sleep
// between cycles while still honouring cancellation.
package backoff
