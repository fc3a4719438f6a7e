// Package runtime keeps goroutines and message handlers from taking the process
// down on a panic. Recovered panics are logged with their stack, recorded as a
// span event and counted in the relay.runtime.panics_recovered metric.
package runtime
