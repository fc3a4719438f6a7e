// Package server exposes the relay's health and outbox statistics over HTTP
// and runs the listener as a relay.App with graceful shutdown.
package server
