// Package relay holds the process-level pieces shared by the outbox relay, the
// notifier and the operator CLI: the Launcher that runs long-lived apps and the
// context helpers that carry a logger, tracer and correlation id.
//
// Typical usage at a message or request boundary:
//
//	ctx = relay.ContextWithLogger(ctx, logger)
//	ctx = relay.ContextWithHeaderID(ctx, messageID)
//	logger, tracer, headerID := relay.NewTrackingFromContext(ctx)
package relay
