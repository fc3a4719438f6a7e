// Package log defines the logging contract shared by the relay, the notifier and
// the operator CLI.
//
// The zap package provides the production implementation; NewNop is used when a
// component is built without a logger.
package log
