// Package logger provides structured logging capabilities.
//
// The logger package builds the worker's zap logger from configuration.
// Development mode writes coloured console output; production mode writes
// JSON with ISO8601 timestamps.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("worker started", zap.String("queue", "submission_queue"))
package logger
