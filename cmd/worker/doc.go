// Package main is the entry point for the coderunner worker.
//
// The worker pops code-execution jobs from a Redis list, runs each one in a
// short-lived, resource-limited container and publishes exactly one result
// per job back to Redis. Admission is bounded by the number of live
// sandboxes carrying the worker's marker label.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
// An optional MCP admin server reports worker status over stdio or HTTP.
package main
