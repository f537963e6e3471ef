// Package mcpserver provides the Model Context Protocol (MCP) admin server.
//
// The server exposes read-only tools for operating a worker: worker_status
// reports live sandboxes against the concurrency ceiling, in-flight jobs and
// queue depth; get_job_result reads a job's published result. It uses the
// mark3labs/mcp-go library for the protocol.
//
// The server supports stdio and HTTP transports as configured by
// server.transport, and is not started when the transport is "none".
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, consumer, jobQueue, publisher)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeHTTP() // or server.ServeStdio()
package mcpserver
