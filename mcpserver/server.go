package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/coderunner/config"
	"github.com/isdmx/coderunner/job"
	"github.com/isdmx/coderunner/store"
	"github.com/isdmx/coderunner/worker"
)

// StatusSource reports the consumer's counters
type StatusSource interface {
	Stats() worker.Stats
}

// QueueInspector reports how many jobs are waiting
type QueueInspector interface {
	Len(ctx context.Context) (int64, error)
}

// ResultReader reads published results
type ResultReader interface {
	Fetch(ctx context.Context, jobID string) (job.Result, error)
}

// WorkerStatus is the payload of the worker_status tool
type WorkerStatus struct {
	worker.Stats
	WorkerID    string `json:"workerId"`
	Backend     string `json:"backend"`
	QueueKey    string `json:"queueKey"`
	QueueLength int64  `json:"queueLength"`
}

// MCPServer exposes read-only worker administration tools
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	status     StatusSource
	queue      QueueInspector
	results    ResultReader
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, status StatusSource, queue QueueInspector, results ResultReader) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		status:  status,
		queue:   queue,
		results: results,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Int("worker.max_concurrent", cfg.Worker.MaxConcurrent),
		zap.Int("worker.parallel", cfg.Worker.Parallel),
		zap.Bool("worker.reliable_queue", cfg.Worker.ReliableQueue),
	)

	s.mcpServer = server.NewMCPServer("coderunner-worker", "Sandboxed code execution worker")

	s.registerWorkerStatusTool()
	s.registerGetJobResultTool()

	if cfg.Server.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}

	return s, nil
}

func (s *MCPServer) registerWorkerStatusTool() {
	tool := mcp.Tool{
		Name:        "worker_status",
		Description: "Report live sandboxes, in-flight jobs and queue depth for this worker",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleWorkerStatus)
}

func (s *MCPServer) registerGetJobResultTool() {
	tool := mcp.Tool{
		Name:        "get_job_result",
		Description: "Fetch the published result of a job while it has not expired",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"job_id": map[string]any{
					"type":        "string",
					"description": "Identifier the job was submitted with",
				},
			},
			Required: []string{"job_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetJobResult)
}

func (s *MCPServer) handleWorkerStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := WorkerStatus{
		Stats:    s.status.Stats(),
		WorkerID: s.config.Worker.ID,
		Backend:  s.config.Sandbox.Backend,
		QueueKey: s.config.Worker.QueueKey,
	}

	if s.queue != nil {
		n, err := s.queue.Len(ctx)
		if err != nil {
			s.logger.Warn("failed to read queue length", zap.Error(err))
			return errorResult(fmt.Sprintf("Failed to read queue length: %v", err)), nil
		}
		status.QueueLength = n
	}

	return jsonResult(status)
}

func (s *MCPServer) handleGetJobResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return nil, fmt.Errorf("job_id parameter is required: %w", err)
	}

	result, err := s.results.Fetch(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("No result for job %s", jobID)), nil
	}
	if err != nil {
		s.logger.Error("failed to fetch job result", zap.String("job_id", jobID), zap.Error(err))
		return errorResult(fmt.Sprintf("Failed to fetch result: %v", err)), nil
	}

	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
