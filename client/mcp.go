package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/version"
)

// MCPServer exposes the queue over the Model Context Protocol, so
// assistants can submit and track jobs through a running weft server.
// Every tool is a thin call through the HTTP client.
type MCPServer struct {
	client *Client
	server *server.MCPServer
}

// NewMCPServer builds the MCP facade over an API client.
func NewMCPServer(c *Client) *MCPServer {
	s := &MCPServer{client: c}

	s.server = server.NewMCPServer(
		"weft",
		version.Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// registerTools registers the queue tools.
func (s *MCPServer) registerTools() {
	submitTool := mcp.NewTool("submit_job",
		mcp.WithDescription("Submit a job to the weft queue"),
		mcp.WithString("service",
			mcp.Required(),
			mcp.Description("Service tag the job requires, e.g. inference"),
		),
		mcp.WithString("payload",
			mcp.Description("JSON payload handed to the worker connector"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Priority 0-100, higher runs first"),
		),
		mcp.WithNumber("max_retries",
			mcp.Description("Retry budget for retryable failures"),
		),
		mcp.WithString("customer_id",
			mcp.Description("Customer the job belongs to"),
		),
	)
	s.server.AddTool(submitTool, s.handleSubmitJob)

	getTool := mcp.NewTool("get_job",
		mcp.WithDescription("Fetch one job record, with queue position while queued"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id, e.g. j_4fGh..."),
		),
	)
	s.server.AddTool(getTool, s.handleGetJob)

	listTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List jobs newest-first, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Comma-separated statuses: pending, queued, assigned, accepted, in_progress, completed, failed, timeout, cancelled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum records to return (default 20)"),
		),
	)
	s.server.AddTool(listTool, s.handleListJobs)

	cancelTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job; running jobs are interrupted on their worker"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id to cancel"),
		),
		mcp.WithString("reason",
			mcp.Description("Reason recorded on the job"),
		),
	)
	s.server.AddTool(cancelTool, s.handleCancelJob)

	statsTool := mcp.NewTool("queue_stats",
		mcp.WithDescription("Queue depth, per-status counts, and worker/machine presence"),
	)
	s.server.AddTool(statsTool, s.handleQueueStats)
}

// handleSubmitJob handles submit_job tool calls
func (s *MCPServer) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	service, err := request.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := &queue.SubmitRequest{
		ServiceRequired: service,
		CustomerID:      request.GetString("customer_id", ""),
	}
	if payload := request.GetString("payload", ""); payload != "" {
		if !json.Valid([]byte(payload)) {
			return mcp.NewToolResultError("payload must be valid JSON"), nil
		}
		req.Payload = json.RawMessage(payload)
	}
	if p := int(request.GetInt("priority", 0)); p > 0 {
		req.Priority = &p
	}
	if mr := int(request.GetInt("max_retries", -1)); mr >= 0 {
		req.MaxRetries = &mr
	}

	res, err := s.client.Submit(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit job: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Submitted job %s (status %s)", res.JobID, res.Status)), nil
}

// handleGetJob handles get_job tool calls
func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.client.Job(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}

	return jsonResult(rec)
}

// handleListJobs handles list_jobs tool calls
func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := ListOptions{Limit: int(request.GetInt("limit", 20))}
	if raw := request.GetString("status", ""); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			st = strings.TrimSpace(st)
			if !queue.ValidStatus(st) {
				return mcp.NewToolResultError("unknown status: " + st), nil
			}
			opts.Status = append(opts.Status, queue.Status(st))
		}
	}

	jobs, err := s.client.Jobs(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultText("No jobs matched"), nil
	}

	return jsonResult(jobs)
}

// handleCancelJob handles cancel_job tool calls
func (s *MCPServer) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.client.Cancel(ctx, jobID, request.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel job: %v", err)), nil
	}

	if !res.Cancelled {
		return mcp.NewToolResultText(fmt.Sprintf("Job %s already finished (status %s), nothing to cancel", jobID, res.Job.Status)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cancelled job %s", jobID)), nil
}

// handleQueueStats handles queue_stats tool calls
func (s *MCPServer) handleQueueStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	return jsonResult(stats)
}

// jsonResult renders a response as indented JSON text.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// Serve runs the MCP server on stdio until the peer disconnects.
func (s *MCPServer) Serve() error {
	return server.ServeStdio(s.server)
}
