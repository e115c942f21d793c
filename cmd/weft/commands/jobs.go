package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teranos/weft/client"
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/internal/util"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/sym"
)

// JobsCmd represents the jobs command - queue operations over the HTTP API
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Queue + " Submit, inspect, watch, and cancel jobs",
	Long: sym.Queue + ` Jobs - queue operations over the HTTP API.

Talks to a running weft server. The server address comes from
[client] server_url in weft.toml, the WEFT_CLIENT_SERVER_URL
environment variable, or the --server flag.

Job management commands:
  weft jobs submit --service upscale  # Submit a job
  weft jobs ls                        # List jobs
  weft jobs status <id>               # Show job details
  weft jobs watch <id>                # Follow progress to completion
  weft jobs cancel <id>               # Cancel a job
  weft jobs stats                     # Queue, worker, and machine stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsSubmitCmd submits a new job
var JobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the queue",
	Long: `Submit a job to the queue.

The payload is an opaque JSON document handed to whichever worker
claims the job. Pass it inline with --payload, from a file with
--payload-file, or pipe it on stdin with --payload-file -.

Examples:
  weft jobs submit --service upscale --payload '{"image":"u/1.png"}'
  weft jobs submit --service transcribe --priority 80 --payload-file req.json
  cat req.json | weft jobs submit --service render --payload-file -
  weft jobs submit --service render --gpu-memory 24 --customer acme
  weft jobs submit --service render --watch   # submit then follow progress`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSubmit(cmd)
	},
}

// JobsLsCmd lists jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, optionally filtered by status.

Status filters:
  queued      - Jobs waiting for a capable worker
  assigned    - Jobs handed to a worker, not yet accepted
  in_progress - Jobs currently executing
  completed   - Successfully completed jobs
  failed      - Jobs that exhausted their retries
  cancelled   - Jobs cancelled by a client

Examples:
  weft jobs ls                      # List recent jobs
  weft jobs ls --status queued      # Only queued jobs
  weft jobs ls --status failed,timeout
  weft jobs ls --limit 50           # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(cmd, statusFilter, limit)
	},
}

// JobsStatusCmd shows the status of a job
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a job",
	Long: `Display detailed status information for a job:
- Service, priority, and current lifecycle status
- Queue position while queued
- Owning worker and retry history
- Timestamps (created, assigned, started, completed/failed)
- Result or error once terminal

Example:
  weft jobs status j_3kTMd1xx9vPQ`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(cmd, args[0])
	},
}

// JobsWatchCmd follows a job's progress stream
var JobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress to completion",
	Long: `Follow a job's progress stream until it reaches a terminal state.

Progress frames print as they arrive; the command exits 0 on
completion and 1 on failure, timeout, or cancellation. Dropped
connections are resumed from the last seen frame.

Example:
  weft jobs watch j_3kTMd1xx9vPQ`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsWatch(cmd, args[0])
	},
}

// JobsCancelCmd cancels a job
var JobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job in any non-terminal state.

Queued jobs leave the queue immediately. Running jobs get a cancel
message relayed to their worker; the job counts as cancelled even if
the worker never acknowledges. Terminal jobs are left untouched.

Example:
  weft jobs cancel j_3kTMd1xx9vPQ --reason "wrong input"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runJobsCancel(cmd, args[0], reason)
	},
}

// JobsStatsCmd shows queue statistics
var JobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue, worker, and machine statistics",
	Long: `Display a point-in-time snapshot of the deployment: job counts by
status, queue depth, worker fleet state, and live machines.

Example:
  weft jobs stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStats(cmd)
	},
}

var (
	jobsServerURL     string
	submitService     string
	submitPriority    int
	submitPayload     string
	submitPayloadFile string
	submitCustomer    string
	submitMaxRetries  int
	submitGPUMemory   int
	submitGPUCount    int
	submitCPUCores    int
	submitRAM         int
	submitComponents  []string
	submitWorkflows   []string
	submitIsolation   string
	submitWorkflowID  string
	submitStep        int
	submitWatch       bool
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsServerURL, "server", "", "Server URL (overrides config)")

	JobsSubmitCmd.Flags().StringVar(&submitService, "service", "", "Service tag the job requires (required)")
	JobsSubmitCmd.Flags().IntVar(&submitPriority, "priority", -1, "Priority 0-100, higher first (default from server)")
	JobsSubmitCmd.Flags().StringVar(&submitPayload, "payload", "", "Inline JSON payload")
	JobsSubmitCmd.Flags().StringVar(&submitPayloadFile, "payload-file", "", "Read payload from file (- for stdin)")
	JobsSubmitCmd.Flags().StringVar(&submitCustomer, "customer", "", "Customer id for isolation-aware matching")
	JobsSubmitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "Retry budget (default from server)")
	JobsSubmitCmd.Flags().IntVar(&submitGPUMemory, "gpu-memory", 0, "Required GPU memory in GB")
	JobsSubmitCmd.Flags().IntVar(&submitGPUCount, "gpu-count", 0, "Required GPU count")
	JobsSubmitCmd.Flags().IntVar(&submitCPUCores, "cpu-cores", 0, "Required CPU cores")
	JobsSubmitCmd.Flags().IntVar(&submitRAM, "ram", 0, "Required RAM in GB")
	JobsSubmitCmd.Flags().StringSliceVar(&submitComponents, "component", nil, "Required component (repeatable)")
	JobsSubmitCmd.Flags().StringSliceVar(&submitWorkflows, "workflow", nil, "Required workflow (repeatable)")
	JobsSubmitCmd.Flags().StringVar(&submitIsolation, "isolation", "", "Customer isolation: none, loose, strict")
	JobsSubmitCmd.Flags().StringVar(&submitWorkflowID, "workflow-id", "", "Workflow this job belongs to")
	JobsSubmitCmd.Flags().IntVar(&submitStep, "step", 0, "Step number within the workflow")
	JobsSubmitCmd.Flags().BoolVar(&submitWatch, "watch", false, "Follow progress after submitting")
	JobsSubmitCmd.MarkFlagRequired("service")

	JobsLsCmd.Flags().String("status", "", "Filter by status (comma-separated)")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	JobsCancelCmd.Flags().String("reason", "", "Reason recorded on the job")

	JobsCmd.AddCommand(JobsSubmitCmd)
	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsWatchCmd)
	JobsCmd.AddCommand(JobsCancelCmd)
	JobsCmd.AddCommand(JobsStatsCmd)
}

// apiClient builds a client for the configured server, --server winning.
func apiClient() (*client.Client, error) {
	if jobsServerURL != "" {
		return client.New(jobsServerURL), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	serverURL := cfg.Client.ServerURL
	if serverURL == "" {
		serverURL = fmt.Sprintf("http://localhost:%d", config.DefaultServerPort)
	}
	return client.New(serverURL), nil
}

// readPayload resolves the payload flags into a raw JSON document.
func readPayload() (json.RawMessage, error) {
	var raw []byte
	switch {
	case submitPayload != "" && submitPayloadFile != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case submitPayload != "":
		raw = []byte(submitPayload)
	case submitPayloadFile == "-":
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		raw = data
	case submitPayloadFile != "":
		data, err := os.ReadFile(submitPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}

func runJobsSubmit(cmd *cobra.Command) error {
	api, err := apiClient()
	if err != nil {
		return err
	}

	payload, err := readPayload()
	if err != nil {
		return err
	}

	req := &queue.SubmitRequest{
		ServiceRequired: submitService,
		Payload:         payload,
		CustomerID:      submitCustomer,
		WorkflowID:      submitWorkflowID,
		StepNumber:      submitStep,
	}
	if submitPriority >= 0 {
		req.Priority = util.Ptr(submitPriority)
	}
	if submitMaxRetries >= 0 {
		req.MaxRetries = util.Ptr(submitMaxRetries)
	}

	hw := queue.Hardware{
		GPUMemoryGB: submitGPUMemory,
		GPUCount:    submitGPUCount,
		CPUCores:    submitCPUCores,
		RAMGB:       submitRAM,
	}
	if hw != (queue.Hardware{}) || len(submitComponents) > 0 || len(submitWorkflows) > 0 || submitIsolation != "" {
		req.Requirements = &queue.Requirements{
			Components:        submitComponents,
			Workflows:         submitWorkflows,
			CustomerIsolation: queue.IsolationMode(submitIsolation),
		}
		if hw != (queue.Hardware{}) {
			req.Requirements.Hardware = &hw
		}
	}

	res, err := api.Submit(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	fmt.Printf("%s Job %s submitted (%s)\n", sym.Queue, res.JobID, res.Status)

	if submitWatch {
		return watchJob(cmd, api, res.JobID)
	}
	return nil
}

func runJobsLs(cmd *cobra.Command, statusFilter string, limit int) error {
	api, err := apiClient()
	if err != nil {
		return err
	}

	opts := client.ListOptions{Limit: limit}
	if statusFilter != "" {
		for _, part := range strings.Split(statusFilter, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !queue.ValidStatus(part) {
				return fmt.Errorf("unknown status %q", part)
			}
			opts.Status = append(opts.Status, queue.Status(part))
		}
	}

	jobs, err := api.Jobs(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Queue)
		return nil
	}

	// Print table header
	fmt.Printf("%-24s %-12s %-18s %-4s %-12s %s\n", "JOB ID", "STATUS", "SERVICE", "PRI", "WORKER", "CREATED")
	fmt.Printf("%-24s %-12s %-18s %-4s %-12s %s\n", "------", "------", "-------", "---", "------", "-------")

	// Print jobs
	for _, job := range jobs {
		fmt.Printf("%-24s %-12s %-18s %-4d %-12s %s\n",
			truncate(job.ID, 24),
			job.Status,
			truncate(job.ServiceRequired, 18),
			job.Priority,
			truncate(job.WorkerID, 12),
			formatMS(job.CreatedAt, "2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, jobID string) error {
	api, err := apiClient()
	if err != nil {
		return err
	}

	rec, err := api.Job(cmd.Context(), jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	job := &rec.Job

	// Print job details
	fmt.Printf("%s Job ID: %s\n", sym.Queue, job.ID)
	fmt.Printf("  Service: %s\n", job.ServiceRequired)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Priority: %d\n", job.Priority)
	if job.Status == queue.StatusQueued {
		fmt.Printf("  Queue position: %d\n", rec.QueuePosition)
	}
	if job.WorkerID != "" {
		fmt.Printf("  Worker: %s\n", job.WorkerID)
	}
	if job.CustomerID != "" {
		fmt.Printf("  Customer: %s\n", job.CustomerID)
	}
	if job.WorkflowID != "" {
		fmt.Printf("  Workflow: %s (step %d)\n", job.WorkflowID, job.StepNumber)
	}
	if job.ServiceJobID != "" {
		fmt.Printf("  Service job: %s\n", job.ServiceJobID)
	}
	fmt.Printf("\n")

	// Retries
	fmt.Printf("Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.LastFailedWorker != "" {
		fmt.Printf("Last failed worker: %s\n", job.LastFailedWorker)
	}
	fmt.Printf("\n")

	// Timestamps
	fmt.Printf("Created: %s\n", formatMS(job.CreatedAt, "2006-01-02 15:04:05"))
	if job.AssignedAt > 0 {
		fmt.Printf("Assigned: %s\n", formatMS(job.AssignedAt, "2006-01-02 15:04:05"))
	}
	if job.StartedAt > 0 {
		fmt.Printf("Started: %s\n", formatMS(job.StartedAt, "2006-01-02 15:04:05"))
	}
	if job.CompletedAt > 0 {
		fmt.Printf("Completed: %s\n", formatMS(job.CompletedAt, "2006-01-02 15:04:05"))
	}
	if job.FailedAt > 0 {
		fmt.Printf("Failed: %s\n", formatMS(job.FailedAt, "2006-01-02 15:04:05"))
	}

	// Outcome
	if len(job.Result) > 0 {
		fmt.Printf("\nResult: %s\n", string(job.Result))
	}
	if job.Error != "" {
		fmt.Printf("\nError: %s\n", job.Error)
	}
	return nil
}

func runJobsWatch(cmd *cobra.Command, jobID string) error {
	api, err := apiClient()
	if err != nil {
		return err
	}
	return watchJob(cmd, api, jobID)
}

// watchJob follows the progress stream and renders each event.
func watchJob(cmd *cobra.Command, api *client.Client, jobID string) error {
	var final *queue.Job
	err := api.Watch(cmd.Context(), jobID, func(ev client.ProgressEvent) error {
		switch {
		case ev.Name == "connected":
			fmt.Printf("%s Watching %s (%s)\n", sym.Wire, jobID, ev.Job.Status)
		case ev.Frame != nil:
			line := fmt.Sprintf("  %5.1f%%", ev.Frame.ProgressPct)
			if ev.Frame.TotalSteps > 0 {
				line += fmt.Sprintf("  step %d/%d", ev.Frame.CurrentStep, ev.Frame.TotalSteps)
			}
			if ev.Frame.Message != "" {
				line += "  " + ev.Frame.Message
			}
			fmt.Println(line)
		case ev.Terminal():
			final = ev.Job
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch job: %w", err)
	}
	if final == nil {
		return fmt.Errorf("progress stream closed without a terminal event")
	}

	switch final.Status {
	case queue.StatusCompleted:
		fmt.Printf("%s Job %s completed\n", sym.Queue, jobID)
		if len(final.Result) > 0 {
			fmt.Println(string(final.Result))
		}
		return nil
	default:
		fmt.Printf("%s Job %s %s\n", sym.Queue, jobID, final.Status)
		if final.Error != "" {
			fmt.Printf("  %s\n", final.Error)
		}
		return fmt.Errorf("job %s", final.Status)
	}
}

func runJobsCancel(cmd *cobra.Command, jobID, reason string) error {
	api, err := apiClient()
	if err != nil {
		return err
	}

	res, err := api.Cancel(cmd.Context(), jobID, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if res.Cancelled {
		fmt.Printf("%s Job %s cancelled\n", sym.Queue, jobID)
	} else {
		fmt.Printf("%s Job %s already %s, nothing to cancel\n", sym.Queue, jobID, res.Job.Status)
	}
	return nil
}

func runJobsStats(cmd *cobra.Command) error {
	api, err := apiClient()
	if err != nil {
		return err
	}

	stats, err := api.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("%s Queue\n", sym.Queue)
	if stats.Queue != nil {
		fmt.Printf("  Depth: %d queued\n", stats.Queue.QueueDepth)
		for _, status := range []string{"queued", "assigned", "accepted", "in_progress", "completed", "failed", "timeout", "cancelled"} {
			if n := stats.Queue.ByStatus[status]; n > 0 {
				fmt.Printf("  %-12s %d\n", status+":", n)
			}
		}
		if stats.Queue.OldestQueuedMS > 0 {
			fmt.Printf("  Oldest queued: %s\n", formatMS(stats.Queue.OldestQueuedMS, "2006-01-02 15:04:05"))
		}
	}

	fmt.Printf("\n%s Workers: %d (%d idle, %d busy)\n", sym.Worker,
		len(stats.Workers), countWorkers(stats.Workers, queue.WorkerIdle), countWorkers(stats.Workers, queue.WorkerBusy))
	for _, w := range stats.Workers {
		fmt.Printf("  %-20s %-6s %d job(s)  %s\n",
			truncate(w.ID, 20), w.Status, len(w.CurrentJobIDs),
			strings.Join(w.Capabilities.Services, ","))
	}

	if len(stats.Machines) > 0 {
		fmt.Printf("\n%s Machines: %d\n", sym.Machine, len(stats.Machines))
		for _, m := range stats.Machines {
			fmt.Printf("  %-20s %-9s cpu %.0f%%  mem %.0f%%  %d worker(s)\n",
				truncate(m.ID, 20), m.Status, m.CPUPercent, m.MemoryPercent, len(m.Workers))
		}
	}

	fmt.Printf("\nConnections: %d worker, %d client, %d monitor\n",
		stats.Connections.Workers, stats.Connections.Clients, stats.Connections.Monitors)
	return nil
}

func countWorkers(workers []*queue.Worker, state queue.WorkerState) int {
	n := 0
	for _, w := range workers {
		if w.Status == state {
			n++
		}
	}
	return n
}

// formatMS renders a millisecond timestamp, or "-" when unset.
func formatMS(ms int64, layout string) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(layout)
}

// truncate shortens s to maxLen runes with an ellipsis.
func truncate(s string, maxLen int) string {
	if s == "" {
		return "-"
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
