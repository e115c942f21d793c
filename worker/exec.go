package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	getter "github.com/hashicorp/go-getter"
	shellquote "github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/queue"
)

// exTempFail is the sysexits EX_TEMPFAIL code. A command exiting with it
// signals a transient failure, and the job is requeued.
const exTempFail = 75

const execDefaultTimeout = 10 * time.Minute

// ExecOptions configures an ExecConnector.
type ExecOptions struct {
	Command        string // shell-quoted argv template
	WorkDir        string // working directory; a temp dir when empty
	Fetch          string // optional artifact to fetch into the workdir
	TimeoutSeconds int    // per-job wall clock cap (default 10m)
}

// ExecConnector runs each job as one invocation of an external command.
// The job payload is written to the command's stdin, the result document
// is read from its stdout, and stderr is folded into the worker log. An
// exit code of 75 (EX_TEMPFAIL) marks the failure retryable.
type ExecConnector struct {
	name string
	caps queue.Capabilities
	opts ExecOptions
	log  *zap.SugaredLogger

	argv     []string
	workDir  string
	artifact string // path of the fetched artifact, "" without fetch
	tempDir  bool   // workDir is ours to remove
}

func NewExecConnector(name string, caps queue.Capabilities, opts ExecOptions) *ExecConnector {
	return &ExecConnector{
		name: name,
		caps: caps,
		opts: opts,
		log:  logger.AddWorkerSymbol(logger.Logger).With("connector", name),
	}
}

func (c *ExecConnector) Name() string { return c.name }

func (c *ExecConnector) Capabilities() queue.Capabilities { return c.caps }

func (c *ExecConnector) Initialize(ctx context.Context) error {
	argv, err := shellquote.Split(c.opts.Command)
	if err != nil {
		return errors.Wrapf(err, "parsing command %q", c.opts.Command)
	}
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return errors.Wrapf(err, "command %q not found", argv[0])
	}
	c.argv = argv

	c.workDir = c.opts.WorkDir
	if c.workDir == "" {
		dir, err := os.MkdirTemp("", "weft-exec-")
		if err != nil {
			return errors.Wrap(err, "creating workdir")
		}
		c.workDir = dir
		c.tempDir = true
	}

	if c.opts.Fetch != "" {
		dst := filepath.Join(c.workDir, "artifact")
		if err := fetchArtifact(ctx, c.opts.Fetch, dst, getter.ClientModeAny); err != nil {
			return err
		}
		c.artifact = dst
		c.log.Infow("Fetched connector artifact",
			"source", c.opts.Fetch,
			"path", dst,
		)
	}
	return nil
}

func (c *ExecConnector) Cleanup() error {
	if c.tempDir && c.workDir != "" {
		return os.RemoveAll(c.workDir)
	}
	return nil
}

func (c *ExecConnector) HealthCheck(ctx context.Context) error {
	if len(c.argv) == 0 {
		return errors.New("connector not initialized")
	}
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return errors.Wrapf(err, "command %q not found", c.argv[0])
	}
	return nil
}

func (c *ExecConnector) CanProcess(job *queue.Job) bool { return job != nil }

func (c *ExecConnector) Cancel(jobID string) error { return nil }

func (c *ExecConnector) Process(ctx context.Context, job *queue.Job, sink ProgressSink) (json.RawMessage, error) {
	timeout := execDefaultTimeout
	if c.opts.TimeoutSeconds > 0 {
		timeout = time.Duration(c.opts.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.workDir
	cmd.Stdin = bytes.NewReader(job.Payload)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &cmdLogger{log: c.log, jobID: job.ID}

	cmd.Env = append(os.Environ(),
		"WEFT_JOB_ID="+job.ID,
		"WEFT_SERVICE="+job.ServiceRequired,
	)
	if c.artifact != "" {
		cmd.Env = append(cmd.Env, "WEFT_ARTIFACT_PATH="+c.artifact)
	}

	// On cancellation give the command a moment to exit on SIGTERM before
	// the kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		// The connector's own cap, not the server's: another attempt may
		// land on a faster worker.
		return nil, Retryable(errors.Newf("command timed out after %s", timeout))
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code := ee.ExitCode()
			runErr := errors.Newf("command exited with code %d", code)
			if code == exTempFail {
				return nil, Retryable(runErr)
			}
			return nil, runErr
		}
		// The command never ran; the environment may recover.
		return nil, Retryable(errors.Wrap(err, "starting command"))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(out) {
		return json.Marshal(map[string]string{"output": string(out)})
	}
	return json.RawMessage(out), nil
}

// cmdLogger folds a command's stderr into the structured log, one entry
// per line.
type cmdLogger struct {
	log   *zap.SugaredLogger
	jobID string
	buf   strings.Builder
}

func (l *cmdLogger) Write(p []byte) (n int, err error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			l.log.Infow("Command output", "job_id", l.jobID, "message", line)
		}
	}
	return len(p), nil
}
