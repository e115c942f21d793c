package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/queue"
)

// WasmOptions configures a WasmConnector.
type WasmOptions struct {
	Module string // local path or go-getter URL of the WASI module
}

// WasmConnector runs each job as one instantiation of a WASI module,
// compiled once at Initialize. The job payload arrives on the module's
// stdin, the result document is read from its stdout, and stderr is
// folded into the worker log. proc_exit(0) counts as success; exit code
// 75 marks the failure retryable, mirroring the exec connector.
type WasmConnector struct {
	name string
	caps queue.Capabilities
	opts WasmOptions
	log  *zap.SugaredLogger

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	tempDir  string // holds a fetched module, "" for local paths
}

func NewWasmConnector(name string, caps queue.Capabilities, opts WasmOptions) *WasmConnector {
	return &WasmConnector{
		name: name,
		caps: caps,
		opts: opts,
		log:  logger.AddWorkerSymbol(logger.Logger).With("connector", name),
	}
}

func (c *WasmConnector) Name() string { return c.name }

func (c *WasmConnector) Capabilities() queue.Capabilities { return c.caps }

func (c *WasmConnector) Initialize(ctx context.Context) error {
	path := c.opts.Module
	if _, err := os.Stat(path); err != nil {
		// Not a local file; treat it as a go-getter source.
		dir, err := os.MkdirTemp("", "weft-wasm-")
		if err != nil {
			return errors.Wrap(err, "creating module cache dir")
		}
		c.tempDir = dir
		path = filepath.Join(dir, "module.wasm")
		if err := fetchArtifact(ctx, c.opts.Module, path, getter.ClientModeFile); err != nil {
			return err
		}
		c.log.Infow("Fetched WASI module",
			"source", c.opts.Module,
			"path", path,
		)
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading WASI module %s", path)
	}

	// CloseOnContextDone makes in-flight guest code observe job
	// cancellation instead of running to completion.
	c.runtime = wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, c.runtime); err != nil {
		return errors.Wrap(err, "instantiating WASI host functions")
	}

	compiled, err := c.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return errors.Wrapf(err, "compiling WASI module %s", path)
	}
	c.compiled = compiled
	return nil
}

func (c *WasmConnector) Cleanup() error {
	var errs []error
	if c.runtime != nil {
		if err := c.runtime.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if c.tempDir != "" {
		if err := os.RemoveAll(c.tempDir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Newf("cleanup errors: %v", errs)
	}
	return nil
}

func (c *WasmConnector) HealthCheck(ctx context.Context) error {
	if c.compiled == nil {
		return errors.New("connector not initialized")
	}
	return nil
}

func (c *WasmConnector) CanProcess(job *queue.Job) bool { return job != nil }

func (c *WasmConnector) Cancel(jobID string) error { return nil }

func (c *WasmConnector) Process(ctx context.Context, job *queue.Job, sink ProgressSink) (json.RawMessage, error) {
	var stdout bytes.Buffer

	// Anonymous instance name so concurrent jobs can instantiate the same
	// compiled module.
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(c.name).
		WithStdin(bytes.NewReader(job.Payload)).
		WithStdout(&stdout).
		WithStderr(&cmdLogger{log: c.log, jobID: job.ID})

	mod, err := c.runtime.InstantiateModule(ctx, c.compiled, mcfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			switch code := exitErr.ExitCode(); code {
			case 0:
				// proc_exit(0): a clean exit before _start returned.
			case exTempFail:
				return nil, Retryable(errors.Newf("module exited with code %d", code))
			default:
				return nil, errors.Newf("module exited with code %d", code)
			}
		} else {
			return nil, errors.Wrap(err, "running WASI module")
		}
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
