package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// maxCapturedOutput bounds the stdout and stderr kept in a shell step's result.
const maxCapturedOutput = 64 << 10

type workerOptions struct {
	id          string
	consumer    string
	concurrency int
	shellTypes  []string
	echo        bool
}

func newWorkerCmd(c *cli) *cobra.Command {
	opts := workerOptions{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute dispatched tasks and report their results",
		Long: `worker pulls tasks from the task stream and runs them. Steps whose type is
listed in --shell-types run their "command" (or "script") parameter with sh -c.
With --echo every other task succeeds and returns its parameters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.work(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.id, "worker-id", "", "identifier recorded on every result, random when empty")
	cmd.Flags().StringVar(&opts.consumer, "consumer", "workers", "durable consumer on the task stream")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "tasks run at once")
	cmd.Flags().StringSliceVar(&opts.shellTypes, "shell-types", []string{"Run", "ShellScript"}, "step types run as shell commands")
	cmd.Flags().BoolVar(&opts.echo, "echo", false, "succeed every task without a handler, echoing its parameters")
	return cmd
}

func (c *cli) work(ctx context.Context, opts workerOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.id == "" {
		opts.id = "worker-" + uuid.NewString()[:8]
	}
	logger := c.logger.With(zap.String("worker_id", opts.id))

	connCfg := c.cfg.ConnectionConfig()
	connCfg.Logger = logger
	cl := client.NewClientWithConfig(connCfg)
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()
	if err := cl.EnsureTopology(""); err != nil {
		return err
	}
	if err := cl.Messages.EnsureConsumer(cl.TaskStream(), opts.consumer); err != nil {
		return err
	}

	var blobs storage.BlobStorageClient
	if c.cfg.BlobConnection != "" {
		azure, err := storage.NewAzureBlobClient(c.cfg.BlobConnection, c.cfg.BlobContainer, logger)
		if err != nil {
			return err
		}
		blobs = azure
	}
	reporterCfg := callback.DefaultConfig()
	reporterCfg.WorkerID = opts.id
	reporterCfg.Logger = logger
	reporter, err := callback.NewReporter(cl.Messages, storage.NewPayloadStore(blobs, c.cfg.MaxInlineBytes, logger), reporterCfg)
	if err != nil {
		return err
	}

	workerOpts := []callback.WorkerOption{
		callback.WithConcurrency(opts.concurrency),
		callback.WithWorkerLogger(logger),
	}
	for _, t := range opts.shellTypes {
		workerOpts = append(workerOpts, callback.WithHandler(t, runShell))
	}
	if opts.echo {
		workerOpts = append(workerOpts, callback.WithFallbackHandler(echoTask))
	}
	w, err := callback.NewWorker(cl.Messages, reporter, cl.TaskStream(), opts.consumer, workerOpts...)
	if err != nil {
		return err
	}

	logger.Info("Worker started",
		zap.String("stream", cl.TaskStream()),
		zap.String("consumer", opts.consumer),
		zap.Strings("shell_types", opts.shellTypes))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}

type shellParams struct {
	Command string            `json:"command"`
	Script  string            `json:"script"`
	Env     map[string]string `json:"env"`
}

type shellOutput struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// runShell runs the step's command with sh -c. A non-zero exit fails the task
// with code EXIT_<status>.
func runShell(ctx context.Context, task *message.TaskMessage, params []byte) (json.RawMessage, error) {
	var p shellParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, sdkerrors.NewValidationError("parameters are not a JSON object", "INVALID_PARAMETERS", err)
		}
	}
	script := p.Command
	if script == "" {
		script = p.Script
	}
	if script == "" {
		return nil, sdkerrors.NewValidationError("step has neither command nor script", "INVALID_PARAMETERS", nil)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Env = append(os.Environ(),
		"DAEDALUS_PLAN_EXECUTION_ID="+task.PlanExecutionID,
		"DAEDALUS_NODE_EXECUTION_ID="+task.NodeExecutionID,
		"DAEDALUS_LOG_KEY="+task.LogKey)
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := shellOutput{
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMs: time.Since(start).Milliseconds(),
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		return nil, &sdkerrors.AppError{
			Type:    sdkerrors.BadRequest,
			Code:    fmt.Sprintf("EXIT_%d", out.ExitCode),
			Message: fmt.Sprintf("command exited with status %d: %s", out.ExitCode, lastLine(out.Stderr)),
			Err:     runErr,
		}
	case runErr != nil:
		return nil, runErr
	}
	return json.Marshal(out)
}

func echoTask(_ context.Context, task *message.TaskMessage, params []byte) (json.RawMessage, error) {
	if len(params) == 0 || !json.Valid(params) {
		params = []byte("null")
	}
	return json.Marshal(map[string]any{
		"stepType":   task.PayloadType,
		"parameters": json.RawMessage(params),
	})
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[len(s)-maxCapturedOutput:]
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
