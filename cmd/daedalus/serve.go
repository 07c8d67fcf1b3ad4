package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/execution/postgres"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

type serveOptions struct {
	metricsAddr string
	inputs      map[string]string
	stay        bool
	batchSize   int
}

func newServeCmd(c *cli) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve [pipeline.yaml...]",
		Short: "Run pipelines against remote workers over NATS JetStream",
		Long: `serve connects to NATS, consumes task results and runs every pipeline
given on the command line. Without pipelines, or with --stay, it keeps serving
until interrupted. An interrupt cancels every running pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context(), args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9464", "address of the Prometheus metrics endpoint, empty to disable")
	cmd.Flags().StringToStringVar(&opts.inputs, "input", nil, "pipeline input visible to skip conditions as inputs.<key>")
	cmd.Flags().BoolVar(&opts.stay, "stay", false, "keep serving after the given pipelines finish")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 10, "results pulled per fetch")
	return cmd
}

// services is everything serve wires together.
type services struct {
	executions *execution.Service
	cache      *graph.Cache
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	closers    []func() error
}

func (s *services) close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
}

func (c *cli) serve(ctx context.Context, paths []string, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := c.cfg.TracingConfig("daedalus")
	tracingCfg.ServiceVersion = version
	shutdownTracing, err := tracing.SetupTracing(ctx, tracingCfg, c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.ShutdownTracing(shutdownTracing, c.logger) }()

	svc, err := c.wire(ctx, opts)
	if svc != nil {
		defer svc.close(c.logger)
	}
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runCtx, cancelRunner := context.WithCancel(ctx)
	defer cancelRunner()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- svc.runner.Run(runCtx) }()

	inputs := make(map[string]any, len(opts.inputs))
	for k, v := range opts.inputs {
		inputs[k] = v
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		g.Go(func() error {
			outcome, err := c.runPipeline(gctx, svc, path, inputs)
			if err != nil {
				return err
			}
			if outcome.Status != execution.StatusSucceeded {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %s", path, outcome.Status))
				mu.Unlock()
			}
			return nil
		})
	}
	runErr := g.Wait()

	if len(paths) == 0 || opts.stay {
		c.logger.Info("Serving until interrupted")
		<-ctx.Done()
	}
	cancelRunner()
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Result runner stopped with error", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d pipeline(s) did not succeed: %v", len(failed), failed)
	}
	return nil
}

// wire builds the stores, the transport and the engine. The returned services
// are non-nil whenever something was opened that must be closed.
func (c *cli) wire(ctx context.Context, opts serveOptions) (*services, error) {
	svc := &services{}
	logger := c.logger

	var store execution.Store = execution.NewMemoryStore()
	if c.cfg.PostgresDSN != "" {
		db, err := postgres.Open(ctx, postgres.DefaultConfig(c.cfg.PostgresDSN))
		if err != nil {
			return svc, fmt.Errorf("failed to open node execution store: %w", err)
		}
		svc.closers = append(svc.closers, db.Close)
		pg := postgres.NewStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return svc, fmt.Errorf("failed to migrate node execution store: %w", err)
		}
		store = pg
	}

	var log eventlog.Log = eventlog.NewMemoryLog()
	if c.cfg.EventLogPath != "" {
		badgerCfg := eventlog.DefaultBadgerConfig(c.cfg.EventLogPath)
		badgerCfg.Logger = logger.Named("badger")
		bl, err := eventlog.OpenBadgerLog(badgerCfg)
		if err != nil {
			return svc, err
		}
		svc.closers = append(svc.closers, bl.Close)
		log = bl
	}

	executions, err := execution.NewService(store, log, logger)
	if err != nil {
		return svc, err
	}
	svc.executions = executions
	if svc.cache, err = graph.NewCache(executions, log, c.cfg.GraphConfig(), logger); err != nil {
		return svc, err
	}

	connCfg := c.cfg.ConnectionConfig()
	connCfg.Logger = logger
	cl := client.NewClientWithConfig(connCfg)
	if err := cl.Connect(ctx); err != nil {
		return svc, err
	}
	svc.closers = append(svc.closers, cl.Close)
	if err := cl.EnsureTopology(c.cfg.ResultConsumer); err != nil {
		return svc, err
	}

	var blobs storage.BlobStorageClient
	if c.cfg.BlobConnection != "" {
		azure, err := storage.NewAzureBlobClient(c.cfg.BlobConnection, c.cfg.BlobContainer, logger)
		if err != nil {
			return svc, err
		}
		blobs = azure
	}
	payloads := storage.NewPayloadStore(blobs, c.cfg.MaxInlineBytes, logger)

	pool, err := dispatch.NewNATSWorkerPool(cl.Messages,
		dispatch.WithPayloadStore(payloads),
		dispatch.WithCircuitBreaker(concurrency.NewCircuitBreaker(int64(c.cfg.BreakerThreshold), 0)),
		dispatch.WithTaskStream(cl.TaskStream()),
		dispatch.WithPoolLogger(logger))
	if err != nil {
		return svc, err
	}

	eng, err := engine.New(executions, engine.WithLogger(logger), engine.WithPayloadStore(payloads))
	if err != nil {
		return svc, err
	}
	d, err := dispatch.NewDispatcher(pool, nil, eng.HandleResult,
		dispatch.WithDefaultTimeout(c.cfg.TaskTimeout),
		dispatch.WithLogger(logger))
	if err != nil {
		return svc, err
	}
	eng.SetDispatcher(d)
	svc.engine, svc.dispatcher = eng, d

	handler := func(ctx context.Context, msg *message.ResultMessage) error {
		d.Complete(ctx, msg)
		return nil
	}
	r, err := runner.NewRunner(cl.Messages, handler, c.cfg.ResultConsumer, opts.batchSize, c.cfg.RunnerWorkers, 30*time.Second, logger)
	if err != nil {
		return svc, err
	}
	svc.runner = r
	return svc, nil
}

// runPipeline compiles and runs one pipeline and logs its orchestration graph
// once it finishes. Cancelling ctx cancels the plan execution.
func (c *cli) runPipeline(ctx context.Context, svc *services, path string, inputs map[string]any) (engine.Outcome, error) {
	p, err := c.compileFile(ctx, path)
	if err != nil {
		return engine.Outcome{}, err
	}
	id, err := svc.engine.StartPlanExecution(ctx, p, inputs)
	if err != nil {
		return engine.Outcome{}, err
	}
	logger := c.logger.With(zap.String("file", path), zap.String("plan_execution_id", id))

	outcome, err := svc.engine.Wait(ctx, id)
	if err != nil {
		logger.Warn("Cancelling plan execution", zap.Error(err))
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := svc.engine.Cancel(cancelCtx, id); err != nil {
			logger.Error("Failed to cancel plan execution", zap.Error(err))
		}
		if outcome, err = svc.engine.Wait(cancelCtx, id); err != nil {
			return engine.Outcome{}, err
		}
	}

	graphCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if g, err := svc.cache.GetOrchestrationGraph(graphCtx, id); err != nil {
		logger.Warn("Failed to build orchestration graph", zap.Error(err))
	} else {
		logger.Info("Plan execution finished",
			zap.String("status", string(outcome.Status)),
			zap.String("graph_status", string(g.Status)),
			zap.Int("vertices", len(g.Vertices)))
	}
	if outcome.Failure != nil {
		logger.Warn("Plan execution failed",
			zap.String("failure_code", outcome.Failure.Code),
			zap.String("failure", outcome.Failure.Message))
	}
	return outcome, nil
}
