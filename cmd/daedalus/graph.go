package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// dryRunPool completes every task in-process. Steps named in fail report
// a failure, every other step succeeds.
type dryRunPool struct {
	hub        *dispatch.NotifyHub
	executions *execution.Service
	fail       map[string]bool
}

func (p *dryRunPool) Submit(ctx context.Context, req *dispatch.TaskRequest) error {
	ne, err := p.executions.Get(ctx, req.NodeExecutionID)
	if err != nil {
		return err
	}
	res := dispatch.Result{
		CorrelationID: req.CorrelationID,
		Status:        execution.StatusSucceeded,
		Output:        json.RawMessage(`{"dryRun":true}`),
	}
	if p.fail[ne.Identifier] {
		res.Status = execution.StatusFailed
		res.Failure = &execution.FailureInfo{Code: "DRY_RUN_FAILURE", Message: "failure requested for " + ne.Identifier}
		res.Output = nil
	}
	go p.hub.Deliver(res)
	return nil
}

func newGraphCmd(c *cli) *cobra.Command {
	var (
		inputs  map[string]string
		fail    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "graph <pipeline.yaml>",
		Short: "Run a pipeline in-process with simulated workers and print its orchestration graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.compileFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			log := eventlog.NewMemoryLog()
			executions, err := execution.NewService(execution.NewMemoryStore(), log, c.logger)
			if err != nil {
				return err
			}
			eng, err := engine.New(executions, engine.WithLogger(c.logger))
			if err != nil {
				return err
			}
			failing := make(map[string]bool, len(fail))
			for _, id := range fail {
				failing[id] = true
			}
			hub := dispatch.NewNotifyHub()
			d, err := dispatch.NewDispatcher(&dryRunPool{hub: hub, executions: executions, fail: failing}, hub, eng.HandleResult,
				dispatch.WithLogger(c.logger))
			if err != nil {
				return err
			}
			eng.SetDispatcher(d)

			vars := make(map[string]any, len(inputs))
			for k, v := range inputs {
				vars[k] = v
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			id, err := eng.StartPlanExecution(ctx, p, vars)
			if err != nil {
				return err
			}
			outcome, err := eng.Wait(ctx, id)
			if err != nil {
				return fmt.Errorf("plan execution %s did not finish: %w", id, err)
			}
			c.logger.Info("Simulated plan execution finished",
				zap.String("plan_execution_id", id),
				zap.String("status", string(outcome.Status)))

			cache, err := graph.NewCache(executions, log, c.cfg.GraphConfig(), c.logger)
			if err != nil {
				return err
			}
			g, err := cache.GetOrchestrationGraph(ctx, id)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(g, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringToStringVar(&inputs, "input", nil, "pipeline input visible to skip conditions as inputs.<key>")
	cmd.Flags().StringSliceVar(&fail, "fail", nil, "identifiers of steps whose simulated task fails")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "bound on the simulated run")
	return cmd
}
