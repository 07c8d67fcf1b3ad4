package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/plan"
)

func newCompileCmd(c *cli) *cobra.Command {
	var (
		processedOut string
		compact      bool
	)
	cmd := &cobra.Command{
		Use:   "compile <pipeline.yaml>",
		Short: "Compile a pipeline document and print the plan as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.compileFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if processedOut != "" {
				if err := os.WriteFile(processedOut, []byte(p.ProcessedYAML), 0o644); err != nil {
					return fmt.Errorf("failed to write processed document: %w", err)
				}
			}

			c.logger.Info("Pipeline compiled",
				zap.String("file", args[0]),
				zap.String("plan_id", p.ID),
				zap.Int("nodes", len(p.Nodes)))
			return writePlan(cmd, p, compact)
		},
	}
	cmd.Flags().StringVar(&processedOut, "processed-out", "", "write the processed document with defaults and identifiers filled in")
	cmd.Flags().BoolVar(&compact, "compact", false, "print compact JSON")
	return cmd
}

func writePlan(cmd *cobra.Command, p *plan.Plan, compact bool) error {
	data, err := plan.MarshalPlan(p)
	if err != nil {
		return err
	}
	if !compact {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
