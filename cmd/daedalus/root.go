package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/config"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/plancreator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	logger   *zap.Logger
	cfg      *config.Config
	reporter sdkerrors.Reporter

	accountID string
	orgID     string
	projectID string
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	c := &cli{logger: logger}

	root := &cobra.Command{
		Use:           "daedalus",
		Short:         "Compile pipeline documents into execution plans and run them",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = config.Load()
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if c.cfg.SentryDSN == "" {
				c.reporter = sdkerrors.NopReporter{}
				return nil
			}
			reporter, err := sdkerrors.NewSentryReporter(c.cfg.SentryDSN, c.cfg.Environment, version, c.logger)
			if err != nil {
				return err
			}
			c.reporter = reporter
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.reporter != nil {
				c.reporter.Flush(2 * time.Second)
			}
		},
	}

	root.PersistentFlags().StringVar(&c.accountID, "account", "", "account identifier the pipeline belongs to")
	root.PersistentFlags().StringVar(&c.orgID, "org", "", "organization identifier")
	root.PersistentFlags().StringVar(&c.projectID, "project", "", "project identifier")

	root.AddCommand(newCompileCmd(c), newGraphCmd(c), newServeCmd(c), newWorkerCmd(c))
	return root
}

func (c *cli) tenant() plancreator.Tenant {
	return plancreator.Tenant{AccountID: c.accountID, OrgID: c.orgID, ProjectID: c.projectID}
}

func (c *cli) newCompiler() (*plancreator.Compiler, error) {
	registry := plancreator.DefaultRegistry(c.cfg.StepTimeout, c.cfg.SyncStepTypes...)
	return plancreator.NewCompiler(registry, concurrency.NewLimiter(c.cfg.MaxConcurrent), c.reporter, c.logger)
}

// compileFile reads and compiles one pipeline document.
func (c *cli) compileFile(ctx context.Context, path string) (*plan.Plan, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	compiler, err := c.newCompiler()
	if err != nil {
		return nil, err
	}
	return compiler.Compile(ctx, c.tenant(), text)
}
