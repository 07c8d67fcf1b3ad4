package plancreator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// RootField is the top-level field every pipeline document must carry.
const RootField = "pipeline"

// Tenant scopes a compilation.
type Tenant struct {
	AccountID string
	OrgID     string
	ProjectID string
}

// Compiler turns pipeline documents into plans.
type Compiler struct {
	registry *Registry
	limiter  *concurrency.Limiter
	reporter sdkerrors.Reporter
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCompiler creates a compiler. The limiter bounds concurrent creator
// invocations across all sub-trees of a pass.
func NewCompiler(registry *Registry, limiter *concurrency.Limiter, reporter sdkerrors.Reporter, logger *zap.Logger) (*Compiler, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if limiter == nil {
		return nil, errors.New("limiter cannot be nil")
	}
	if reporter == nil {
		reporter = sdkerrors.NopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		registry: registry,
		limiter:  limiter,
		reporter: reporter,
		logger:   logger,
		tracer:   otel.Tracer("daedalus/plancreator"),
	}, nil
}

// accumulator collects creator output from concurrent sub-tree resolution.
type accumulator struct {
	mu   sync.Mutex
	resp *plan.CreationResponse
}

func (a *accumulator) merge(r *plan.CreationResponse) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resp.Merge(r)
}

func (a *accumulator) addNode(n *plan.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.resp.Nodes[n.ID]; dup {
		return fmt.Errorf("duplicate plan node %s", n.ID)
	}
	a.resp.AddNode(n)
	return nil
}

func (a *accumulator) addLayout(l plan.Layout) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ln := range l.Nodes {
		if _, dup := a.resp.Layout[id]; dup {
			return fmt.Errorf("duplicate layout node %s", id)
		}
		a.resp.AddLayout(id, ln)
	}
	if a.resp.StartingNodeID == "" {
		a.resp.StartingNodeID = l.StartingNodeID
	}
	return nil
}

// Compile parses text and compiles it into a plan. Any failure aborts the
// whole pass, is returned as a *errors.CompilationError and is reported once.
func (c *Compiler) Compile(ctx context.Context, tenant Tenant, text []byte) (*plan.Plan, error) {
	ctx, span := c.tracer.Start(ctx, "plancreator.compile",
		trace.WithAttributes(
			attribute.String("account_id", tenant.AccountID),
			attribute.String("org_id", tenant.OrgID),
			attribute.String("project_id", tenant.ProjectID),
		))
	defer span.End()
	start := time.Now()

	p, err := c.compile(ctx, tenant, text)
	if err != nil {
		cerr := c.compilationError(tenant, "", err)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		c.logger.Error("Plan compilation failed",
			zap.String("account_id", tenant.AccountID),
			zap.String("org_id", tenant.OrgID),
			zap.String("project_id", tenant.ProjectID),
			zap.String("path", cerr.Path),
			zap.Error(cerr.Err))
		c.reporter.Report(cerr, map[string]string{"component": "plancreator"})
		return nil, cerr
	}

	span.SetAttributes(attribute.Int("plan.nodes", len(p.Nodes)))
	c.logger.Info("Plan compiled",
		zap.String("plan_id", p.ID),
		zap.String("account_id", tenant.AccountID),
		zap.Int("nodes", len(p.Nodes)),
		zap.Duration("duration", time.Since(start)))
	return p, nil
}

func (c *Compiler) compile(ctx context.Context, tenant Tenant, text []byte) (*plan.Plan, error) {
	tree, err := yamltree.Parse(text)
	if err != nil {
		return nil, err
	}

	version := tree.Root().StringField("version")
	if version == "" {
		version = DefaultYamlVersion
	}

	root, err := tree.Field(RootField)
	if err != nil {
		return nil, c.compilationError(tenant, RootField, fmt.Errorf("%w: %v", sdkerrors.ErrMalformedPath, err))
	}

	pctx := &Context{
		AccountID:   tenant.AccountID,
		OrgID:       tenant.OrgID,
		ProjectID:   tenant.ProjectID,
		YamlVersion: version,
		Tree:        tree,
	}
	acc := &accumulator{resp: plan.NewCreationResponse()}

	deps := plan.NewDependencies()
	deps.Add(root.UUID(), root.Path())
	if err := c.resolve(ctx, pctx, acc, deps); err != nil {
		return nil, err
	}

	processed, err := tree.ApplyUpdates(acc.resp.YamlUpdates)
	if err != nil {
		return nil, c.compilationError(tenant, "", fmt.Errorf("failed to apply document updates: %w", err))
	}
	processedText, err := processed.Marshal()
	if err != nil {
		return nil, c.compilationError(tenant, "", err)
	}

	return &plan.Plan{
		ID:             uuid.NewString(),
		AccountID:      tenant.AccountID,
		OrgID:          tenant.OrgID,
		ProjectID:      tenant.ProjectID,
		YamlVersion:    version,
		StartingNodeID: root.UUID(),
		Nodes:          acc.resp.Nodes,
		Layout: plan.Layout{
			StartingNodeID: acc.resp.StartingNodeID,
			Nodes:          acc.resp.Layout,
		},
		ProcessedYAML: string(processedText),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// resolve compiles every dependency concurrently. The first failure cancels
// the remaining siblings.
func (c *Compiler) resolve(ctx context.Context, pctx *Context, acc *accumulator, deps *plan.Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range deps.IDs() {
		id := id
		path, _ := deps.Path(id)
		g.Go(func() error {
			return c.resolveOne(gctx, pctx, acc, id, path)
		})
	}
	return g.Wait()
}

func (c *Compiler) resolveOne(ctx context.Context, pctx *Context, acc *accumulator, id, path string) error {
	tenant := Tenant{AccountID: pctx.AccountID, OrgID: pctx.OrgID, ProjectID: pctx.ProjectID}

	node, err := pctx.Tree.Field(path)
	if err != nil {
		return c.compilationError(tenant, path, fmt.Errorf("%w: %v", sdkerrors.ErrMalformedPath, err))
	}
	if node.UUID() != id {
		return c.compilationError(tenant, path, fmt.Errorf("%w: identifier %s does not match %s", sdkerrors.ErrMalformedPath, id, node.UUID()))
	}

	typ := Discriminator(node)
	creator, ok := c.registry.Lookup(node.FieldName(), typ, pctx.YamlVersion)
	if !ok {
		return c.compilationError(tenant, path, fmt.Errorf("%w for field %q type %q version %q",
			sdkerrors.ErrNoCreator, node.FieldName(), typ, pctx.YamlVersion))
	}

	// Slots are held only around creator calls, never while waiting on children.
	var resp *plan.CreationResponse
	err = c.limiter.Do(ctx, func() error {
		var cerr error
		resp, cerr = creator.CreatePlanForField(ctx, pctx, node)
		return cerr
	})
	if err != nil {
		return c.compilationError(tenant, path, err)
	}
	if resp == nil {
		resp = plan.NewCreationResponse()
	}
	if err := acc.merge(resp); err != nil {
		return c.compilationError(tenant, path, err)
	}

	if !resp.Dependencies.IsEmpty() {
		if err := c.resolve(ctx, pctx, acc, resp.Dependencies); err != nil {
			return err
		}
	}
	childIDs := resp.Dependencies.IDs()

	if pc, ok := creator.(ParentCreator); ok {
		var parent *plan.Node
		err := c.limiter.Do(ctx, func() error {
			var perr error
			parent, perr = pc.CreatePlanForParentNode(ctx, pctx, node, childIDs)
			return perr
		})
		if err != nil {
			return c.compilationError(tenant, path, err)
		}
		if parent != nil {
			if err := acc.addNode(parent); err != nil {
				return c.compilationError(tenant, path, err)
			}
		}
	}

	if lc, ok := creator.(LayoutCreator); ok {
		if err := acc.addLayout(lc.LayoutNodeInfo(ctx, pctx, node, childIDs)); err != nil {
			return c.compilationError(tenant, path, err)
		}
	}

	c.logger.Debug("Compiled document node",
		zap.String("path", path),
		zap.String("field", node.FieldName()),
		zap.Int("children", len(childIDs)))
	return nil
}

// compilationError attaches tenant and path to err unless it already carries them.
func (c *Compiler) compilationError(tenant Tenant, path string, err error) *sdkerrors.CompilationError {
	if ce, ok := sdkerrors.AsCompilationError(err); ok {
		return ce
	}
	return sdkerrors.NewCompilationError(tenant.AccountID, tenant.OrgID, tenant.ProjectID, path, err)
}
