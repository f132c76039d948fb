package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refly-ai/refly/internal/model"
)

// Executor defaults.
const (
	DefaultNodeTimeout = 60 * time.Second
	DefaultMaxSteps    = 25
	DefaultBufferSize  = 32
)

// ExecutorConfig holds process-wide execution defaults.
type ExecutorConfig struct {
	NodeTimeout time.Duration
	MaxSteps    int
	BufferSize  int
}

// RunConfig carries per-invocation options. Zero values fall back to the
// executor's defaults.
type RunConfig struct {
	Config      map[string]any
	NodeTimeout time.Duration
	MaxSteps    int
}

// Executor validates input, builds skill graphs and runs them.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor. Unset config fields get package defaults.
func NewExecutor(cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("refly/skill"),
	}
}

// Plan is a validated, compiled invocation that has not started yet.
type Plan struct {
	Skill  string
	Input  map[string]any
	Config map[string]any

	graph       *Graph
	nodeTimeout time.Duration
	maxSteps    int
}

// Prepare validates input and configuration and builds the skill's graph.
// Nothing executes; failures are *InvalidInputError or *ExecutionError.
func (e *Executor) Prepare(def Definition, input map[string]any, rc RunConfig) (*Plan, error) {
	in, err := def.Input.Validate(def.Name, input)
	if err != nil {
		return nil, err
	}
	cfg, err := def.Config.Resolve(def.Name, rc.Config)
	if err != nil {
		return nil, err
	}
	g, err := def.Build(cfg)
	if err == nil && g == nil {
		err = errors.New("builder returned nil graph")
	}
	if err == nil {
		err = g.Compile()
	}
	if err != nil {
		return nil, &ExecutionError{Skill: def.Name, Kind: model.ErrorKindExecution, Message: "build graph: " + err.Error(), Err: err}
	}

	p := &Plan{
		Skill:       def.Name,
		Input:       in,
		Config:      cfg,
		graph:       g,
		nodeTimeout: e.cfg.NodeTimeout,
		maxSteps:    e.cfg.MaxSteps,
	}
	if rc.NodeTimeout > 0 {
		p.nodeTimeout = rc.NodeTimeout
	}
	if rc.MaxSteps > 0 {
		p.maxSteps = rc.MaxSteps
	}
	return p, nil
}

// Run is a started invocation. Events yields partial events followed by
// exactly one terminal event, then closes. The consumer must drain it.
type Run struct {
	Skill  string
	events chan model.SkillEvent
	cancel context.CancelCauseFunc
}

// Events returns the run's event channel.
func (r *Run) Events() <-chan model.SkillEvent { return r.events }

// Cancel asks the run to stop. The run still emits a terminal event.
func (r *Run) Cancel() { r.cancel(ErrCancelled) }

// Start begins executing p in its own goroutine.
func (e *Executor) Start(ctx context.Context, p *Plan) *Run {
	ctx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		Skill:  p.Skill,
		events: make(chan model.SkillEvent, e.cfg.BufferSize),
		cancel: cancel,
	}
	go func() {
		defer cancel(nil)
		defer close(r.events)
		r.events <- e.walk(ctx, p, r.events)
	}()
	return r
}

// Stream prepares and starts def.
func (e *Executor) Stream(ctx context.Context, def Definition, input map[string]any, rc RunConfig) (*Run, error) {
	p, err := e.Prepare(def, input, rc)
	if err != nil {
		return nil, err
	}
	return e.Start(ctx, p), nil
}

// Execute runs def to completion and returns its result together with every
// event it produced. A terminal error event is returned as a typed error.
func (e *Executor) Execute(ctx context.Context, def Definition, input map[string]any, rc RunConfig) (model.SkillResult, []model.SkillEvent, error) {
	run, err := e.Stream(ctx, def, input, rc)
	if err != nil {
		return model.SkillResult{}, nil, err
	}
	var events []model.SkillEvent
	for ev := range run.Events() {
		events = append(events, ev)
	}
	last := events[len(events)-1]
	if err := TerminalError(def.Name, last); err != nil {
		return model.SkillResult{}, events, err
	}
	res, _ := model.ResultOf(last)
	return res, events, nil
}

// walk executes the graph and returns the terminal event.
func (e *Executor) walk(ctx context.Context, p *Plan, out chan<- model.SkillEvent) model.SkillEvent {
	ctx, span := e.tracer.Start(ctx, "Skill.Run",
		trace.WithAttributes(
			attribute.String("skill.name", p.Skill),
			attribute.Int("skill.nodes", p.graph.Len()),
		),
	)
	defer span.End()

	st := &State{Input: p.Input, Config: p.Config}
	cur := p.graph.entry
	for steps := 0; cur != endIndex; steps++ {
		if ctx.Err() != nil {
			return e.terminal(ctx, span, p, "", ctx.Err())
		}
		if steps >= p.maxSteps {
			return e.terminal(ctx, span, p, "", fmt.Errorf("exceeded %d steps", p.maxSteps))
		}
		s := p.graph.steps[cur]
		if err := e.runNode(ctx, p, s, st, out); err != nil {
			return e.terminal(ctx, span, p, s.name, err)
		}
		next, err := p.graph.successor(cur, st)
		if err != nil {
			return e.terminal(ctx, span, p, s.name, err)
		}
		cur = next
	}
	span.SetStatus(codes.Ok, "")
	return model.DoneEvent(st.result())
}

// runNode runs one step under its own timeout. A node that outlives its
// deadline is abandoned and its later emissions are dropped.
func (e *Executor) runNode(ctx context.Context, p *Plan, s step, st *State, out chan<- model.SkillEvent) error {
	nodeCtx, cancel := context.WithTimeoutCause(ctx, p.nodeTimeout, errNodeTimeout)
	nodeCtx, span := e.tracer.Start(nodeCtx, "Skill.Node",
		trace.WithAttributes(
			attribute.String("skill.name", p.Skill),
			attribute.String("node.name", s.name),
		),
	)
	defer span.End()

	em := &emitter{ctx: nodeCtx, out: out}
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("skill node panicked",
					"skill", p.Skill, "node", s.name, "panic", r, "stack", string(debug.Stack()))
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- s.run(nodeCtx, st, em)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-nodeCtx.Done():
		err = context.Cause(nodeCtx)
	}
	if err != nil && nodeCtx.Err() != nil {
		err = context.Cause(nodeCtx)
	}
	cancel()
	em.seal()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// terminal maps a failure onto the error event that ends the run.
func (e *Executor) terminal(ctx context.Context, span trace.Span, p *Plan, node string, err error) model.SkillEvent {
	var ev model.SkillEvent
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		ev = model.ErrorEvent(model.ErrorKindCancelled, ErrCancelled.Error())
	case errors.Is(cause, context.DeadlineExceeded):
		ev = model.ErrorEvent(model.ErrorKindTimeout, "invocation timed out")
	case cause != nil:
		ev = model.ErrorEvent(model.ErrorKindCancelled, cause.Error())
	case errors.Is(err, errNodeTimeout):
		ev = model.ErrorEvent(model.ErrorKindTimeout, fmt.Sprintf("node %q exceeded timeout of %s", node, p.nodeTimeout))
	case node != "":
		ev = model.ErrorEvent(model.ErrorKindExecution, fmt.Sprintf("node %q failed: %v", node, err))
	default:
		ev = model.ErrorEvent(model.ErrorKindExecution, err.Error())
	}

	span.SetStatus(codes.Error, ev.Message())
	e.logger.Warn("skill run failed",
		"skill", p.Skill, "node", node, "kind", ev.Kind(), "error", ev.Message())
	return ev
}
