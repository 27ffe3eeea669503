package agent

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	wasmagent "github.com/wippyai/wasm-agent"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/canon"
	"github.com/wippyai/wasm-agent/cfi"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/resource"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/wippyai/wasm-agent/agent"

// instance is a module registered with an agent.
type instance struct {
	module *instr.Module
	mem    wasmagent.Memory
	alloc  wasmagent.Allocator
	hosts  HostFuncs
	bridge *canon.Bridge
	sigs   []uint64 // signature hash per function
	id     InstanceID
}

// execution is the top-level call being run or suspended.
type execution struct {
	inst     *instance
	results  []wit.Type
	lowered  canon.RawOperands
	created  []resource.Handle // by resource.new, dropped again if the execution fails
	id       uint64
	function uint32
}

// suspension is the snapshot stored in the async table.
type suspension struct {
	exec   *execution
	frames []CallFrame
	shadow []cfi.ShadowEntry
	arity  int // results expected from the host
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger. The package logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithResourceTable shares an existing resource table, for example one
// restored during migration.
func WithResourceTable(t *resource.Table) Option {
	return func(a *Agent) { a.resources = t }
}

// Agent executes decoded modules under one configuration. An agent is
// single-writer: callers must serialize access to it.
type Agent struct {
	log       *zap.Logger
	tracer    trace.Tracer
	resources *resource.Table
	async     *async.Table[*suspension]
	cfi       *cfi.Layer
	cfiBase   cfi.Metrics // layer counters at the last Reset
	current   *execution
	instances []*instance
	results   []uint64
	id        string
	stack     callStack
	cfg       Configuration
	stats     Statistics
	fuel      uint64
	nextScope resource.Scope
	nextExec  uint64
	state     State
}

// New creates an agent. The configuration is validated and copied.
func New(cfg Configuration, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()

	a := &Agent{
		id:    uuid.NewString(),
		cfg:   cfg,
		stack: newCallStack(cfg.MaxCallDepth),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = Logger()
	}
	a.log = a.log.With(zap.String("agent", a.id), zap.Stringer("mode", cfg.Mode))
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	if a.resources == nil {
		a.resources = resource.NewTable()
	}
	a.async = async.NewTable[*suspension](a.resources, cfg.AsyncCapacity)
	a.cfi = cfi.NewLayer(cfg.CFI, a.log)
	if cfg.InitialFuel != nil {
		a.fuel = *cfg.InitialFuel
	}

	a.log.Debug("agent created",
		zap.Int("max_call_depth", cfg.MaxCallDepth),
		zap.Uint32("max_memory", cfg.MaxMemory),
		zap.Bool("bounded", cfg.BoundedExecution))
	return a, nil
}

// ID returns the agent's unique id.
func (a *Agent) ID() string { return a.id }

// Configuration returns a copy of the configuration.
func (a *Agent) Configuration() Configuration { return a.cfg.clone() }

// Mode returns the execution mode.
func (a *Agent) Mode() ExecutionMode { return a.cfg.Mode }

// Resources returns the agent's resource table.
func (a *Agent) Resources() *resource.Table { return a.resources }

// State returns the execution state.
func (a *Agent) State() State { return a.state }

// CallStackDepth returns the number of live frames.
func (a *Agent) CallStackDepth() int { return a.stack.depth() }

// Fuel returns the remaining fuel. It is meaningful only for bounded
// configurations.
func (a *Agent) Fuel() uint64 { return a.fuel }

// Refuel adds fuel for subsequent calls.
func (a *Agent) Refuel(n uint64) { a.fuel += n }

// Statistics returns a copy of the counters.
func (a *Agent) Statistics() Statistics {
	s := a.stats
	m := a.cfi.Metrics()
	s.CFIChecks = m.Checks - a.cfiBase.Checks
	s.CFIViolations = m.Violations - a.cfiBase.Violations
	return s
}

// Pending returns the tokens of suspended executions.
func (a *Agent) Pending() []async.Token { return a.async.Pending() }

// Frames returns a copy of the live call stack, outermost first.
func (a *Agent) Frames() []CallFrame { return a.stack.snapshot() }

// Instantiate registers a module with its memory provider and host
// callbacks. Control targets are resolved here once.
func (a *Agent) Instantiate(m *instr.Module, mem wasmagent.Memory, alloc wasmagent.Allocator, hosts HostFuncs) (InstanceID, error) {
	if a.state == StateClosed {
		return 0, errors.New(errors.PhaseLoad, errors.KindClosed).Detail("agent closed").Build()
	}
	if m == nil {
		return 0, errors.InvalidInput(errors.PhaseLoad, "nil module")
	}
	if err := instr.Resolve(m); err != nil {
		return 0, err
	}
	for i, f := range m.Functions {
		if len(f.Type.Params)+len(f.Locals) > a.cfg.MaxLocals {
			return 0, errors.LimitExceeded(errors.PhaseLoad, "locals of function "+functionLabel(m, uint32(i)),
				uint64(len(f.Type.Params)+len(f.Locals)), uint64(a.cfg.MaxLocals))
		}
	}
	for i, e := range m.Exports {
		if int(e.Function) >= len(m.Functions) {
			return 0, errors.NotFound(errors.PhaseLoad, "function of export "+m.Exports[i].Name, e.Function)
		}
	}
	if !a.cfg.Mode.AsyncEnabled() {
		for _, imp := range m.Imports {
			if _, ok := hosts[imp.Name]; !ok && imp.Async {
				return 0, errors.InvalidInput(errors.PhaseLoad,
					"async import %q needs a host function in mode %s", imp.Name, a.cfg.Mode)
			}
		}
	}

	inst := &instance{
		id:     InstanceID(len(a.instances) + 1),
		module: m,
		mem:    mem,
		alloc:  alloc,
		hosts:  hosts,
		bridge: canon.NewBridge(mem, alloc, canon.WithLimits(a.cfg.limits())),
		sigs:   make([]uint64, len(m.Functions)),
	}
	for i, f := range m.Functions {
		inst.sigs[i] = cfi.SignatureHash(f.Type.Params, f.Type.Results)
	}
	a.instances = append(a.instances, inst)

	a.log.Debug("module instantiated",
		zap.Uint32("instance", uint32(inst.id)),
		zap.String("module", m.Name),
		zap.Int("functions", len(m.Functions)))
	return inst.id, nil
}

func functionLabel(m *instr.Module, idx uint32) string {
	if int(idx) < len(m.Functions) && m.Functions[idx].Name != "" {
		return m.Functions[idx].Name
	}
	return "#" + strconv.FormatUint(uint64(idx), 10)
}

func (a *Agent) instance(id InstanceID) (*instance, error) {
	if id == 0 || int(id) > len(a.instances) {
		return nil, errors.NotFound(errors.PhaseExecute, "instance", id)
	}
	return a.instances[id-1], nil
}

func (a *Agent) checkIdle() error {
	switch {
	case a.state == StateClosed:
		return errors.New(errors.PhaseExecute, errors.KindClosed).Detail("agent closed").Build()
	case !a.state.acceptsCall():
		return errors.New(errors.PhaseExecute, errors.KindBusy).
			Detail("agent is %s", a.state).
			Build()
	}
	return nil
}

// CallFunction calls function funcIndex of an instance with component-level
// arguments. In async-enabled modes the returned error may wrap a *Pending;
// continue with StepExecution.
func (a *Agent) CallFunction(ctx context.Context, id InstanceID, funcIndex uint32, args []value.Value) ([]value.Value, error) {
	if err := a.checkIdle(); err != nil {
		return nil, err
	}
	inst, err := a.instance(id)
	if err != nil {
		return nil, err
	}
	if int(funcIndex) >= len(inst.module.Functions) {
		return nil, errors.NotFound(errors.PhaseExecute, "function", funcIndex)
	}
	params, results, _ := inst.module.Signature(funcIndex)
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseExecute,
			"function %s expects %d arguments, got %d", functionLabel(inst.module, funcIndex), len(params), len(args))
	}

	ctx, span := a.tracer.Start(ctx, "agent.CallFunction", trace.WithAttributes(
		attribute.String("agent.id", a.id),
		attribute.Int("agent.instance", int(id)),
		attribute.Int("agent.function", int(funcIndex)),
	))
	defer span.End()

	if a.stack.depth() >= a.cfg.MaxCallDepth {
		err := errors.CallStackExhausted(a.stack.depth()+1, a.cfg.MaxCallDepth)
		endSpan(span, err)
		return nil, err
	}

	a.nextExec++
	exec := &execution{
		id:       a.nextExec,
		inst:     inst,
		function: funcIndex,
		results:  results,
	}
	frame, err := a.enter(inst, funcIndex, params, args, exec)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	if err := a.pushFrame(frame); err != nil {
		a.abortEntry(inst, frame, exec)
		endSpan(span, err)
		return nil, err
	}

	a.current = exec
	a.results = nil
	a.state = StateRunning
	runErr := a.enterEntryCFI(inst, a.stack.top())
	if runErr == nil {
		runErr = a.run(ctx)
	}
	out, err := a.finish(ctx, exec, runErr)
	endSpan(span, err)
	return out, err
}

// enter lowers args into a new entry frame. Nothing is left behind on
// failure.
func (a *Agent) enter(inst *instance, funcIndex uint32, params []wit.Type, args []value.Value, exec *execution) (CallFrame, error) {
	fn := &inst.module.Functions[funcIndex]
	a.nextScope++
	scope := a.nextScope

	lw := &frameLowerer{table: a.resources, scope: scope, holder: resource.Owner(inst.id)}
	inst.bridge.SetResources(lw)
	ops, err := inst.bridge.Lower(args, params)
	inst.bridge.SetResources(nil)
	if err != nil {
		a.resources.ReleaseScope(scope)
		return CallFrame{}, err
	}
	if len(ops.Values) != len(fn.Type.Params) {
		inst.bridge.Free(ops)
		a.resources.ReleaseScope(scope)
		return CallFrame{}, errors.InvalidInput(errors.PhaseLower,
			"function %s takes %d core parameters, signature lowers to %d",
			functionLabel(inst.module, funcIndex), len(fn.Type.Params), len(ops.Values))
	}
	for _, h := range lw.owns {
		if err := a.resources.Transfer(h, resource.Owner(inst.id)); err != nil {
			inst.bridge.Free(ops)
			a.resources.ReleaseScope(scope)
			return CallFrame{}, err
		}
	}
	exec.lowered = ops

	return CallFrame{
		Locals:      newLocals(ops.Values, fn),
		Borrows:     lw.borrows,
		Scope:       scope,
		Instance:    inst.id,
		Function:    funcIndex,
		Caller:      -1,
		ReturnArity: len(fn.Type.Results),
	}, nil
}

// abortEntry undoes enter when the entry frame could not start.
func (a *Agent) abortEntry(inst *instance, f CallFrame, exec *execution) {
	a.resources.ReleaseScope(f.Scope)
	inst.bridge.Free(exec.lowered)
	exec.lowered = canon.RawOperands{}
}

func newLocals(args []uint64, fn *instr.Function) []uint64 {
	locals := make([]uint64, len(args)+len(fn.Locals))
	copy(locals, args)
	return locals
}

// finish completes a run: lifting results, unwinding on error or parking
// the execution when it suspended.
func (a *Agent) finish(ctx context.Context, exec *execution, runErr error) ([]value.Value, error) {
	if p, ok := AsPending(runErr); ok {
		a.state = StateSuspended
		trace.SpanFromContext(ctx).AddEvent("suspended", trace.WithAttributes(
			attribute.Int64("agent.token", int64(p.Token))))
		return nil, runErr
	}

	if runErr != nil {
		a.unwind()
		a.discard(exec)
		a.release(exec)
		a.state = StateTrapped
		if errors.HasKind(runErr, errors.KindTrap) {
			a.stats.Traps++
		}
		a.log.Debug("execution failed", zap.Uint64("execution", exec.id), zap.Error(runErr))
		return nil, runErr
	}

	raw := a.results
	a.results = nil
	out, err := exec.inst.bridge.Lift(raw, exec.results)
	if err == nil {
		err = a.returnOwned(out)
	}
	if err != nil {
		a.discard(exec)
	}
	a.release(exec)
	if err != nil {
		a.state = StateTrapped
		return nil, err
	}
	a.state = StateCompleted
	return out, nil
}

// discard drops the handles a failed execution created that its instance
// still owns. Handles already passed to the host are left alone.
func (a *Agent) discard(exec *execution) {
	owner := resource.Owner(exec.inst.id)
	for _, h := range exec.created {
		e, ok := a.resources.Lookup(h)
		if !ok || e.IsBorrow() || e.Owner != owner || !e.State.Live() {
			continue
		}
		if err := a.resources.Drop(h); err != nil {
			a.log.Warn("drop of abandoned handle", zap.Uint32("handle", uint32(h)), zap.Error(err))
			continue
		}
		a.stats.ResourcesDropped++
	}
	exec.created = nil
}

// release frees what the execution lowered and forgets it.
func (a *Agent) release(exec *execution) {
	exec.inst.bridge.Free(exec.lowered)
	exec.lowered = canon.RawOperands{}
	if a.current == exec {
		a.current = nil
	}
}

// returnOwned hands own handles in results back to the host.
func (a *Agent) returnOwned(results []value.Value) error {
	var err error
	for _, v := range results {
		walkOwn(v, func(h uint32) {
			if err != nil {
				return
			}
			err = a.resources.Transfer(resource.Handle(h), resource.OwnerHost)
		})
	}
	return err
}

func walkOwn(v value.Value, fn func(uint32)) {
	switch {
	case v.Kind == value.KindOwn:
		fn(v.Handle())
	case v.Payload != nil:
		walkOwn(*v.Payload, fn)
	default:
		for _, e := range v.Elems {
			walkOwn(e, fn)
		}
	}
}

// unwind pops every frame, releasing frame-scoped borrows.
func (a *Agent) unwind() int {
	n := 0
	for a.stack.depth() > 0 {
		f := a.stack.pop()
		a.releaseFrame(&f)
		n++
	}
	a.cfi.Unwind(0)
	return n
}

// StepExecution resumes a suspended execution with the host's result. A
// further suspension is reported through the outcome, not as an error.
func (a *Agent) StepExecution(ctx context.Context, tok async.Token, result async.HostResult) (StepOutcome, error) {
	if a.state == StateClosed {
		return StepOutcome{}, errors.New(errors.PhaseAsync, errors.KindClosed).Detail("agent closed").Build()
	}
	if a.state == StateRunning {
		return StepOutcome{}, errors.New(errors.PhaseAsync, errors.KindBusy).Detail("agent is running").Build()
	}

	ctx, span := a.tracer.Start(ctx, "agent.StepExecution", trace.WithAttributes(
		attribute.String("agent.id", a.id),
		attribute.Int64("agent.token", int64(tok)),
	))
	defer span.End()

	c, released, err := a.async.Resume(tok, result)
	if err != nil {
		if errors.HasKind(err, errors.KindCancelled) {
			a.stats.BorrowsReleased += uint64(released)
			a.afterCancel()
		}
		endSpan(span, err)
		return StepOutcome{}, err
	}
	a.stats.AsyncResumptions++

	s := c.Snapshot
	a.stack.restore(s.frames)
	a.cfi.Restore(s.shadow)
	a.current = s.exec
	a.results = nil
	a.state = StateRunning

	var runErr error
	switch {
	case result.Err != nil:
		runErr = errors.New(errors.PhaseExecute, errors.KindTrap).
			Trap(errors.TrapHostFailure).
			Cause(result.Err).
			Detail("host call %q failed", c.Pending.Name).
			Build()
	case len(result.Values) != s.arity:
		runErr = errors.Trap(errors.TrapHostFailure, "host call %q returned %d values, want %d",
			c.Pending.Name, len(result.Values), s.arity)
	default:
		top := a.stack.top()
		top.Operands = append(top.Operands, result.Values...)
		runErr = a.run(ctx)
	}

	out, err := a.finish(ctx, s.exec, runErr)
	if p, ok := AsPending(err); ok {
		return StepOutcome{Status: StepSuspended, Token: p.Token, Call: p.Call}, nil
	}
	endSpan(span, err)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Status: StepCompleted, Results: out}, nil
}

// Cancel discards a suspended execution, releasing the borrows its frames
// held. It returns the number of borrows released.
func (a *Agent) Cancel(tok async.Token) (int, error) {
	released, err := a.async.Cancel(tok)
	if err != nil {
		return 0, err
	}
	a.stats.BorrowsReleased += uint64(released)
	a.afterCancel()
	a.log.Debug("execution cancelled", zap.Uint64("token", uint64(tok)), zap.Int("released", released))
	return released, nil
}

func (a *Agent) afterCancel() {
	a.stats.AsyncCancellations++
	if a.current != nil {
		a.release(a.current)
	}
	a.cfi.Reset()
	if a.state == StateSuspended {
		a.state = StateCancelled
	}
}

// Reset discards suspended executions, clears the call stack and the
// statistics, and refills fuel. Instances stay registered.
func (a *Agent) Reset() {
	a.async.Close()
	a.unwind()
	if a.current != nil {
		a.release(a.current)
	}
	a.cfi.Reset()
	a.cfiBase = a.cfi.Metrics()
	a.stats = Statistics{}
	a.results = nil
	a.fuel = 0
	if a.cfg.InitialFuel != nil {
		a.fuel = *a.cfg.InitialFuel
	}
	if a.state != StateClosed {
		a.state = StateIdle
	}
}

// Close releases the agent. Live frames or suspended executions at close
// are unwound and reported as an abnormal unwind.
func (a *Agent) Close() error {
	if a.state == StateClosed {
		return nil
	}
	frames := a.unwind()
	suspended := a.async.Len()
	released := a.async.Close()
	if a.current != nil {
		a.release(a.current)
	}
	a.state = StateClosed
	a.instances = nil

	if frames > 0 || suspended > 0 {
		a.log.Warn("agent closed with live executions",
			zap.Int("frames", frames),
			zap.Int("suspended", suspended),
			zap.Int("borrows_released", released))
		return errors.New(errors.PhaseExecute, errors.KindAbnormalUnwind).
			Detail("%d frames and %d suspended executions unwound at close", frames, suspended).
			Build()
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	if _, pending := AsPending(err); pending {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// frameLowerer creates the entry frame's handles during lowering. Own
// handles are checked here and transferred once lowering succeeds.
type frameLowerer struct {
	table   *resource.Table
	owns    []resource.Handle
	borrows []resource.Handle
	scope   resource.Scope
	holder  resource.Owner
}

func (l *frameLowerer) LowerOwn(h uint32) (uint32, error) {
	e, ok := l.table.Lookup(resource.Handle(h))
	switch {
	case !ok:
		return 0, errors.ResourceError(h, "own parameter: invalid handle")
	case e.IsBorrow():
		return 0, errors.ResourceError(h, "own parameter: handle is a borrow")
	case e.State != resource.StateReady && e.State != resource.StateActive:
		return 0, errors.ResourceError(h, "own parameter: handle is %s", e.State)
	case e.Borrows > 0:
		return 0, errors.ResourceError(h, "own parameter: %d outstanding borrows", e.Borrows)
	}
	l.owns = append(l.owns, resource.Handle(h))
	return h, nil
}

func (l *frameLowerer) LowerBorrow(h uint32) (uint32, error) {
	b, err := l.table.Borrow(resource.Handle(h), l.holder, l.scope)
	if err != nil {
		return 0, err
	}
	l.borrows = append(l.borrows, b)
	return uint32(b), nil
}
