package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/wippyai/wasm-agent/agent"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/resource"
	"github.com/wippyai/wasm-agent/value"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/wippyai/wasm-agent/registry"

// DefaultMaxAgents bounds the agents a registry holds.
const DefaultMaxAgents = 32

// AgentID identifies an agent within a registry. Ids are never reused and
// survive migration.
type AgentID uint32

// AgentType tells unified agents from legacy engines.
type AgentType uint8

const (
	TypeUnified AgentType = iota
	TypeLegacy
)

func (t AgentType) String() string {
	if t == TypeLegacy {
		return "legacy"
	}
	return "unified"
}

// PreferredType selects what CreateAgent builds.
type PreferredType uint8

const (
	PreferUnified PreferredType = iota
	PreferLegacyComponent
	PreferLegacyAsync
	// PreferAuto currently always selects a unified agent.
	PreferAuto
)

// MigrationState is the per-agent migration status.
type MigrationState uint8

const (
	MigrationNotRequired MigrationState = iota
	MigrationAvailable
	MigrationPending
	MigrationCompleted
)

var migrationNames = [...]string{
	MigrationNotRequired: "not-required",
	MigrationAvailable:   "available",
	MigrationPending:     "pending",
	MigrationCompleted:   "completed",
}

func (s MigrationState) String() string {
	if int(s) < len(migrationNames) {
		return migrationNames[s]
	}
	return "unknown"
}

// CreationOptions configure CreateAgent. A nil Config selects
// agent.DefaultConfiguration.
type CreationOptions struct {
	Config              *agent.Configuration
	PreferredType       PreferredType
	AllowLegacyFallback bool
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	Engine    string
	Mode      agent.ExecutionMode
	ID        AgentID
	Type      AgentType
	Migration MigrationState
}

// WarningType classifies migration warnings.
type WarningType uint8

const (
	WarningFeatureNotSupported WarningType = iota
	WarningPerformanceImpact
	WarningConfigurationRequired
	WarningAPIChanges
)

var warningNames = [...]string{
	WarningFeatureNotSupported:   "feature-not-supported",
	WarningPerformanceImpact:     "performance-impact",
	WarningConfigurationRequired: "configuration-required",
	WarningAPIChanges:            "api-changes",
}

func (w WarningType) String() string {
	if int(w) < len(warningNames) {
		return warningNames[w]
	}
	return "unknown"
}

// Warning is a note about behavior that differs after a migration.
type Warning struct {
	Message string
	Agent   AgentID
	Type    WarningType
}

// Status summarizes migrations.
type Status struct {
	Pending   []AgentID
	Warnings  []Warning
	Completed int
	Failed    int
}

// Statistics count registry activity.
type Statistics struct {
	UnifiedCreated int
	LegacyCreated  int
	Migrations     int
	Active         int
}

type entry struct {
	mu       sync.Mutex
	unified  *agent.Agent
	legacy   LegacyEngine
	migrated bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTracer sets the tracer used for migration spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithMaxAgents bounds the number of registered agents.
func WithMaxAgents(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithAgentOptions are applied to every agent the registry creates.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(r *Registry) { r.agentOpts = append(r.agentOpts, opts...) }
}

// Registry owns a set of agents and migrates legacy engines to unified
// agents. It is safe for concurrent use; calls into one agent are
// serialized.
type Registry struct {
	log       *zap.Logger
	tracer    trace.Tracer
	entries   map[AgentID]*entry
	agentOpts []agent.Option
	pending   []AgentID
	warnings  []Warning
	stats     Statistics
	completed int
	failed    int
	max       int
	next      AgentID
	mu        sync.RWMutex
	closed    bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[AgentID]*entry),
		max:     DefaultMaxAgents,
		next:    1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = Logger()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// checkOpen and checkCapacity require r.mu held.
func (r *Registry) checkOpen() error {
	if r.closed {
		return errors.New(errors.PhaseRegistry, errors.KindClosed).Detail("registry closed").Build()
	}
	return nil
}

func (r *Registry) checkCapacity() error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if len(r.entries) >= r.max {
		return errors.LimitExceeded(errors.PhaseRegistry, "agents", uint64(len(r.entries)+1), uint64(r.max))
	}
	return nil
}

// CreateAgent builds an agent of the preferred type. Legacy engines are
// only built when AllowLegacyFallback is set.
func (r *Registry) CreateAgent(opts CreationOptions) (AgentID, error) {
	switch opts.PreferredType {
	case PreferUnified, PreferAuto:
		cfg := agent.DefaultConfiguration()
		if opts.Config != nil {
			cfg = *opts.Config
		}
		return r.createUnified(cfg)
	case PreferLegacyComponent, PreferLegacyAsync:
		if !opts.AllowLegacyFallback {
			return 0, errors.InvalidInput(errors.PhaseRegistry, "legacy agents require AllowLegacyFallback")
		}
		var (
			eng LegacyEngine
			err error
		)
		if opts.PreferredType == PreferLegacyComponent {
			eng, err = NewComponentEngine(r.agentOpts...)
		} else {
			eng, err = NewAsyncEngine(r.agentOpts...)
		}
		if err != nil {
			return 0, err
		}
		id, err := r.RegisterLegacy(eng)
		if err != nil {
			_ = eng.Close()
			return 0, err
		}
		return id, nil
	}
	return 0, errors.InvalidInput(errors.PhaseRegistry, "unknown agent type %d", opts.PreferredType)
}

func (r *Registry) createUnified(cfg agent.Configuration) (AgentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCapacity(); err != nil {
		return 0, err
	}
	a, err := agent.New(cfg, r.agentOpts...)
	if err != nil {
		return 0, err
	}
	id := r.next
	r.next++
	r.entries[id] = &entry{unified: a}
	r.stats.UnifiedCreated++
	r.stats.Active++

	r.log.Debug("agent created",
		zap.Uint32("id", uint32(id)),
		zap.String("agent", a.ID()),
		zap.Stringer("mode", a.Mode()))
	return id, nil
}

// RegisterLegacy adds an existing legacy engine. It is queued for
// migration.
func (r *Registry) RegisterLegacy(eng LegacyEngine) (AgentID, error) {
	if eng == nil {
		return 0, errors.InvalidInput(errors.PhaseRegistry, "nil legacy engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCapacity(); err != nil {
		return 0, err
	}
	id := r.next
	r.next++
	r.entries[id] = &entry{legacy: eng}
	r.pending = append(r.pending, id)
	r.stats.LegacyCreated++
	r.stats.Active++

	r.log.Debug("legacy engine registered",
		zap.Uint32("id", uint32(id)),
		zap.String("engine", eng.EngineType()))
	return id, nil
}

func (r *Registry) lookup(id AgentID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "agent", id)
	}
	return e, nil
}

// Agent returns the unified agent registered under id. Callers that use
// the agent directly must not race with CallFunction for the same id.
func (r *Registry) Agent(id AgentID) (*agent.Agent, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unified, e.unified != nil
}

// Legacy returns the legacy engine registered under id.
func (r *Registry) Legacy(id AgentID) (LegacyEngine, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.legacy, e.legacy != nil
}

// CallFunction calls into the agent or legacy engine registered under id.
func (r *Registry) CallFunction(ctx context.Context, id AgentID, inst agent.InstanceID, funcIndex uint32, args []value.Value) ([]value.Value, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.unified != nil:
		return e.unified.CallFunction(ctx, inst, funcIndex, args)
	case e.legacy != nil:
		return e.legacy.CallFunction(ctx, inst, funcIndex, args)
	}
	return nil, errors.NotFound(errors.PhaseRegistry, "agent", id)
}

// MigrateAgent replaces a legacy engine with an equivalent unified agent
// under the same id. The replacement is built completely before it is
// installed. On failure the legacy engine is left registered and
// untouched.
func (r *Registry) MigrateAgent(ctx context.Context, id AgentID) (AgentID, error) {
	_, span := r.tracer.Start(ctx, "registry.MigrateAgent", trace.WithAttributes(
		attribute.Int64("registry.agent", int64(id)),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return 0, endSpan(span, err)
	}
	e, ok := r.entries[id]
	if !ok {
		return 0, endSpan(span, errors.NotFound(errors.PhaseRegistry, "agent", id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.legacy == nil {
		return 0, endSpan(span, errors.Migration(uint32(id), "agent is already unified", nil))
	}
	eng := e.legacy
	span.SetAttributes(attribute.String("registry.engine", eng.EngineType()))

	a, warnings, err := r.rebuild(id, eng)
	if err != nil {
		r.failed++
		r.log.Debug("migration failed", zap.Uint32("id", uint32(id)), zap.Error(err))
		return 0, endSpan(span, err)
	}

	e.unified = a
	e.legacy = nil
	e.migrated = true
	r.removePending(id)
	r.completed++
	r.stats.Migrations++
	r.warnings = append(r.warnings, warnings...)

	if err := eng.Close(); err != nil {
		r.log.Warn("legacy engine close failed after migration", zap.Uint32("id", uint32(id)), zap.Error(err))
	}
	r.log.Debug("agent migrated",
		zap.Uint32("id", uint32(id)),
		zap.String("engine", eng.EngineType()),
		zap.String("agent", a.ID()),
		zap.Int("warnings", len(warnings)))
	return id, nil
}

// rebuild creates the unified agent for eng without touching eng or the
// registry.
func (r *Registry) rebuild(id AgentID, eng LegacyEngine) (*agent.Agent, []Warning, error) {
	if !eng.CanMigrate() {
		return nil, nil, errors.Migration(uint32(id), eng.EngineType()+" engine cannot be migrated", nil)
	}
	snap, err := eng.Snapshot()
	if err != nil {
		return nil, nil, errors.Migration(uint32(id), "snapshot failed", err)
	}
	if len(snap.Frames) > 0 || snap.Suspended > 0 {
		return nil, nil, errors.Migration(uint32(id), "engine has live executions", nil)
	}

	table := resource.NewTable()
	if err := table.Restore(snap.Resources, snap.Generations); err != nil {
		return nil, nil, errors.Migration(uint32(id), "resource table restore failed", err)
	}
	cfg := eng.MigrationConfig()
	opts := append(append([]agent.Option(nil), r.agentOpts...), agent.WithResourceTable(table))
	a, err := agent.New(cfg, opts...)
	if err != nil {
		_ = table.Close()
		return nil, nil, errors.Migration(uint32(id), "invalid migration configuration", err)
	}

	fail := func(detail string, cause error) (*agent.Agent, []Warning, error) {
		_ = a.Close()
		_ = table.Close()
		return nil, nil, errors.Migration(uint32(id), detail, cause)
	}
	var warnings []Warning
	for _, spec := range snap.Instances {
		got, err := a.Instantiate(spec.Module, spec.Memory, spec.Alloc, spec.Hosts)
		if err != nil {
			return fail("instance "+spec.Module.Name+" could not be recreated", err)
		}
		if spec.ID != 0 && got != spec.ID {
			return fail("instance ids diverged", nil)
		}
		if spec.Memory == nil {
			warnings = append(warnings, Warning{
				Agent:   id,
				Type:    WarningConfigurationRequired,
				Message: "instance " + spec.Module.Name + " has no memory; string and list arguments will fail",
			})
		}
	}
	if cfg.Mode.AsyncEnabled() {
		warnings = append(warnings, Warning{
			Agent:   id,
			Type:    WarningAPIChanges,
			Message: "pending host calls are completed with StepExecution instead of the engine's Step",
		})
	}
	if cfg.Mode.CFIEnabled() {
		warnings = append(warnings, Warning{
			Agent:   id,
			Type:    WarningPerformanceImpact,
			Message: "control-flow checks run on every call and return",
		})
	}
	return a, warnings, nil
}

func (r *Registry) removePending(id AgentID) {
	for i, p := range r.pending {
		if p == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// MigrateAll migrates every legacy engine and returns how many succeeded.
// Failures are collected; one failure does not stop the others.
func (r *Registry) MigrateAll(ctx context.Context) (int, error) {
	r.mu.RLock()
	var ids []AgentID
	for id, e := range r.entries {
		e.mu.Lock()
		if e.legacy != nil {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		merr     *multierror.Error
		migrated int
	)
	for _, id := range ids {
		if _, err := r.MigrateAgent(ctx, id); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		migrated++
	}
	return migrated, merr.ErrorOrNil()
}

// GetAgentInfo describes the agent registered under id.
func (r *Registry) GetAgentInfo(id AgentID) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return AgentInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	info := AgentInfo{ID: id}
	switch {
	case e.unified != nil:
		info.Type = TypeUnified
		info.Engine = "unified"
		info.Mode = e.unified.Mode()
		info.Migration = MigrationNotRequired
		if e.migrated {
			info.Migration = MigrationCompleted
		}
	case e.legacy != nil:
		info.Type = TypeLegacy
		info.Engine = e.legacy.EngineType()
		info.Mode = e.legacy.MigrationConfig().Mode
		info.Migration = MigrationAvailable
		for _, p := range r.pending {
			if p == id {
				info.Migration = MigrationPending
				break
			}
		}
	}
	return info, true
}

// MigrationStatus returns a copy of the migration summary.
func (r *Registry) MigrationStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Status{
		Pending:   append([]AgentID(nil), r.pending...),
		Warnings:  append([]Warning(nil), r.warnings...),
		Completed: r.completed,
		Failed:    r.failed,
	}
}

// Statistics returns a copy of the counters.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// RemoveAgent unregisters and closes the agent under id. The agent is
// removed even when closing it reports an error.
func (r *Registry) RemoveAgent(id AgentID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound(errors.PhaseRegistry, "agent", id)
	}
	delete(r.entries, id)
	r.removePending(id)
	r.stats.Active--
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.close()
}

func (e *entry) close() error {
	switch {
	case e.unified != nil:
		return e.unified.Close()
	case e.legacy != nil:
		return e.legacy.Close()
	}
	return nil
}

// Close closes every registered agent. Errors are aggregated.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[AgentID]*entry)
	r.pending = nil
	r.stats.Active = 0
	r.mu.Unlock()

	ids := make([]AgentID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var merr *multierror.Error
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		if err := e.close(); err != nil {
			merr = multierror.Append(merr, errors.Wrap(errors.PhaseRegistry, errors.KindAbnormalUnwind, err, "closing agent"))
		}
		e.mu.Unlock()
	}
	return merr.ErrorOrNil()
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
