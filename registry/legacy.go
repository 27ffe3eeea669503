package registry

import (
	"context"

	wasmagent "github.com/wippyai/wasm-agent"
	"github.com/wippyai/wasm-agent/agent"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/resource"
	"github.com/wippyai/wasm-agent/value"
)

// Engine type names reported by the bundled legacy engines.
const (
	EngineComponent = "component"
	EngineAsync     = "async"
)

// InstanceSpec is what a module instance was created from. Migration
// instantiates the specs again, in order, so instance ids are preserved.
type InstanceSpec struct {
	Module *instr.Module
	Memory wasmagent.Memory
	Alloc  wasmagent.Allocator
	Hosts  agent.HostFuncs
	ID     agent.InstanceID
}

// LegacySnapshot is the observable state of a legacy engine.
type LegacySnapshot struct {
	Instances []InstanceSpec
	Resources []resource.Entry
	// Generations of every resource slot, see resource.Table.Generations.
	Generations []uint8
	Frames      []agent.CallFrame
	Suspended   int
}

// LegacyEngine is a single-mode engine that predates the unified agent.
type LegacyEngine interface {
	EngineType() string
	CanMigrate() bool
	// MigrationConfig is the configuration of the equivalent unified agent.
	MigrationConfig() agent.Configuration
	Snapshot() (LegacySnapshot, error)
	CallFunction(ctx context.Context, id agent.InstanceID, funcIndex uint32, args []value.Value) ([]value.Value, error)
	Close() error
}

// engine is the state shared by the bundled legacy engines. Each runs a
// fixed-mode agent and remembers how its instances were created.
type engine struct {
	agent     *agent.Agent
	instances []InstanceSpec
	mode      agent.ExecutionMode
	closed    bool
}

func newEngine(mode agent.ExecutionMode, opts ...agent.Option) (engine, error) {
	a, err := agent.New(agent.ModeConfiguration(mode), opts...)
	if err != nil {
		return engine{}, err
	}
	return engine{agent: a, mode: mode}, nil
}

// Instantiate registers a module with the engine.
func (e *engine) Instantiate(m *instr.Module, mem wasmagent.Memory, alloc wasmagent.Allocator, hosts agent.HostFuncs) (agent.InstanceID, error) {
	id, err := e.agent.Instantiate(m, mem, alloc, hosts)
	if err != nil {
		return 0, err
	}
	e.instances = append(e.instances, InstanceSpec{Module: m, Memory: mem, Alloc: alloc, Hosts: hosts, ID: id})
	return id, nil
}

// Resources returns the engine's resource table.
func (e *engine) Resources() *resource.Table { return e.agent.Resources() }

func (e *engine) CallFunction(ctx context.Context, id agent.InstanceID, funcIndex uint32, args []value.Value) ([]value.Value, error) {
	return e.agent.CallFunction(ctx, id, funcIndex, args)
}

func (e *engine) MigrationConfig() agent.Configuration { return agent.ModeConfiguration(e.mode) }

func (e *engine) CanMigrate() bool {
	return !e.closed && e.agent.CallStackDepth() == 0 && len(e.agent.Pending()) == 0
}

func (e *engine) Snapshot() (LegacySnapshot, error) {
	if e.closed {
		return LegacySnapshot{}, errors.New(errors.PhaseRegistry, errors.KindClosed).Detail("engine closed").Build()
	}
	instances := make([]InstanceSpec, len(e.instances))
	copy(instances, e.instances)
	return LegacySnapshot{
		Instances:   instances,
		Resources:   e.agent.Resources().Snapshot(),
		Generations: e.agent.Resources().Generations(),
		Frames:      e.agent.Frames(),
		Suspended:   len(e.agent.Pending()),
	}, nil
}

func (e *engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.agent.Close()
}

// ComponentEngine is the legacy synchronous component engine.
type ComponentEngine struct {
	engine
}

// NewComponentEngine creates a synchronous legacy engine.
func NewComponentEngine(opts ...agent.Option) (*ComponentEngine, error) {
	e, err := newEngine(agent.Synchronous, opts...)
	if err != nil {
		return nil, err
	}
	return &ComponentEngine{engine: e}, nil
}

func (*ComponentEngine) EngineType() string { return EngineComponent }

// AsyncEngine is the legacy asynchronous engine. Host imports marked async
// suspend the call and are completed through Step.
type AsyncEngine struct {
	engine
}

// NewAsyncEngine creates an asynchronous legacy engine.
func NewAsyncEngine(opts ...agent.Option) (*AsyncEngine, error) {
	e, err := newEngine(agent.Asynchronous, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncEngine{engine: e}, nil
}

func (*AsyncEngine) EngineType() string { return EngineAsync }

// Step completes a pending host call.
func (e *AsyncEngine) Step(ctx context.Context, tok async.Token, result async.HostResult) (agent.StepOutcome, error) {
	return e.agent.StepExecution(ctx, tok, result)
}

// Cancel discards a suspended call.
func (e *AsyncEngine) Cancel(tok async.Token) (int, error) {
	return e.agent.Cancel(tok)
}
