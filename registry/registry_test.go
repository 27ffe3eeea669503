package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-agent/agent"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/memory"
	"github.com/wippyai/wasm-agent/resource"
	"github.com/wippyai/wasm-agent/value"
)

const counter = `
module counter
import fetch (i32) -> (i32) async
func wrap (i32) -> (i32)
  local.get 0
  resource.new 3
end
func add (i32 i32) -> (i32)
  local.get 0
  local.get 1
  i32.add
end
func slow (i32) -> (i32)
  local.get 0
  call_host fetch
end
`

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func instantiate(t *testing.T, e *engine) agent.InstanceID {
	t.Helper()
	mem := memory.NewLinear(memory.PageSize, 2*memory.PageSize)
	hosts := agent.HostFuncs{"fetch": func(_ context.Context, args []uint64) ([]uint64, error) {
		return args, nil
	}}
	id, err := e.Instantiate(instr.MustParse(counter), mem, mem, hosts)
	require.NoError(t, err)
	return id
}

func TestCreateUnified(t *testing.T) {
	r := newRegistry(t)

	cfg := agent.ModeConfiguration(agent.Stackless)
	id, err := r.CreateAgent(CreationOptions{Config: &cfg})
	require.NoError(t, err)
	auto, err := r.CreateAgent(CreationOptions{PreferredType: PreferAuto})
	require.NoError(t, err)
	assert.NotEqual(t, id, auto)

	info, ok := r.GetAgentInfo(id)
	require.True(t, ok)
	assert.Equal(t, TypeUnified, info.Type)
	assert.Equal(t, MigrationNotRequired, info.Migration)
	assert.Equal(t, agent.Stackless, info.Mode)

	a, ok := r.Agent(id)
	require.True(t, ok)
	assert.Equal(t, agent.Stackless, a.Mode())
	_, ok = r.Legacy(id)
	assert.False(t, ok)

	assert.Equal(t, Statistics{UnifiedCreated: 2, Active: 2}, r.Statistics())
}

func TestCreateRejectsInvalidConfiguration(t *testing.T) {
	r := newRegistry(t)
	cfg := agent.DefaultConfiguration()
	cfg.MaxCallDepth = 0

	_, err := r.CreateAgent(CreationOptions{Config: &cfg})
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))
	assert.Zero(t, r.Statistics().Active)
}

func TestLegacyRequiresFallback(t *testing.T) {
	r := newRegistry(t)

	_, err := r.CreateAgent(CreationOptions{PreferredType: PreferLegacyComponent})
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))

	id, err := r.CreateAgent(CreationOptions{PreferredType: PreferLegacyAsync, AllowLegacyFallback: true})
	require.NoError(t, err)
	info, ok := r.GetAgentInfo(id)
	require.True(t, ok)
	assert.Equal(t, TypeLegacy, info.Type)
	assert.Equal(t, EngineAsync, info.Engine)
	assert.Equal(t, MigrationPending, info.Migration)
	assert.Equal(t, agent.Asynchronous, info.Mode)
	assert.Equal(t, []AgentID{id}, r.MigrationStatus().Pending)
	assert.Equal(t, 1, r.Statistics().LegacyCreated)
}

func TestMigrationPreservesResources(t *testing.T) {
	r := newRegistry(t)
	eng, err := NewComponentEngine()
	require.NoError(t, err)
	inst := instantiate(t, &eng.engine)
	ctx := context.Background()

	table := eng.Resources()
	_, err = table.Allocate(1, "config")
	require.NoError(t, err)
	gone, err := table.Allocate(1, "scratch")
	require.NoError(t, err)
	out, err := eng.CallFunction(ctx, inst, 0, []value.Value{value.U32(77)})
	require.NoError(t, err)
	wrapped := resource.Handle(out[0].AsU32())
	require.NoError(t, table.Drop(gone))
	before := table.Snapshot()
	require.Len(t, before, 2)

	id, err := r.RegisterLegacy(eng)
	require.NoError(t, err)
	migrated, err := r.MigrateAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, migrated)

	a, ok := r.Agent(id)
	require.True(t, ok)
	assert.Equal(t, before, a.Resources().Snapshot())
	assert.Equal(t, resource.StateDropped, a.Resources().State(gone))
	fresh, err := a.Resources().Allocate(1, "fresh")
	require.NoError(t, err)
	assert.NotEqual(t, gone, fresh, "a handle dropped before migration is not issued again")
	assert.Equal(t, resource.StateDropped, a.Resources().State(gone))
	require.NoError(t, a.Resources().Drop(fresh))
	e, ok := a.Resources().Lookup(wrapped)
	require.True(t, ok)
	assert.Equal(t, uint32(77), e.Rep)
	assert.Equal(t, resource.Owner(inst), e.Owner)

	got, err := r.CallFunction(ctx, id, inst, 1, []value.Value{value.U32(2), value.U32(3)})
	require.NoError(t, err)
	assert.True(t, value.EqualSlices([]value.Value{value.U32(5)}, got))

	info, _ := r.GetAgentInfo(id)
	assert.Equal(t, TypeUnified, info.Type)
	assert.Equal(t, MigrationCompleted, info.Migration)

	status := r.MigrationStatus()
	assert.Empty(t, status.Pending)
	assert.Equal(t, 1, status.Completed)
	assert.Zero(t, status.Failed)
	assert.Equal(t, 1, r.Statistics().Migrations)

	_, err = eng.Snapshot()
	assert.True(t, errors.HasKind(err, errors.KindClosed), "legacy engine is closed after migration")

	_, err = r.MigrateAgent(ctx, id)
	assert.True(t, errors.HasKind(err, errors.KindMigration))
}

func TestMigrationOfSuspendedEngineLeavesItIntact(t *testing.T) {
	r := newRegistry(t)
	eng, err := NewAsyncEngine()
	require.NoError(t, err)
	inst := instantiate(t, &eng.engine)
	id, err := r.RegisterLegacy(eng)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.CallFunction(ctx, id, inst, 2, []value.Value{value.U32(4)})
	p, ok := agent.AsPending(err)
	require.True(t, ok)

	_, err = r.MigrateAgent(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindMigration))

	legacy, ok := r.Legacy(id)
	require.True(t, ok)
	assert.Same(t, eng, legacy)
	info, _ := r.GetAgentInfo(id)
	assert.Equal(t, MigrationPending, info.Migration)
	assert.Equal(t, 1, r.MigrationStatus().Failed)

	out, err := eng.Step(ctx, p.Token, async.HostResult{Values: []uint64{40}})
	require.NoError(t, err)
	assert.True(t, value.EqualSlices([]value.Value{value.U32(40)}, out.Results))

	_, err = r.MigrateAgent(ctx, id)
	require.NoError(t, err)
	status := r.MigrationStatus()
	require.Len(t, status.Warnings, 1)
	assert.Equal(t, WarningAPIChanges, status.Warnings[0].Type)
	assert.Equal(t, id, status.Warnings[0].Agent)
}

// brokenEngine reports an instance that cannot be recreated.
type brokenEngine struct {
	closed bool
}

func (*brokenEngine) EngineType() string { return "broken" }
func (*brokenEngine) CanMigrate() bool   { return true }
func (*brokenEngine) MigrationConfig() agent.Configuration {
	return agent.DefaultConfiguration()
}

func (*brokenEngine) Snapshot() (LegacySnapshot, error) {
	m := instr.MustParse("func f ()\nend")
	m.Exports = []instr.Export{{Name: "missing", Function: 9}}
	return LegacySnapshot{Instances: []InstanceSpec{{Module: m, ID: 1}}}, nil
}

func (*brokenEngine) CallFunction(context.Context, agent.InstanceID, uint32, []value.Value) ([]value.Value, error) {
	return nil, nil
}

func (b *brokenEngine) Close() error {
	b.closed = true
	return nil
}

func TestMigrateAllCollectsFailures(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	ok1, err := r.CreateAgent(CreationOptions{PreferredType: PreferLegacyComponent, AllowLegacyFallback: true})
	require.NoError(t, err)
	broken := &brokenEngine{}
	bad, err := r.RegisterLegacy(broken)
	require.NoError(t, err)
	ok2, err := r.CreateAgent(CreationOptions{PreferredType: PreferLegacyAsync, AllowLegacyFallback: true})
	require.NoError(t, err)
	unified, err := r.CreateAgent(CreationOptions{})
	require.NoError(t, err)

	n, err := r.MigrateAll(ctx)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindMigration))
	assert.False(t, broken.closed)

	for _, id := range []AgentID{ok1, ok2} {
		info, _ := r.GetAgentInfo(id)
		assert.Equal(t, MigrationCompleted, info.Migration)
	}
	info, _ := r.GetAgentInfo(unified)
	assert.Equal(t, MigrationNotRequired, info.Migration)
	info, _ = r.GetAgentInfo(bad)
	assert.Equal(t, TypeLegacy, info.Type)
	assert.Equal(t, []AgentID{bad}, r.MigrationStatus().Pending)
}

func TestCapacity(t *testing.T) {
	r := newRegistry(t, WithMaxAgents(2))

	_, err := r.CreateAgent(CreationOptions{})
	require.NoError(t, err)
	_, err = r.CreateAgent(CreationOptions{PreferredType: PreferLegacyComponent, AllowLegacyFallback: true})
	require.NoError(t, err)
	_, err = r.CreateAgent(CreationOptions{})
	assert.True(t, errors.HasKind(err, errors.KindLimitExceeded))
	_, err = r.RegisterLegacy(&brokenEngine{})
	assert.True(t, errors.HasKind(err, errors.KindLimitExceeded))
}

func TestRemoveAgent(t *testing.T) {
	r := newRegistry(t)
	id, err := r.CreateAgent(CreationOptions{PreferredType: PreferLegacyComponent, AllowLegacyFallback: true})
	require.NoError(t, err)

	require.NoError(t, r.RemoveAgent(id))
	_, ok := r.GetAgentInfo(id)
	assert.False(t, ok)
	assert.Empty(t, r.MigrationStatus().Pending)
	assert.Zero(t, r.Statistics().Active)

	assert.True(t, errors.HasKind(r.RemoveAgent(id), errors.KindNotFound))
	_, err = r.CallFunction(context.Background(), id, 1, 0, nil)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))

	next, err := r.CreateAgent(CreationOptions{})
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestCloseReportsLiveExecutions(t *testing.T) {
	r := New()
	eng, err := NewAsyncEngine()
	require.NoError(t, err)
	inst := instantiate(t, &eng.engine)
	id, err := r.RegisterLegacy(eng)
	require.NoError(t, err)
	_, err = r.CreateAgent(CreationOptions{})
	require.NoError(t, err)

	_, err = r.CallFunction(context.Background(), id, inst, 2, []value.Value{value.U32(1)})
	require.ErrorIs(t, err, agent.ErrPending)

	err = r.Close()
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindAbnormalUnwind))
	assert.NoError(t, r.Close())

	_, err = r.CreateAgent(CreationOptions{})
	assert.True(t, errors.HasKind(err, errors.KindClosed))
	_, ok := r.GetAgentInfo(id)
	assert.False(t, ok)
}
