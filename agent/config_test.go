package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-agent/errors"
)

func TestValidate(t *testing.T) {
	fuel := uint64(10)
	tests := []struct {
		name string
		edit func(*Configuration)
		ok   bool
	}{
		{"defaults", func(*Configuration) {}, true},
		{"zero depth", func(c *Configuration) { c.MaxCallDepth = 0 }, false},
		{"zero memory", func(c *Configuration) { c.MaxMemory = 0 }, false},
		{"negative operand stack", func(c *Configuration) { c.MaxOperandStack = -1 }, false},
		{"bounded without fuel", func(c *Configuration) { c.BoundedExecution = true }, false},
		{"bounded with fuel", func(c *Configuration) { c.BoundedExecution, c.InitialFuel = true, &fuel }, true},
		{"unknown mode", func(c *Configuration) { c.Mode = ExecutionMode{Kind: 42} }, false},
		{"flags outside hybrid", func(c *Configuration) { c.Mode.Flags.Async = true }, false},
		{"hybrid without flags", func(c *Configuration) { c.Mode = Hybrid(HybridFlags{}) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfiguration()
			tt.edit(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, errors.KindInvalidInput))

			_, err = New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestConfigurationIsCopied(t *testing.T) {
	fuel := uint64(7)
	cfg := DefaultConfiguration()
	cfg.BoundedExecution = true
	cfg.InitialFuel = &fuel

	a := newAgent(t, cfg)
	fuel = 1000
	cfg.MaxCallDepth = 1

	got := a.Configuration()
	assert.Equal(t, uint64(7), *got.InitialFuel)
	assert.Equal(t, DefaultMaxCallDepth, got.MaxCallDepth)
	assert.Equal(t, uint64(7), a.Fuel())

	*got.InitialFuel = 1
	assert.Equal(t, uint64(7), *a.Configuration().InitialFuel)
}

func TestCFIFollowsMode(t *testing.T) {
	cfg := DefaultConfiguration()
	require.True(t, cfg.CFI.Enabled)

	assert.False(t, newAgent(t, cfg).Configuration().CFI.Enabled)
	assert.True(t, newAgent(t, ModeConfiguration(CFIProtected)).Configuration().CFI.Enabled)
	assert.True(t, newAgent(t, ModeConfiguration(Hybrid(HybridFlags{CFI: true}))).Configuration().CFI.Enabled)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want ExecutionMode
	}{
		{"", Synchronous},
		{"sync", Synchronous},
		{"Asynchronous", Asynchronous},
		{"stackless", Stackless},
		{"cfi", CFIProtected},
		{"cfi-protected", CFIProtected},
		{"hybrid", Hybrid(HybridFlags{})},
		{"hybrid(async,cfi)", Hybrid(HybridFlags{Async: true, CFI: true})},
		{"hybrid(stackless, async)", Hybrid(HybridFlags{Async: true, Stackless: true})},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := ParseMode(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}

	for _, bad := range []string{"turbo", "hybrid(fast)"} {
		_, err := ParseMode(bad)
		assert.True(t, errors.HasKind(err, errors.KindInvalidInput), bad)
	}
}

func TestModeFlags(t *testing.T) {
	tests := []struct {
		mode                  ExecutionMode
		async, stackless, cfi bool
	}{
		{Synchronous, false, false, false},
		{Asynchronous, true, false, false},
		{Stackless, false, true, false},
		{CFIProtected, false, false, true},
		{Hybrid(HybridFlags{Async: true, Stackless: true, CFI: true}), true, true, true},
		{Hybrid(HybridFlags{Stackless: true}), false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.async, tt.mode.AsyncEnabled())
			assert.Equal(t, tt.stackless, tt.mode.StacklessEnabled())
			assert.Equal(t, tt.cfi, tt.mode.CFIEnabled())
		})
	}
	assert.Equal(t, "hybrid(async,stackless,cfi)", Hybrid(HybridFlags{Async: true, Stackless: true, CFI: true}).String())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "suspended", StateSuspended.String())
	assert.True(t, StateTrapped.acceptsCall())
	assert.False(t, StateSuspended.acceptsCall())
	assert.False(t, StateClosed.acceptsCall())
}
