package agent

import (
	"strings"

	"github.com/wippyai/wasm-agent/canon"
	"github.com/wippyai/wasm-agent/cfi"
	"github.com/wippyai/wasm-agent/errors"
)

// Defaults applied by DefaultConfiguration.
const (
	DefaultMaxCallDepth    = 1024
	DefaultMaxMemory       = 1 << 20
	DefaultMaxOperandStack = 4096
	DefaultMaxLocals       = 1024
)

// ModeKind selects one of the closed set of execution modes.
type ModeKind uint8

const (
	ModeSynchronous ModeKind = iota
	ModeAsynchronous
	ModeStackless
	ModeCFIProtected
	ModeHybrid
)

var modeNames = [...]string{
	ModeSynchronous:  "synchronous",
	ModeAsynchronous: "asynchronous",
	ModeStackless:    "stackless",
	ModeCFIProtected: "cfi-protected",
	ModeHybrid:       "hybrid",
}

// HybridFlags selects the sub-behaviors active in hybrid mode.
type HybridFlags struct {
	Async     bool
	Stackless bool
	CFI       bool
}

// ExecutionMode is fixed for the lifetime of an agent. Flags are only
// meaningful for ModeHybrid.
type ExecutionMode struct {
	Kind  ModeKind
	Flags HybridFlags
}

var (
	Synchronous  = ExecutionMode{Kind: ModeSynchronous}
	Asynchronous = ExecutionMode{Kind: ModeAsynchronous}
	Stackless    = ExecutionMode{Kind: ModeStackless}
	CFIProtected = ExecutionMode{Kind: ModeCFIProtected}
)

func Hybrid(flags HybridFlags) ExecutionMode {
	return ExecutionMode{Kind: ModeHybrid, Flags: flags}
}

func (m ExecutionMode) AsyncEnabled() bool {
	return m.Kind == ModeAsynchronous || (m.Kind == ModeHybrid && m.Flags.Async)
}

func (m ExecutionMode) CFIEnabled() bool {
	return m.Kind == ModeCFIProtected || (m.Kind == ModeHybrid && m.Flags.CFI)
}

func (m ExecutionMode) StacklessEnabled() bool {
	return m.Kind == ModeStackless || (m.Kind == ModeHybrid && m.Flags.Stackless)
}

func (m ExecutionMode) String() string {
	if int(m.Kind) >= len(modeNames) {
		return "unknown"
	}
	if m.Kind != ModeHybrid {
		return modeNames[m.Kind]
	}
	var parts []string
	if m.Flags.Async {
		parts = append(parts, "async")
	}
	if m.Flags.Stackless {
		parts = append(parts, "stackless")
	}
	if m.Flags.CFI {
		parts = append(parts, "cfi")
	}
	return "hybrid(" + strings.Join(parts, ",") + ")"
}

// ParseMode reads a mode name. Hybrid flags are given as a list, for
// example "hybrid(async,cfi)".
func ParseMode(s string) (ExecutionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "synchronous", "sync":
		return Synchronous, nil
	case "asynchronous", "async":
		return Asynchronous, nil
	case "stackless":
		return Stackless, nil
	case "cfi-protected", "cfi":
		return CFIProtected, nil
	}
	if !strings.HasPrefix(s, "hybrid") {
		return ExecutionMode{}, errors.InvalidInput(errors.PhaseConfig, "unknown execution mode %q", s)
	}
	rest := strings.TrimPrefix(s, "hybrid")
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	var flags HybridFlags
	for _, f := range strings.Split(rest, ",") {
		switch strings.TrimSpace(f) {
		case "":
		case "async":
			flags.Async = true
		case "stackless":
			flags.Stackless = true
		case "cfi":
			flags.CFI = true
		default:
			return ExecutionMode{}, errors.InvalidInput(errors.PhaseConfig, "unknown hybrid flag %q", f)
		}
	}
	return Hybrid(flags), nil
}

// BridgeConfig bounds canonical lowering. Zero fields take the canon
// defaults.
type BridgeConfig struct {
	MaxStringLength uint32
	MaxListLength   uint32
}

// Configuration is copied into an agent at creation and never changes
// afterwards.
type Configuration struct {
	// InitialFuel is the instruction budget when BoundedExecution is set.
	InitialFuel *uint64

	Mode   ExecutionMode
	Bridge BridgeConfig
	// CFI applies in CFI-enabled modes. CFI.Enabled is forced on there.
	CFI cfi.Config

	MaxCallDepth    int
	MaxMemory       uint32
	MaxOperandStack int
	MaxLocals       int
	// AsyncCapacity bounds suspended executions; zero uses the async default.
	AsyncCapacity int

	BoundedExecution bool
}

// DefaultConfiguration returns a synchronous, unbounded configuration.
func DefaultConfiguration() Configuration {
	return Configuration{
		Mode:            Synchronous,
		CFI:             cfi.DefaultConfig(),
		MaxCallDepth:    DefaultMaxCallDepth,
		MaxMemory:       DefaultMaxMemory,
		MaxOperandStack: DefaultMaxOperandStack,
		MaxLocals:       DefaultMaxLocals,
	}
}

// ModeConfiguration returns the defaults with mode selected.
func ModeConfiguration(mode ExecutionMode) Configuration {
	cfg := DefaultConfiguration()
	cfg.Mode = mode
	return cfg
}

// WithFuel returns a copy of c bounded to fuel instructions.
func (c Configuration) WithFuel(fuel uint64) Configuration {
	c.BoundedExecution = true
	c.InitialFuel = &fuel
	return c
}

// Validate checks the configuration for values an agent cannot run with.
func (c Configuration) Validate() error {
	switch {
	case c.MaxCallDepth <= 0:
		return errors.InvalidInput(errors.PhaseConfig, "max call depth must be positive")
	case c.MaxMemory == 0:
		return errors.InvalidInput(errors.PhaseConfig, "max memory must be positive")
	case c.MaxOperandStack < 0 || c.MaxLocals < 0:
		return errors.InvalidInput(errors.PhaseConfig, "stack bounds must not be negative")
	case c.BoundedExecution && c.InitialFuel == nil:
		return errors.InvalidInput(errors.PhaseConfig, "bounded execution requires initial fuel")
	case int(c.Mode.Kind) >= len(modeNames):
		return errors.InvalidInput(errors.PhaseConfig, "unknown execution mode %d", c.Mode.Kind)
	case c.Mode.Kind != ModeHybrid && c.Mode.Flags != (HybridFlags{}):
		return errors.InvalidInput(errors.PhaseConfig, "hybrid flags set for mode %s", c.Mode)
	}
	return nil
}

// clone copies c so that later changes to the caller's fuel pointer are
// not observed.
func (c Configuration) clone() Configuration {
	if c.InitialFuel != nil {
		fuel := *c.InitialFuel
		c.InitialFuel = &fuel
	}
	if c.MaxOperandStack == 0 {
		c.MaxOperandStack = DefaultMaxOperandStack
	}
	if c.MaxLocals == 0 {
		c.MaxLocals = DefaultMaxLocals
	}
	c.CFI.Enabled = c.Mode.CFIEnabled()
	return c
}

func (c Configuration) limits() canon.Limits {
	l := canon.DefaultLimits()
	l.MaxMemory = c.MaxMemory
	if c.Bridge.MaxStringLength > 0 {
		l.MaxStringLength = c.Bridge.MaxStringLength
	}
	if c.Bridge.MaxListLength > 0 {
		l.MaxListLength = c.Bridge.MaxListLength
	}
	return l
}
