// Package config loads agent and registry settings from YAML.
//
//	agent:
//	  mode: hybrid(async,cfi)
//	  fuel: 100000
//	  max_call_depth: 256
//	  max_memory: 4MiB
//	  bridge:
//	    max_string_length: 64KiB
//	  cfi:
//	    policy: terminate
//	registry:
//	  max_agents: 8
//
// Byte sizes accept plain integers or human-readable units.
package config

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/wippyai/wasm-agent/agent"
	"github.com/wippyai/wasm-agent/cfi"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/registry"
)

// File is the top-level document.
type File struct {
	Agent    Agent    `koanf:"agent"`
	Registry Registry `koanf:"registry"`
}

// Agent mirrors agent.Configuration. Unset fields keep their defaults.
type Agent struct {
	Fuel            *uint64 `koanf:"fuel"`
	Mode            string  `koanf:"mode"`
	MaxMemory       string  `koanf:"max_memory"`
	Bridge          Bridge  `koanf:"bridge"`
	CFI             CFI     `koanf:"cfi"`
	MaxCallDepth    int     `koanf:"max_call_depth"`
	MaxOperandStack int     `koanf:"max_operand_stack"`
	MaxLocals       int     `koanf:"max_locals"`
	AsyncCapacity   int     `koanf:"async_capacity"`
}

type Bridge struct {
	MaxStringLength string `koanf:"max_string_length"`
	MaxListLength   uint32 `koanf:"max_list_length"`
}

type CFI struct {
	LandingPads      *bool  `koanf:"landing_pads"`
	Policy           string `koanf:"policy"`
	ShadowStackDepth int    `koanf:"shadow_stack_depth"`
	CallFuelCost     uint64 `koanf:"call_fuel_cost"`
}

type Registry struct {
	MaxAgents int `koanf:"max_agents"`
}

// Load reads a YAML file.
func Load(path string) (*File, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "load "+path)
	}
	return unmarshal(k)
}

// LoadBytes reads a YAML document from memory.
func LoadBytes(data []byte) (*File, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse configuration")
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (*File, error) {
	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode configuration")
	}
	return &f, nil
}

// ToAgent converts the agent section, applying defaults and validating the
// result.
func (f *File) ToAgent() (agent.Configuration, error) {
	a := f.Agent
	mode, err := agent.ParseMode(a.Mode)
	if err != nil {
		return agent.Configuration{}, err
	}
	cfg := agent.ModeConfiguration(mode)
	if a.Fuel != nil {
		cfg = cfg.WithFuel(*a.Fuel)
	}
	if a.MaxCallDepth != 0 {
		cfg.MaxCallDepth = a.MaxCallDepth
	}
	if a.MaxMemory != "" {
		if cfg.MaxMemory, err = size("agent.max_memory", a.MaxMemory); err != nil {
			return agent.Configuration{}, err
		}
	}
	if a.MaxOperandStack != 0 {
		cfg.MaxOperandStack = a.MaxOperandStack
	}
	if a.MaxLocals != 0 {
		cfg.MaxLocals = a.MaxLocals
	}
	cfg.AsyncCapacity = a.AsyncCapacity

	if a.Bridge.MaxStringLength != "" {
		if cfg.Bridge.MaxStringLength, err = size("agent.bridge.max_string_length", a.Bridge.MaxStringLength); err != nil {
			return agent.Configuration{}, err
		}
	}
	cfg.Bridge.MaxListLength = a.Bridge.MaxListLength

	if a.CFI.Policy != "" {
		p, ok := cfi.ParsePolicy(a.CFI.Policy)
		if !ok {
			return agent.Configuration{}, errors.InvalidInput(errors.PhaseConfig, "agent.cfi.policy: unknown policy %q", a.CFI.Policy)
		}
		cfg.CFI.Policy = p
	}
	if a.CFI.ShadowStackDepth != 0 {
		cfg.CFI.ShadowStackDepth = a.CFI.ShadowStackDepth
	}
	if a.CFI.LandingPads != nil {
		cfg.CFI.LandingPads = *a.CFI.LandingPads
	}
	cfg.CFI.CallFuelCost = a.CFI.CallFuelCost

	if err := cfg.Validate(); err != nil {
		return agent.Configuration{}, err
	}
	return cfg, nil
}

// RegistryOptions converts the registry section.
func (f *File) RegistryOptions() []registry.Option {
	var opts []registry.Option
	if f.Registry.MaxAgents > 0 {
		opts = append(opts, registry.WithMaxAgents(f.Registry.MaxAgents))
	}
	return opts
}

func size(key, s string) (uint32, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, key)
	}
	if n == 0 {
		return 0, errors.InvalidInput(errors.PhaseConfig, "%s must be positive", key)
	}
	if n > math.MaxUint32 {
		return 0, errors.LimitExceeded(errors.PhaseConfig, key, n, math.MaxUint32)
	}
	return uint32(n), nil
}
