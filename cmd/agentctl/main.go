package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/wippyai/wasm-agent/agent"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/config"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/memory"
	"github.com/wippyai/wasm-agent/registry"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"
)

func main() {
	var (
		modFile  = flag.String("module", "", "Path to module assembly file")
		cfgFile  = flag.String("config", "", "Path to YAML configuration (optional)")
		funcName = flag.String("func", "", "Function to call")
		argList  = flag.String("args", "", "Arguments (comma-separated)")
		mode     = flag.String("mode", "", "Execution mode, overrides the configuration")
		fuel     = flag.Uint64("fuel", 0, "Instruction budget, overrides the configuration")
		list     = flag.Bool("list", false, "List functions and exit")
		verbose  = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *modFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentctl -module <file> -func name [-args 1,2] [-config agent.yaml]")
		fmt.Fprintln(os.Stderr, "       agentctl -module <file> -list")
		os.Exit(1)
	}

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	defer func() { _ = log.Sync() }()
	agent.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, log, *modFile, *cfgFile, *funcName, *argList, *mode, *fuel, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, modFile, cfgFile, funcName, argList, mode string, fuel uint64, listOnly bool) error {
	src, err := os.ReadFile(modFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	mod, err := instr.Parse(string(src))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	fmt.Printf("Module: %s\n", mod.Name)
	fmt.Printf("Functions: %d\n", len(mod.Functions))
	fmt.Printf("Imports: %d\n", len(mod.Imports))
	if listOnly {
		for i, fn := range mod.Functions {
			params, results, _ := mod.Signature(uint32(i))
			fmt.Printf("  %s(%s) -> (%s)\n", fn.Name, typeList(params), typeList(results))
		}
		return nil
	}

	cf := &config.File{}
	if cfgFile != "" {
		if cf, err = config.Load(cfgFile); err != nil {
			return err
		}
	}
	if mode != "" {
		cf.Agent.Mode = mode
	}
	if fuel > 0 {
		cf.Agent.Fuel = &fuel
	}
	cfg, err := cf.ToAgent()
	if err != nil {
		return err
	}

	reg := registry.New(append(cf.RegistryOptions(), registry.WithLogger(log))...)
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn("close registry", zap.Error(err))
		}
	}()
	id, err := reg.CreateAgent(registry.CreationOptions{Config: &cfg})
	if err != nil {
		return err
	}
	a, _ := reg.Agent(id)

	mem := memory.NewLinear(memory.PageSize, cfg.MaxMemory)
	inst, err := a.Instantiate(mod, mem, mem, echoHosts(mod))
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}

	idx, ok := functionIndex(mod, funcName)
	if !ok {
		return fmt.Errorf("function %q not found", funcName)
	}
	params, _, _ := mod.Signature(idx)
	args, err := parseArgs(params, argList)
	if err != nil {
		return err
	}

	results, err := reg.CallFunction(ctx, id, inst, idx, args)
	for {
		p, ok := agent.AsPending(err)
		if !ok {
			break
		}
		fmt.Printf("suspended on %s%v (token %d)\n", p.Call.Name, p.Call.Args, p.Token)
		out, serr := a.StepExecution(ctx, p.Token, async.HostResult{Values: p.Call.Args})
		if serr != nil {
			err = serr
			break
		}
		if out.Status == agent.StepCompleted {
			results, err = out.Results, nil
			break
		}
		err = &agent.Pending{Call: out.Call, Token: out.Token}
	}

	st := a.Statistics()
	fmt.Printf("\nMode: %s\n", a.Mode())
	fmt.Printf("Instructions: %s\n", humanize.Comma(int64(st.InstructionsExecuted)))
	fmt.Printf("Calls: %d (host %d)\n", st.FunctionCalls, st.HostCalls)
	fmt.Printf("Memory: %s of %s\n", humanize.Bytes(uint64(mem.Size())), humanize.Bytes(uint64(mem.Limit())))
	if cfg.BoundedExecution {
		fmt.Printf("Fuel left: %s\n", humanize.Comma(int64(a.Fuel())))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Result: %s\n", formatValues(results))
	return nil
}

// echoHosts answers every import with its own arguments, truncated or
// zero-padded to the import's result count.
func echoHosts(m *instr.Module) agent.HostFuncs {
	hosts := agent.HostFuncs{}
	for _, imp := range m.Imports {
		n := len(imp.Type.Results)
		hosts[imp.Name] = func(_ context.Context, args []uint64) ([]uint64, error) {
			out := make([]uint64, n)
			copy(out, args)
			return out, nil
		}
	}
	return hosts
}

func functionIndex(m *instr.Module, name string) (uint32, bool) {
	if e, ok := m.ExportByName(name); ok {
		return e.Function, true
	}
	for i, fn := range m.Functions {
		if fn.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

func parseArgs(params []wit.Type, s string) ([]value.Value, error) {
	var fields []string
	if s != "" {
		fields = strings.Split(s, ",")
	}
	if len(fields) != len(params) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(params), len(fields))
	}
	args := make([]value.Value, len(params))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		var err error
		switch params[i].(type) {
		case wit.U64:
			var n uint64
			n, err = strconv.ParseUint(f, 0, 64)
			args[i] = value.U64(n)
		case wit.S64:
			var n int64
			n, err = strconv.ParseInt(f, 0, 64)
			args[i] = value.S64(n)
		case wit.S32:
			var n int64
			n, err = strconv.ParseInt(f, 0, 32)
			args[i] = value.S32(int32(n))
		case wit.F32:
			var x float64
			x, err = strconv.ParseFloat(f, 32)
			args[i] = value.F32(float32(x))
		case wit.F64:
			var x float64
			x, err = strconv.ParseFloat(f, 64)
			args[i] = value.F64(x)
		case wit.String:
			args[i] = value.String(f)
		case wit.U32:
			var n uint64
			n, err = strconv.ParseUint(f, 0, 32)
			args[i] = value.U32(uint32(n))
		default:
			return nil, fmt.Errorf("argument %d: unsupported type %s", i, typeName(params[i]))
		}
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return args, nil
}

func typeList(types []wit.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = typeName(t)
	}
	return strings.Join(names, " ")
}

func typeName(t wit.Type) string {
	return strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", t), "wit."))
}

func formatValues(vs []value.Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
