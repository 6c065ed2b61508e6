package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/middleware"
	"github.com/wippyai/wasm-meter/runtime"
)

type options struct {
	wasmFile    string
	funcName    string
	args        string
	costsFile   string
	outFile     string
	cacheDir    string
	limit       uint64
	list        bool
	interactive bool
	flag        bool
	stats       bool
	verbose     bool
}

func main() {
	var o options
	flag.StringVar(&o.wasmFile, "wasm", "", "Path to core wasm module")
	flag.StringVar(&o.funcName, "func", "", "Function to call (optional)")
	flag.StringVar(&o.args, "args", "", "Arguments, comma-separated (e.g. 2,3)")
	flag.StringVar(&o.costsFile, "costs", "", "YAML cost table (default: every instruction costs 1)")
	flag.StringVar(&o.outFile, "out", "", "Write the instrumented module to this path")
	flag.StringVar(&o.cacheDir, "cache", "", "Compilation cache directory")
	flag.Uint64Var(&o.limit, "limit", 1_000_000, "Initial remaining points")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.BoolVar(&o.flag, "flag", false, "Export metering_points_exhausted")
	flag.BoolVar(&o.stats, "stats", false, "Print instrumentation and call counters")
	flag.BoolVar(&o.verbose, "v", false, "Debug logging")
	flag.Parse()

	if o.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: meter -wasm <file.wasm> [-limit n] [-costs costs.yaml] [-func name] [-args a,b]")
		fmt.Fprintln(os.Stderr, "       meter -wasm <file.wasm> -out <metered.wasm>")
		fmt.Fprintln(os.Stderr, "       meter -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       meter -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	log := newLogger(o.verbose)
	defer log.Sync()

	if o.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(o); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	log := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	engine.SetLogger(log)
	middleware.SetLogger(log)
	metering.SetLogger(log)
	return log
}

// loadOptions turns the metering flags into LoadWASM options.
func loadOptions(o options) ([]runtime.LoadOption, *metering.CostTable, error) {
	opts := []runtime.LoadOption{runtime.WithPoints(o.limit)}
	var table *metering.CostTable
	if o.costsFile != "" {
		var err error
		table, err = metering.LoadCostTable(o.costsFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, runtime.WithCostTable(table))
	}
	if o.flag {
		opts = append(opts, runtime.WithExhaustionFlag())
	}
	return opts, table, nil
}

func run(o options) error {
	ctx := context.Background()

	data, err := os.ReadFile(o.wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	opts, table, err := loadOptions(o)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	rt, err := runtime.NewWithConfig(ctx, &engine.Config{
		CacheDir:   o.cacheDir,
		EnableWASI: true,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	mod, err := rt.LoadWASM(ctx, data, opts...)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}

	st := mod.Stats()
	fmt.Printf("Module: %s\n", o.wasmFile)
	fmt.Printf("Budget: %d points\n", o.limit)
	if table != nil {
		fmt.Printf("Cost table: %s (default %d, %d entries)\n", o.costsFile, table.Default, len(table.Costs))
	}
	fmt.Printf("Instrumented %d functions: %d -> %d instructions in %s\n",
		st.Functions, st.InstructionsIn, st.InstructionsOut, st.Duration)

	if o.outFile != "" {
		if err := os.WriteFile(o.outFile, mod.Binary(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", o.outFile, err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", o.outFile, len(mod.Binary()))
		if o.funcName == "" {
			return nil
		}
	}

	exports := mod.Exports()
	fmt.Printf("\nExported functions:\n")
	for _, e := range exports {
		params, results, err := mod.GetFunctionTypes(e.Name)
		if err != nil {
			fmt.Printf("  %s (%v)\n", e.Name, err)
			continue
		}
		fmt.Printf("  %s\n", formatSignature(e.Name, params, results))
	}

	if o.list {
		return nil
	}

	funcName := o.funcName
	if funcName == "" {
		funcName = pickEntryPoint(exports)
		if funcName == "" {
			fmt.Printf("\nNo function specified and no common entry point found.\n")
			fmt.Printf("Use -func to specify a function to call.\n")
			return nil
		}
	}

	args, err := parseArgs(mod, funcName, o.args)
	if err != nil {
		return err
	}

	inst, err := mod.InstantiateWithConfig(ctx, &engine.InstanceConfig{
		ModuleConfig: wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions().
			WithStdout(os.Stdout).
			WithStderr(os.Stderr).
			WithArgs(o.wasmFile),
	})
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	fmt.Printf("\nCalling %s(%s)...\n", funcName, o.args)
	result, callErr := inst.Call(ctx, funcName, args...)

	points, perr := inst.Points()
	if perr == nil {
		fmt.Printf("Remaining points: %d (used %d)\n", points.Remaining, o.limit-points.Remaining)
	}

	if o.stats {
		printMetrics(reg)
	}

	if callErr != nil {
		if errors.IsPointsExhausted(callErr) || points.Exhausted {
			return fmt.Errorf("call %s: out of points: %w", funcName, callErr)
		}
		return fmt.Errorf("call %s: %w", funcName, callErr)
	}
	fmt.Printf("Result: %v\n", result)
	return nil
}

func pickEntryPoint(exports []runtime.Export) string {
	for _, name := range []string{"_start", "run", "main"} {
		for _, e := range exports {
			if e.Name == name {
				return name
			}
		}
	}
	if len(exports) == 1 {
		return exports[0].Name
	}
	return ""
}

func parseArgs(mod *runtime.Module, funcName, raw string) ([]any, error) {
	params, _, err := mod.GetFunctionTypes(funcName)
	if err != nil {
		return nil, err
	}
	var parts []string
	if raw != "" {
		parts = strings.Split(raw, ",")
	}
	if len(parts) != len(params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", funcName, len(params), len(parts))
	}
	args := make([]any, len(parts))
	for i, p := range parts {
		v, err := engine.ParseValue(params[i], strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	fmt.Printf("\nCounters:\n")
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				fmt.Printf("  %-40s %g\n", f.GetName(), c.GetValue())
			}
			if h := m.GetHistogram(); h != nil {
				fmt.Printf("  %-40s %g over %d\n", f.GetName(), h.GetSampleSum(), h.GetSampleCount())
			}
		}
	}
}
