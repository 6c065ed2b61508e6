// Package wasmmeter meters WebAssembly execution by rewriting modules so that
// they account for their own instructions.
//
// A metered module carries an exported mutable i64 global, remaining_points.
// Every basic block subtracts its cost from the global before it runs, and
// traps with unreachable when the budget cannot cover it. The host reads and
// refills the budget between calls.
//
// # Architecture Overview
//
//	wasmmeter/
//	├── wasm/          Core WASM binary model, decoder, encoder, instruction stream
//	├── middleware/    Instrumentation plugin interface and the chain that applies it
//	├── metering/      The metering middleware, cost tables and points accessors
//	├── engine/        wazero integration: instrument, compile, instantiate, call
//	├── runtime/       High-level API for loading metered modules and host functions
//	├── errors/        Structured error types for debugging
//	└── cmd/meter/     Command line tool and interactive TUI
//
// # Quick Start
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.LoadWASM(ctx, wasmBytes, runtime.WithPoints(10_000))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	result, err := inst.Call(ctx, "fib", int32(20))
//	if errors.IsPointsExhausted(err) {
//	    inst.SetRemainingPoints(10_000)
//	}
//
// # Lower Level
//
// The pass can be used without the runtime. Instrument a binary with a
// Metering and read the budget from any wazero module:
//
//	m := metering.NewMetering(10_000, metering.UniformCost(1))
//	out, _, err := middleware.Instrument(ctx, wasmBytes, []middleware.ModuleMiddleware{m}, middleware.Options{})
//	...
//	left := metering.GetRemainingPoints(apiModule)
//
// A Metering value instruments exactly one module. Create a new one per module.
//
// # Thread Safety
//
// Runtime, Module and Metering are safe for concurrent use. Instance is NOT
// thread-safe and should be used by a single goroutine.
package wasmmeter
