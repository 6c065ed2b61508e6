// Package runtime provides the high-level API for running metered WebAssembly modules.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Load a module with a budget of 1000 points
//	mod, err := rt.LoadWASM(ctx, wasmBytes, runtime.WithPoints(1000))
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
//	result, err := inst.Call(ctx, "add", int32(2), int32(3))
//	left, _ := inst.RemainingPoints()
//
// # Loading Modules
//
// LoadWASM instruments the binary before compiling it. Options select the
// budget and its pricing:
//
//	WithPoints(n)          - initial remaining points
//	WithCost(fn)           - per-instruction cost function (default 1 each)
//	WithCostTable(table)   - cost function from a YAML cost table
//	WithExhaustionFlag()   - export metering_points_exhausted
//	WithMiddleware(mw...)  - extra middleware run before metering
//	WithWIT(text)          - WIT signatures for typed calls
//
// Each LoadWASM call creates its own Metering, so every module has its own
// remaining_points global.
//
// # Host Functions
//
// Register Go functions as imports. A cost is charged to the calling
// instance before the function runs:
//
//	rt.RegisterFuncWithCost("env", "hash", 50,
//	    func(ctx context.Context, x int64) int64 {
//	        return x * 31
//	    })
//
//	// Or implement the Host interface for a full namespace
//	rt.RegisterHost(myHost)
//
// # Points
//
// When a call runs out of points the guest traps and Call returns an error
// of kind trap, or points_exhausted when the module has the exhaustion flag.
// The remaining points are left as they were before the failing block, and
// SetRemainingPoints makes the instance usable again.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. You can call
// Module.Instantiate() from multiple goroutines concurrently.
//
// Instance is NOT thread-safe. Each goroutine should have its own
// Instance, or access must be synchronized externally.
package runtime
