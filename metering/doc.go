// Package metering instruments WebAssembly modules so that execution is
// charged against a budget of points and traps once the budget runs out.
//
// The pass is a middleware.ModuleMiddleware. TransformModule appends a
// mutable i64 global holding the remaining points and exports it as
// "remaining_points". Each function body is then cut into basic blocks; at
// every block boundary (branches, calls, returns, loop heads, else, end) the
// summed cost of the block is checked and subtracted:
//
//	global.get $remaining
//	i64.const <cost>
//	i64.lt_u
//	if
//	  unreachable
//	end
//	global.get $remaining
//	i64.const <cost>
//	i64.sub
//	global.set $remaining
//
// A block whose check fails traps before any of its instructions run, so the
// budget never goes below zero and a trapped call leaves it unchanged.
//
// Usage:
//
//	m := metering.NewMetering(1_000_000, metering.UniformCost(1))
//	out, _, err := middleware.Instrument(ctx, wasmBytes, []middleware.ModuleMiddleware{m}, middleware.Options{})
//	...
//	mod, _ := rt.Instantiate(ctx, out)
//	_, err = mod.ExportedFunction("run").Call(ctx)
//	left := metering.GetRemainingPoints(mod)
//	metering.SetRemainingPoints(mod, 1_000_000)
//
// A Metering instruments exactly one module; create a new one per module.
package metering
