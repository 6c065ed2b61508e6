// Package middleware drives compile-time instrumentation passes over a
// WebAssembly module.
//
// A pass is a ModuleMiddleware. It first sees the whole module through
// TransformModule, where it may add globals, exports, or types. It then hands
// out one FunctionMiddleware per function body, which is fed the body one
// instruction at a time and decides what to emit in its place:
//
//	stats, err := middleware.Apply(ctx, mod, []middleware.ModuleMiddleware{pass}, middleware.Options{})
//
// When several middlewares are chained, the output of each function
// middleware is the input of the next. Bodies are rewritten in parallel;
// module transforms always run sequentially and first.
package middleware
