// Package errors provides structured error types for wasm-meter.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a path, optional Go/WIT type names, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
//		Path("remaining_points").
//		Detail("global has type i32, want i64").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseRuntime, "export", "remaining_points")
//	err := errors.PointsExhausted("run", cause)
//
// All errors implement the standard error interface and support errors.Is/As.
// errors.Is matches on Phase and Kind only.
package errors
