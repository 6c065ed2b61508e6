// Package engine runs metered WebAssembly modules on wazero.
//
// The engine owns a wazero runtime and ties it to the middleware pipeline:
//
//	WazeroEngine   - instruments, compiles and hosts functions for modules
//	WazeroModule   - a compiled module, possibly instrumented, ready to instantiate
//	WazeroInstance - a running module with its own remaining-points budget
//
// # Flow
//
//  1. WazeroEngine.LoadModule() runs the middleware chain over the binary and compiles the result
//  2. WazeroModule.Instantiate() resolves host functions and WASI, then instantiates
//  3. WazeroInstance.Call() invokes exports and reports traps as typed errors
//
// Each LoadModule call needs fresh middleware: a metering.Metering records
// the global index it created and refuses a second module.
//
// # Host Functions
//
// Host functions are registered per namespace and instantiated lazily when
// the first module is instantiated. A host function registered with a cost
// deducts it from the caller's remaining points before running, so work done
// on the guest's behalf outside WebAssembly is billed against the same budget.
//
// # Errors
//
// Call returns *errors.Error values of kind trap or points_exhausted. The
// latter is reported when a costed host function ran out of points, or when
// the module was instrumented with the exhaustion flag and the call raised
// it. The flag is lowered at the start of every call.
//
// # Thread Safety
//
// WazeroEngine and WazeroModule are safe for concurrent use. WazeroInstance
// is not; create one instance per goroutine.
package engine
