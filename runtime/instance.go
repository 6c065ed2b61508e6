package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
)

type Instance struct {
	module         *Module
	wazeroInstance *engine.WazeroInstance
}

// Call invokes an exported function with types taken from the module's WIT
// text, or from the export's core signature when there is none.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	if i.module == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "module")
	}
	params, results, err := i.module.GetFunctionTypes(name)
	if err != nil {
		return nil, err
	}
	return i.wazeroInstance.CallWithTypes(ctx, name, params, results, args...)
}

// CallWithTypes invokes an exported function with explicit WIT types.
func (i *Instance) CallWithTypes(ctx context.Context, name string, params, results []wit.Type, args ...any) (any, error) {
	return i.wazeroInstance.CallWithTypes(ctx, name, params, results, args...)
}

// CallRaw invokes an exported function with encoded core values.
func (i *Instance) CallRaw(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	return i.wazeroInstance.Call(ctx, name, args...)
}

// RemainingPoints returns the instance's remaining budget.
func (i *Instance) RemainingPoints() (uint64, error) {
	return i.wazeroInstance.RemainingPoints()
}

// SetRemainingPoints refills the instance's budget.
func (i *Instance) SetRemainingPoints(points uint64) error {
	return i.wazeroInstance.SetRemainingPoints(points)
}

// Points returns the remaining budget and the exhaustion flag.
func (i *Instance) Points() (metering.Points, error) {
	return i.wazeroInstance.Points()
}

// Exhausted reports whether the latest call trapped for running out of
// points. Always false for modules loaded without WithExhaustionFlag.
func (i *Instance) Exhausted() bool {
	p, err := i.wazeroInstance.Points()
	return err == nil && p.Exhausted
}

func (i *Instance) MemorySize() uint32 {
	return i.wazeroInstance.MemorySize()
}

// Module returns the underlying wazero module, for use with the metering
// accessors.
func (i *Instance) Module() api.Module {
	return i.wazeroInstance.Module()
}

func (i *Instance) Close(ctx context.Context) error {
	return i.wazeroInstance.Close(ctx)
}
