package metering

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-meter/errors"
)

// Points is a snapshot of an instance's metering state.
type Points struct {
	Remaining uint64
	// Exhausted is set once a guard trapped for lack of points. It is only
	// tracked when the module was instrumented WithExhaustionFlag. The engine
	// lowers it as each call starts.
	Exhausted bool
}

// GetRemainingPoints returns the instance's remaining budget. It panics with
// an *errors.Error if mod was not instrumented by Metering.
func GetRemainingPoints(mod api.Module) uint64 {
	points, err := RemainingPoints(mod)
	if err != nil {
		panic(err)
	}
	return points
}

// SetRemainingPoints overwrites the instance's remaining budget. It panics
// with an *errors.Error if mod was not instrumented by Metering.
func SetRemainingPoints(mod api.Module, points uint64) {
	if err := ResetRemainingPoints(mod, points); err != nil {
		panic(err)
	}
}

// RemainingPoints is GetRemainingPoints returning an error instead of panicking.
func RemainingPoints(mod api.Module) (uint64, error) {
	g, err := pointsGlobal(mod)
	if err != nil {
		return 0, err
	}
	return g.Get(), nil
}

// ResetRemainingPoints is SetRemainingPoints returning an error instead of
// panicking. It also clears the exhaustion flag when the module has one.
func ResetRemainingPoints(mod api.Module, points uint64) error {
	g, err := pointsGlobal(mod)
	if err != nil {
		return err
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(RemainingPointsExport).
			Detail("global is immutable").
			Build()
	}
	mg.Set(points)

	if flag, ok := mod.ExportedGlobal(ExhaustedExport).(api.MutableGlobal); ok {
		flag.Set(0)
	}
	return nil
}

// MeteringPointsOf returns the remaining budget and the exhaustion flag.
func MeteringPointsOf(mod api.Module) (Points, error) {
	remaining, err := RemainingPoints(mod)
	if err != nil {
		return Points{}, err
	}
	p := Points{Remaining: remaining}
	if flag := mod.ExportedGlobal(ExhaustedExport); flag != nil {
		p.Exhausted = api.DecodeI32(flag.Get()) != 0
	}
	return p, nil
}

// HasExhaustionFlag reports whether mod exports the exhaustion flag.
func HasExhaustionFlag(mod api.Module) bool {
	return mod != nil && mod.ExportedGlobal(ExhaustedExport) != nil
}

func pointsGlobal(mod api.Module) (api.Global, error) {
	if mod == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "module instance")
	}
	g := mod.ExportedGlobal(RemainingPointsExport)
	if g == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", RemainingPointsExport)
	}
	if g.Type() != api.ValueTypeI64 {
		return nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(RemainingPointsExport).
			Detail("global has type %s, want i64", api.ValueTypeName(g.Type())).
			Build()
	}
	return g, nil
}

// ConsumePoints deducts cost from the instance's budget on behalf of caller.
// When fewer than cost points remain the budget is left untouched, the
// exhaustion flag is raised if present, and a points_exhausted error is
// returned. Host functions use it to bill work done outside the module.
func ConsumePoints(mod api.Module, cost uint64, caller string) error {
	if cost == 0 {
		return nil
	}
	g, err := pointsGlobal(mod)
	if err != nil {
		return err
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(RemainingPointsExport).
			Detail("global is immutable").
			Build()
	}

	remaining := mg.Get()
	if remaining < cost {
		if flag, ok := mod.ExportedGlobal(ExhaustedExport).(api.MutableGlobal); ok {
			flag.Set(api.EncodeI32(1))
		}
		return errors.PointsExhausted(caller, nil)
	}
	mg.Set(remaining - cost)
	return nil
}
