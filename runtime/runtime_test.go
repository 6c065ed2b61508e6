package runtime

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/wasm"
)

// MeterHost implements the host functions for hostCallWASM
type MeterHost struct {
	calls []int32
	mu    sync.Mutex
}

func (h *MeterHost) Namespace() string {
	return "env"
}

func (h *MeterHost) Costs() map[string]uint64 {
	return map[string]uint64{"double": 5}
}

func (h *MeterHost) Double(ctx context.Context, x int32) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, x)
	return x * 2
}

// (import "env" "double" (func (param i32) (result i32)))
// (func (export "run") (param i32) (result i32) local.get 0 call 0)
var hostCallWASM = func() []byte {
	sig := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	m := &wasm.Module{}
	double := m.ImportFunc("env", "double", sig)
	run := m.AddFunc(sig, nil, wasm.EncodeInstructions([]wasm.Instruction{
		wasm.Indexed(wasm.OpLocalGet, 0),
		wasm.Indexed(wasm.OpCall, double),
		wasm.Op(wasm.OpEnd),
	}))
	m.SetExport(wasm.Export{Name: "run", Type: wasm.KindFunc, Index: run})
	return m.Encode()
}()

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func newInstance(t *testing.T, mod *Module) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func isKind(err error, phase errors.Phase, kind errors.Kind) bool {
	return stderrors.Is(err, &errors.Error{Phase: phase, Kind: kind})
}

func TestLoadWASM_Metered(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(10))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !mod.Metered() || mod.InitialPoints() != 10 {
		t.Errorf("Metered = %v, InitialPoints = %d", mod.Metered(), mod.InitialPoints())
	}
	if g, ok := mod.Globals(); !ok || g.RemainingPoints != 0 {
		t.Errorf("Globals = %+v, %v", g, ok)
	}
	if mod.Stats().Functions != 1 {
		t.Errorf("Stats = %+v", mod.Stats())
	}

	inst := newInstance(t, mod)

	// local.get, local.get, i32.add, end
	for _, want := range []uint64{6, 2} {
		result, err := inst.Call(ctx, "add", int32(2), int32(3))
		if err != nil {
			t.Fatalf("call add: %v", err)
		}
		if result != int32(5) {
			t.Errorf("add(2, 3) = %v", result)
		}
		if got, _ := inst.RemainingPoints(); got != want {
			t.Errorf("points = %d, want %d", got, want)
		}
	}

	if _, err := inst.Call(ctx, "add", int32(2), int32(3)); !isKind(err, errors.PhaseRuntime, errors.KindTrap) {
		t.Fatalf("err = %v, want trap", err)
	}
	if got, _ := inst.RemainingPoints(); got != 2 {
		t.Errorf("points after trap = %d, want 2", got)
	}

	if err := inst.SetRemainingPoints(12); err != nil {
		t.Fatal(err)
	}
	for _, want := range []uint64{8, 4, 0} {
		if _, err := inst.Call(ctx, "add", int32(1), int32(1)); err != nil {
			t.Fatalf("call after refill: %v", err)
		}
		if got, _ := inst.RemainingPoints(); got != want {
			t.Errorf("points = %d, want %d", got, want)
		}
	}
	if _, err := inst.Call(ctx, "add", int32(1), int32(1)); err == nil {
		t.Error("expected trap at zero points")
	}
}

func TestLoadWASM_Unmetered(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Metered() {
		t.Error("module loaded without WithPoints reports metered")
	}
	inst := newInstance(t, mod)

	result, err := inst.Call(ctx, "add", int32(40), int32(2))
	if err != nil {
		t.Fatal(err)
	}
	if result != int32(42) {
		t.Errorf("add = %v", result)
	}
	if _, err := inst.RemainingPoints(); err == nil {
		t.Error("RemainingPoints should fail on an unmetered instance")
	}
	if _, err := mod.InstantiateWithPoints(ctx, 5); !isKind(err, errors.PhaseRuntime, errors.KindNotInitialized) {
		t.Errorf("err = %v, want not_initialized", err)
	}
}

func TestLoadWASM_NoExports(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.LoadWASM(context.Background(), minimalWASM, WithPoints(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(mod.Exports()) != 0 {
		t.Errorf("exports = %+v", mod.Exports())
	}
}

func TestLoadWASM_Invalid(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.LoadWASM(context.Background(), []byte("not wasm"), WithPoints(1))
	if err == nil {
		t.Fatal("expected load error")
	}
}

func TestLoadWASM_IndependentModules(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	a, err := rt.LoadWASM(ctx, addWASM, WithPoints(10))
	if err != nil {
		t.Fatal(err)
	}
	b, err := rt.LoadWASM(ctx, addWASM, WithPoints(100))
	if err != nil {
		t.Fatal(err)
	}

	ia, ib := newInstance(t, a), newInstance(t, b)
	if _, err := ia.Call(ctx, "add", int32(1), int32(1)); err != nil {
		t.Fatal(err)
	}
	pa, _ := ia.RemainingPoints()
	pb, _ := ib.RemainingPoints()
	if pa != 6 || pb != 100 {
		t.Errorf("points = %d, %d; want 6, 100", pa, pb)
	}
}

func TestInstantiateWithPoints(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(10))
	if err != nil {
		t.Fatal(err)
	}
	inst, err := mod.InstantiateWithPoints(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(ctx)

	if got, _ := inst.RemainingPoints(); got != 1000 {
		t.Errorf("points = %d, want 1000", got)
	}
}

func TestLoadWASM_CostTable(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	table := &metering.CostTable{Default: 1, Costs: map[string]uint64{"i32.add": 10}}
	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(20), WithCostTable(table))
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, mod)

	if _, err := inst.Call(ctx, "add", int32(1), int32(2)); err != nil {
		t.Fatal(err)
	}
	if got, _ := inst.RemainingPoints(); got != 7 {
		t.Errorf("points = %d, want 7", got)
	}

	bad := &metering.CostTable{Costs: map[string]uint64{"i32.nope": 1}}
	if _, err := rt.LoadWASM(ctx, addWASM, WithPoints(20), WithCostTable(bad)); !isKind(err, errors.PhaseConfig, errors.KindInvalidInput) {
		t.Errorf("err = %v, want config invalid_input", err)
	}
}

func TestLoadWASM_ExhaustionFlag(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(5), WithExhaustionFlag(), WithCost(metering.UniformCost(1)))
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, mod)

	if _, err := inst.Call(ctx, "add", int32(1), int32(2)); err != nil {
		t.Fatal(err)
	}
	if inst.Exhausted() {
		t.Error("Exhausted before running out")
	}
	_, err = inst.Call(ctx, "add", int32(1), int32(2))
	if !isKind(err, errors.PhaseRuntime, errors.KindPointsExhausted) {
		t.Fatalf("err = %v, want points_exhausted", err)
	}
	if !inst.Exhausted() {
		t.Error("Exhausted = false after running out")
	}
	if !metering.HasExhaustionFlag(inst.Module()) {
		t.Error("flag export missing")
	}

	inst.SetRemainingPoints(4)
	if inst.Exhausted() {
		t.Error("Exhausted not cleared by refill")
	}
}

func TestRegisterHost_Costed(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	host := &MeterHost{}
	if err := rt.RegisterHost(host); err != nil {
		t.Fatalf("register host: %v", err)
	}
	mod, err := rt.LoadWASM(ctx, hostCallWASM, WithPoints(20))
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, mod)

	result, err := inst.Call(ctx, "run", int32(21))
	if err != nil {
		t.Fatalf("call run: %v", err)
	}
	if result != int32(42) {
		t.Errorf("run(21) = %v", result)
	}
	// local.get + call = 2, double = 5, end = 1
	if got, _ := inst.RemainingPoints(); got != 12 {
		t.Errorf("points = %d, want 12", got)
	}
	if len(host.calls) != 1 || host.calls[0] != 21 {
		t.Errorf("host calls = %v", host.calls)
	}
}

func TestRegisterFunc(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	err := rt.RegisterFuncWithCost("env", "double", 3, func(x int32) int32 { return x * 2 })
	if err != nil {
		t.Fatal(err)
	}
	mod, err := rt.LoadWASM(ctx, hostCallWASM, WithPoints(10))
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, mod)

	// 2 + 3 + 1 per call
	if _, err := inst.Call(ctx, "run", int32(1)); err != nil {
		t.Fatal(err)
	}
	if got, _ := inst.RemainingPoints(); got != 4 {
		t.Errorf("points = %d, want 4", got)
	}
	_, err = inst.Call(ctx, "run", int32(1))
	if !isKind(err, errors.PhaseRuntime, errors.KindPointsExhausted) {
		t.Errorf("err = %v, want points_exhausted from host charge", err)
	}
}

func TestRegisterFunc_Invalid(t *testing.T) {
	rt := newRuntime(t)

	tests := []struct {
		name string
		ns   string
		fn   string
		h    any
		kind errors.Kind
	}{
		{"empty namespace", "", "f", func() {}, errors.KindInvalidInput},
		{"empty name", "env", "", func() {}, errors.KindInvalidInput},
		{"not a func", "env", "f", 7, errors.KindTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.RegisterFunc(tt.ns, tt.fn, tt.h)
			if !isKind(err, errors.PhaseHost, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestMissingHostFunction(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, hostCallWASM, WithPoints(10))
	if err != nil {
		t.Fatal(err)
	}
	_, err = mod.Instantiate(ctx)
	var missing *errors.MissingImportsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingImportsError", err)
	}
}

func TestCallWithTypes(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(100))
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, mod)

	result, err := inst.CallWithTypes(ctx, "add",
		[]wit.Type{wit.S32{}, wit.S32{}},
		[]wit.Type{wit.U32{}},
		int32(-1), int32(0))
	if err != nil {
		t.Fatal(err)
	}
	if result != uint32(0xFFFFFFFF) {
		t.Errorf("add(-1, 0) as u32 = %v", result)
	}

	raw, err := inst.CallRaw(ctx, "add", api.EncodeI32(7), api.EncodeI32(8))
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(raw[0]) != 15 {
		t.Errorf("CallRaw = %v", raw)
	}
}

func TestInstance_MemorySize(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.LoadWASM(context.Background(), addWASM)
	if err != nil {
		t.Fatal(err)
	}
	if size := newInstance(t, mod).MemorySize(); size != 0 {
		t.Errorf("MemorySize = %d, want 0 for a module without memory", size)
	}
}

func TestConcurrentInstances(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	mod, err := rt.LoadWASM(ctx, addWASM, WithPoints(10))
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := mod.Instantiate(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer inst.Close(ctx)

			calls := i%2 + 1
			for c := 0; c < calls; c++ {
				if _, err := inst.Call(ctx, "add", int32(i), int32(c)); err != nil {
					errs <- err
					return
				}
			}
			want := uint64(10 - 4*calls)
			if got, _ := inst.RemainingPoints(); got != want {
				errs <- stderrors.New("points mismatch")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestContextPropagation(t *testing.T) {
	ctx := context.WithValue(context.Background(), contextKey("tenant"), "acme")
	rt := newRuntime(t)

	var seen any
	err := rt.RegisterFunc("env", "double", func(ctx context.Context, x int32) int32 {
		seen = ctx.Value(contextKey("tenant"))
		return x
	})
	if err != nil {
		t.Fatal(err)
	}
	mod, err := rt.LoadWASM(ctx, hostCallWASM, WithPoints(100))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newInstance(t, mod).Call(ctx, "run", int32(1)); err != nil {
		t.Fatal(err)
	}
	if seen != "acme" {
		t.Errorf("context value = %v, want acme", seen)
	}
}

type contextKey string

func TestToKebabCase(t *testing.T) {
	tests := map[string]string{
		"Double":     "double",
		"GetValue":   "get-value",
		"GetHTTPURL": "get-http-url",
		"ReadFile":   "read-file",
	}
	for in, want := range tests {
		if got := toKebabCase(in); got != want {
			t.Errorf("toKebabCase(%q) = %q, want %q", in, got, want)
		}
	}
}
