package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
)

// HostFunc describes a function the host exposes to guest modules.
type HostFunc struct {
	// Handler is a Go func bound with wazero's WithFunc.
	Handler any
	// Raw is a stack-based handler. It takes precedence over Handler.
	Raw       api.GoModuleFunc
	Namespace string
	Name      string
	ParamVT   []api.ValueType
	ResultVT  []api.ValueType
	// Cost is charged to the calling instance before the handler runs.
	// Callers that are not metered are not charged.
	Cost uint64
}

func (h HostFunc) key() string {
	return h.Namespace + "#" + h.Name
}

// hostRegistry collects host functions per namespace and instantiates each
// namespace once, right before the first guest that may import it.
type hostRegistry struct {
	runtime wazero.Runtime
	pending map[string][]HostFunc
	done    map[string]bool
	mu      sync.Mutex
}

func newHostRegistry(r wazero.Runtime) *hostRegistry {
	return &hostRegistry{
		runtime: r,
		pending: make(map[string][]HostFunc),
		done:    make(map[string]bool),
	}
}

func (h *hostRegistry) register(fn HostFunc) error {
	if fn.Namespace == "" || fn.Name == "" {
		return errors.Registration(errors.PhaseHost, fn.Namespace, fn.Name,
			fmt.Errorf("namespace and name are required"))
	}
	if fn.Raw == nil && fn.Handler == nil {
		return errors.Registration(errors.PhaseHost, fn.Namespace, fn.Name,
			fmt.Errorf("no handler"))
	}
	if fn.Raw == nil && reflect.TypeOf(fn.Handler).Kind() != reflect.Func {
		return errors.Registration(errors.PhaseHost, fn.Namespace, fn.Name,
			fmt.Errorf("handler is %T, want func", fn.Handler))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done[fn.Namespace] || fn.Namespace == wasiModuleName {
		return errors.Registration(errors.PhaseHost, fn.Namespace, fn.Name,
			fmt.Errorf("namespace %q is already instantiated", fn.Namespace))
	}
	for _, existing := range h.pending[fn.Namespace] {
		if existing.Name == fn.Name {
			return errors.Registration(errors.PhaseHost, fn.Namespace, fn.Name,
				fmt.Errorf("duplicate host function"))
		}
	}
	h.pending[fn.Namespace] = append(h.pending[fn.Namespace], fn)
	return nil
}

// instantiate builds every namespace registered since the last call.
func (h *hostRegistry) instantiate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	namespaces := make([]string, 0, len(h.pending))
	for ns := range h.pending {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		fns := h.pending[ns]
		builder := h.runtime.NewHostModuleBuilder(ns)
		for _, fn := range fns {
			if fn.Raw != nil {
				builder = builder.NewFunctionBuilder().
					WithGoModuleFunction(costedRaw(fn), fn.ParamVT, fn.ResultVT).
					Export(fn.Name)
				continue
			}
			handler := fn.Handler
			if fn.Cost > 0 {
				handler = costedFunc(fn)
			}
			builder = builder.NewFunctionBuilder().WithFunc(handler).Export(fn.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseHost, ns, fns[0].Name, err)
		}
		Logger().Debug("host module instantiated",
			zap.String("namespace", ns),
			zap.Int("functions", len(fns)))
		h.done[ns] = true
		delete(h.pending, ns)
	}
	return nil
}

// charge bills a host call to the calling instance. It panics so that
// wazero unwinds the guest; the panic value surfaces from Call wrapped.
func charge(mod api.Module, fn HostFunc) {
	if fn.Cost == 0 || mod == nil || mod.ExportedGlobal(metering.RemainingPointsExport) == nil {
		return
	}
	if err := metering.ConsumePoints(mod, fn.Cost, fn.key()); err != nil {
		panic(err)
	}
}

func costedRaw(fn HostFunc) api.GoModuleFunc {
	if fn.Cost == 0 {
		return fn.Raw
	}
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		charge(mod, fn)
		fn.Raw(ctx, mod, stack)
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	moduleType  = reflect.TypeOf((*api.Module)(nil)).Elem()
)

// costedFunc wraps fn.Handler in a func that takes (context.Context,
// api.Module) first, charges the caller, then forwards to the handler with
// whichever of those leading parameters it declared.
func costedFunc(fn HostFunc) any {
	orig := reflect.ValueOf(fn.Handler)
	ft := orig.Type()

	skip := 0
	wantsCtx, wantsMod := false, false
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		wantsCtx = true
		skip = 1
		if ft.NumIn() > 1 && ft.In(1) == moduleType {
			wantsMod = true
			skip = 2
		}
	}

	in := []reflect.Type{contextType, moduleType}
	for k := skip; k < ft.NumIn(); k++ {
		in = append(in, ft.In(k))
	}
	out := make([]reflect.Type, ft.NumOut())
	for k := range out {
		out[k] = ft.Out(k)
	}

	wrapped := reflect.MakeFunc(reflect.FuncOf(in, out, false), func(args []reflect.Value) []reflect.Value {
		mod, _ := args[1].Interface().(api.Module)
		charge(mod, fn)

		callArgs := make([]reflect.Value, 0, len(args))
		if wantsCtx {
			callArgs = append(callArgs, args[0])
		}
		if wantsMod {
			callArgs = append(callArgs, args[1])
		}
		callArgs = append(callArgs, args[2:]...)
		return orig.Call(callArgs)
	})
	return wrapped.Interface()
}
