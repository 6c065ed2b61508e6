package metering

import (
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/middleware"
	"github.com/wippyai/wasm-meter/wasm"
)

// Export names installed by the metering transform.
const (
	RemainingPointsExport = "remaining_points"
	ExhaustedExport       = "metering_points_exhausted"
)

// Globals holds the global indexes the transform added to a module.
type Globals struct {
	RemainingPoints uint32
	Exhausted       uint32
	HasExhausted    bool
}

// Option configures a Metering.
type Option func(*Metering)

// WithExhaustionFlag adds an i32 global exported as ExhaustedExport. The
// injected guard sets it to 1 right before trapping, which lets callers tell
// budget exhaustion apart from other traps.
func WithExhaustionFlag() Option {
	return func(m *Metering) {
		m.exhaustionFlag = true
	}
}

// Metering is a module middleware that charges every basic block against a
// budget held in a mutable i64 global.
//
// A Metering instruments exactly one module. Build a fresh one per module;
// TransformModule fails on the second module it sees.
type Metering struct {
	cost           CostFunction
	initialLimit   uint64
	exhaustionFlag bool

	mu      sync.Mutex
	globals atomic.Pointer[Globals]
}

var _ middleware.ModuleMiddleware = (*Metering)(nil)

// NewMetering returns a metering middleware with the given budget and cost
// function. cost must be pure and safe for concurrent use.
func NewMetering(initialLimit uint64, cost CostFunction, opts ...Option) *Metering {
	m := &Metering{
		cost:         cost,
		initialLimit: initialLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitialLimit returns the budget new instances start with.
func (m *Metering) InitialLimit() uint64 {
	return m.initialLimit
}

// Globals returns the indexes assigned by TransformModule.
func (m *Metering) Globals() (Globals, bool) {
	g := m.globals.Load()
	if g == nil {
		return Globals{}, false
	}
	return *g, true
}

// TransformModule appends the remaining-points global, initialised to the
// budget, and exports it as RemainingPointsExport. An existing export with
// that name is replaced.
func (m *Metering) TransformModule(mod *wasm.Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.globals.Load() != nil {
		return errors.MiddlewareReuse("metering")
	}

	g := &Globals{
		RemainingPoints: mod.AddGlobal(
			wasm.GlobalType{ValType: wasm.ValI64, Mutable: true},
			wasm.I64ConstExpr(int64(m.initialLimit)),
		),
	}
	shadowed := mod.SetExport(wasm.Export{
		Name:  RemainingPointsExport,
		Type:  wasm.KindGlobal,
		Index: g.RemainingPoints,
	})

	if m.exhaustionFlag {
		g.Exhausted = mod.AddGlobal(
			wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			wasm.I32ConstExpr(0),
		)
		g.HasExhausted = true
		mod.SetExport(wasm.Export{
			Name:  ExhaustedExport,
			Type:  wasm.KindGlobal,
			Index: g.Exhausted,
		})
	}

	m.globals.Store(g)

	Logger().Debug("metering globals added",
		zap.Uint32("remaining_points", g.RemainingPoints),
		zap.Bool("exhaustion_flag", g.HasExhausted),
		zap.Bool("shadowed_export", shadowed),
		zap.Uint64("limit", m.initialLimit))
	return nil
}

// GenerateFunctionMiddleware returns a rewriter for one function body. It
// fails if TransformModule has not run yet.
func (m *Metering) GenerateFunctionMiddleware(middleware.LocalFunctionIndex) (middleware.FunctionMiddleware, error) {
	g := m.globals.Load()
	if g == nil {
		return nil, errors.NotInitialized(errors.PhaseInstrument, "metering global")
	}
	return &FunctionMetering{
		cost:    m.cost,
		globals: *g,
	}, nil
}

// FunctionMetering rewrites a single function body. It is not safe for
// concurrent use; each body gets its own.
type FunctionMetering struct {
	cost        CostFunction
	globals     Globals
	accumulated uint64
}

// Accumulated returns the cost of the current, not yet charged, block.
func (f *FunctionMetering) Accumulated() uint64 {
	return f.accumulated
}

// Feed adds the instruction's cost to the current block. At a block
// boundary the accumulated cost is charged by an injected guard, then the
// instruction itself is forwarded unchanged.
func (f *FunctionMetering) Feed(instr wasm.Instruction, state *middleware.ReaderState) error {
	c := f.cost(instr)
	if f.accumulated > math.MaxUint64-c {
		f.accumulated = math.MaxUint64
	} else {
		f.accumulated += c
	}

	if IsBoundary(instr) && f.accumulated > 0 {
		state.Extend(f.charge(f.accumulated)...)
		f.accumulated = 0
	}

	state.Push(instr)
	return nil
}

// charge builds:
//
//	global.get R; i64.const C; i64.lt_u
//	if [] [i32.const 1; global.set F;] unreachable end
//	global.get R; i64.const C; i64.sub; global.set R
func (f *FunctionMetering) charge(cost uint64) []wasm.Instruction {
	seq := make([]wasm.Instruction, 0, 12)
	seq = append(seq,
		wasm.Indexed(wasm.OpGlobalGet, f.globals.RemainingPoints),
		wasm.I64Const(int64(cost)),
		wasm.Op(wasm.OpI64LtU),
		wasm.Block(wasm.OpIf),
	)
	if f.globals.HasExhausted {
		seq = append(seq,
			wasm.I32Const(1),
			wasm.Indexed(wasm.OpGlobalSet, f.globals.Exhausted),
		)
	}
	return append(seq,
		wasm.Op(wasm.OpUnreachable),
		wasm.Op(wasm.OpEnd),
		wasm.Indexed(wasm.OpGlobalGet, f.globals.RemainingPoints),
		wasm.I64Const(int64(cost)),
		wasm.Op(wasm.OpI64Sub),
		wasm.Indexed(wasm.OpGlobalSet, f.globals.RemainingPoints),
	)
}

// IsBoundary reports whether instr ends a metered block: anything that can
// transfer control out of straight-line code, or that starts a region
// control can jump back into.
func IsBoundary(instr wasm.Instruction) bool {
	switch instr.Opcode {
	case wasm.OpLoop, wasm.OpEnd, wasm.OpElse,
		wasm.OpBr, wasm.OpBrTable, wasm.OpBrIf,
		wasm.OpCall, wasm.OpCallIndirect, wasm.OpReturn,
		wasm.OpReturnCall, wasm.OpReturnCallIndirect,
		wasm.OpCallRef, wasm.OpReturnCallRef,
		wasm.OpBrOnNull, wasm.OpBrOnNonNull,
		wasm.OpTry, wasm.OpTryTable, wasm.OpCatch, wasm.OpCatchAll, wasm.OpDelegate,
		wasm.OpThrow, wasm.OpThrowRef, wasm.OpRethrow:
		return true
	case wasm.OpPrefixGC:
		sub, _ := instr.SubOpcode()
		return sub == wasm.GCBrOnCast || sub == wasm.GCBrOnCastFail
	}
	return false
}
