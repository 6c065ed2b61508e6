package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/middleware"
)

// WazeroEngine instruments modules and runs them on a wazero runtime.
type WazeroEngine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	metrics *Metrics
	opts    middleware.Options
	hosts   *hostRegistry
	wasi    bool

	wasiOnce sync.Once
	wasiErr  error
}

// Config holds configuration for engine creation
type Config struct {
	// Metrics receives instrumentation and call counters. Optional.
	Metrics *Metrics

	// CacheDir persists compiled machine code across engines and processes.
	// Empty disables the on-disk cache.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// Workers bounds parallel function rewriting during instrumentation.
	// 0 means GOMAXPROCS.
	Workers int

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	EnableThreads bool

	// EnableWASI makes wasi_snapshot_preview1 available to instantiated modules.
	EnableWASI bool

	// CloseOnContextDone aborts running calls when their context is canceled.
	CloseOnContextDone bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	if cfg.CloseOnContextDone {
		runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(cfg.CacheDir).
				Detail("open compilation cache").
				Cause(err).
				Build()
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	e := &WazeroEngine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
		metrics: cfg.Metrics,
		opts:    middleware.Options{Workers: cfg.Workers},
		wasi:    cfg.EnableWASI,
	}
	e.hosts = newHostRegistry(e.runtime)
	return e, nil
}

// Runtime exposes the underlying wazero runtime.
func (e *WazeroEngine) Runtime() wazero.Runtime {
	return e.runtime
}

// Instrument runs chain over wasmBytes and returns the rewritten binary.
func (e *WazeroEngine) Instrument(ctx context.Context, wasmBytes []byte, chain ...middleware.ModuleMiddleware) ([]byte, error) {
	out, _, err := e.instrument(ctx, wasmBytes, chain)
	return out, err
}

func (e *WazeroEngine) instrument(ctx context.Context, wasmBytes []byte, chain []middleware.ModuleMiddleware) ([]byte, middleware.Stats, error) {
	start := time.Now()
	out, stats, err := middleware.Instrument(ctx, wasmBytes, chain, e.opts)
	if err != nil {
		return nil, middleware.Stats{}, err
	}
	elapsed := time.Since(start)
	e.metrics.recordInstrument(stats, elapsed)

	Logger().Debug("module instrumented",
		zap.Int("functions", stats.Functions),
		zap.Int("injected", stats.Injected()),
		zap.Int("size_in", len(wasmBytes)),
		zap.Int("size_out", len(out)),
		zap.Duration("elapsed", elapsed))
	return out, stats, nil
}

// LoadModule instruments wasmBytes with chain, if any, and compiles the result.
func (e *WazeroEngine) LoadModule(ctx context.Context, wasmBytes []byte, chain ...middleware.ModuleMiddleware) (*WazeroModule, error) {
	bin := wasmBytes
	var stats middleware.Stats
	if len(chain) > 0 {
		var err error
		bin, stats, err = e.instrument(ctx, wasmBytes, chain)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile module")
	}
	Logger().Debug("module compiled",
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Duration("elapsed", time.Since(start)))

	return &WazeroModule{
		engine:   e,
		compiled: compiled,
		binary:   bin,
		stats:    stats,
	}, nil
}

// RegisterHostFunc makes handler importable as namespace.name. handler is
// any Go func wazero can bind: numeric params and results, optionally led
// by context.Context and api.Module.
func (e *WazeroEngine) RegisterHostFunc(namespace, name string, handler any) error {
	return e.hosts.register(HostFunc{Namespace: namespace, Name: name, Handler: handler})
}

// RegisterHostFuncWithCost is RegisterHostFunc that also charges cost points
// against the calling instance's budget before handler runs. A caller
// without enough points traps with a points_exhausted error.
func (e *WazeroEngine) RegisterHostFuncWithCost(namespace, name string, cost uint64, handler any) error {
	return e.hosts.register(HostFunc{Namespace: namespace, Name: name, Handler: handler, Cost: cost})
}

// RegisterHostFuncRaw registers a stack-based host function with an explicit signature.
func (e *WazeroEngine) RegisterHostFuncRaw(namespace, name string, fn api.GoModuleFunc, params, results []api.ValueType) error {
	return e.hosts.register(HostFunc{Namespace: namespace, Name: name, Raw: fn, ParamVT: params, ResultVT: results})
}

// InitWASI instantiates wasi_snapshot_preview1 once for this engine's runtime.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	e.wasiOnce.Do(func() {
		if e.runtime.Module(wasiModuleName) != nil {
			return
		}
		if _, err := instantiateWASI(ctx, e.runtime); err != nil {
			e.wasiErr = errors.Wrap(errors.PhaseHost, errors.KindInstantiation, err, "instantiate WASI")
		}
	})
	return e.wasiErr
}

// Close releases the runtime and the compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// WazeroModule is a compiled, possibly instrumented, module.
type WazeroModule struct {
	engine   *WazeroEngine
	compiled wazero.CompiledModule
	binary   []byte
	stats    middleware.Stats
}

// Binary returns the bytes that were compiled, after instrumentation.
func (m *WazeroModule) Binary() []byte {
	return m.binary
}

// Stats returns instrumentation statistics. Zero for uninstrumented modules.
func (m *WazeroModule) Stats() middleware.Stats {
	return m.stats
}

// ExportNames returns the exported function names, sorted.
func (m *WazeroModule) ExportNames() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportedFunction returns the definition of an exported function.
func (m *WazeroModule) ExportedFunction(name string) (api.FunctionDefinition, bool) {
	def, ok := m.compiled.ExportedFunctions()[name]
	return def, ok
}

// ImportedFunctions returns the function imports as "namespace#name".
func (m *WazeroModule) ImportedFunctions() []string {
	defs := m.compiled.ImportedFunctions()
	keys := make([]string, 0, len(defs))
	for _, def := range defs {
		ns, name, _ := def.Import()
		keys = append(keys, ns+"#"+name)
	}
	return keys
}

// InstanceConfig holds configuration for module instantiation
type InstanceConfig struct {
	// Points overrides the budget compiled into the module.
	Points *uint64
	// ModuleConfig is passed to wazero. A nil config instantiates an
	// anonymous module so that many instances can coexist.
	ModuleConfig wazero.ModuleConfig
}

func (m *WazeroModule) Instantiate(ctx context.Context) (*WazeroInstance, error) {
	return m.InstantiateWithConfig(ctx, nil)
}

// InstantiateWithConfig creates an instance with custom configuration
func (m *WazeroModule) InstantiateWithConfig(ctx context.Context, cfg *InstanceConfig) (*WazeroInstance, error) {
	if cfg == nil {
		cfg = &InstanceConfig{}
	}

	if m.engine.wasi {
		if err := m.engine.InitWASI(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.engine.hosts.instantiate(ctx); err != nil {
		return nil, err
	}
	if missing := m.missingImports(); len(missing) > 0 {
		return nil, errors.NewMissingImportsError(missing)
	}

	modConfig := cfg.ModuleConfig
	if modConfig == nil {
		modConfig = wazero.NewModuleConfig().WithName("") // anonymous for parallel instantiation
	}

	instance, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst := &WazeroInstance{
		module:    m,
		instance:  instance,
		metrics:   m.engine.metrics,
		metered:   instance.ExportedGlobal(metering.RemainingPointsExport) != nil,
		funcCache: make(map[string]api.Function),
		stackBuf:  make([]uint64, 16),
	}
	inst.exhausted, _ = instance.ExportedGlobal(metering.ExhaustedExport).(api.MutableGlobal)

	if cfg.Points != nil {
		if err := inst.SetRemainingPoints(*cfg.Points); err != nil {
			instance.Close(ctx)
			return nil, err
		}
	}
	return inst, nil
}

// missingImports lists function imports no instantiated module provides.
func (m *WazeroModule) missingImports() []string {
	var missing []string
	for _, def := range m.compiled.ImportedFunctions() {
		ns, name, _ := def.Import()
		provider := m.engine.runtime.Module(ns)
		if provider == nil || provider.ExportedFunction(name) == nil {
			missing = append(missing, ns+"#"+name)
		}
	}
	return missing
}

// Close releases the compiled module.
func (m *WazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// WazeroInstance is a running WASM instance.
// It is NOT safe for concurrent use from multiple goroutines.
type WazeroInstance struct {
	module    *WazeroModule
	instance  api.Module
	metrics   *Metrics
	exhausted api.MutableGlobal
	funcCache map[string]api.Function
	stackBuf  []uint64
	metered   bool
	cacheMu   sync.RWMutex
}

// Module returns the wazero module instance.
func (i *WazeroInstance) Module() api.Module {
	return i.instance
}

// Metered reports whether the instance exports a remaining-points global.
func (i *WazeroInstance) Metered() bool {
	return i.metered
}

// GetExportedFunction returns an exported function by name, or nil.
func (i *WazeroInstance) GetExportedFunction(name string) api.Function {
	i.cacheMu.RLock()
	fn, ok := i.funcCache[name]
	i.cacheMu.RUnlock()
	if ok {
		return fn
	}

	fn = i.instance.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	i.cacheMu.Lock()
	i.funcCache[name] = fn
	i.cacheMu.Unlock()
	return fn
}

// Call invokes an export with raw core values. Traps are returned as
// *errors.Error of kind trap, or points_exhausted when the instance can tell
// its budget ran out.
func (i *WazeroInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.GetExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	i.beginCall()

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, i.classify(ctx, name, err)
	}
	return results, nil
}

// beginCall lowers the exhaustion flag, so after a call it is set only if
// that call ran out of points.
func (i *WazeroInstance) beginCall() {
	i.metrics.recordCall()
	if i.exhausted != nil {
		i.exhausted.Set(0)
	}
}

// RemainingPoints returns the instance's remaining budget.
func (i *WazeroInstance) RemainingPoints() (uint64, error) {
	return metering.RemainingPoints(i.instance)
}

// SetRemainingPoints overwrites the instance's budget and clears the
// exhaustion flag.
func (i *WazeroInstance) SetRemainingPoints(points uint64) error {
	return metering.ResetRemainingPoints(i.instance, points)
}

// Points returns the remaining budget and whether the latest call ran out.
func (i *WazeroInstance) Points() (metering.Points, error) {
	return metering.MeteringPointsOf(i.instance)
}

// MemorySize returns the current linear memory size in bytes, or 0 if no memory.
func (i *WazeroInstance) MemorySize() uint32 {
	mem := i.instance.Memory()
	if mem == nil {
		return 0
	}
	return mem.Size()
}

func (i *WazeroInstance) Close(ctx context.Context) error {
	if i.instance == nil {
		return nil
	}
	err := i.instance.Close(ctx)
	i.instance = nil
	i.funcCache = nil
	i.stackBuf = nil
	return err
}

// String is used in log fields.
func (i *WazeroInstance) String() string {
	if i.instance == nil {
		return "closed instance"
	}
	return fmt.Sprintf("instance %q", i.instance.Name())
}
