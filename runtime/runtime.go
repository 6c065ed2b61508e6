package runtime

import (
	"context"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/middleware"
)

type Runtime struct {
	engine *engine.WazeroEngine
	hosts  *HostRegistry
}

func New(ctx context.Context) (*Runtime, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a runtime on an engine built from cfg.
func NewWithConfig(ctx context.Context, cfg *engine.Config) (*Runtime, error) {
	eng, err := engine.NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	return &Runtime{
		engine: eng,
		hosts:  NewHostRegistry(),
	}, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Engine exposes the underlying engine.
func (r *Runtime) Engine() *engine.WazeroEngine {
	return r.engine
}

// RegisterHost registers all exported methods of h as host functions.
// Must be called BEFORE loading modules that import these functions.
// Method names are converted from PascalCase to kebab-case (GetValue -> get-value).
func (r *Runtime) RegisterHost(h Host) error {
	return r.hosts.RegisterHost(h)
}

func (r *Runtime) RegisterFunc(namespace, name string, fn any) error {
	return r.hosts.RegisterFunc(namespace, name, fn, 0)
}

// RegisterFuncWithCost registers fn and charges cost points to the calling
// instance on every call.
func (r *Runtime) RegisterFuncWithCost(namespace, name string, cost uint64, fn any) error {
	return r.hosts.RegisterFunc(namespace, name, fn, cost)
}

func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

// LoadWASM loads a core WebAssembly module. With WithPoints the module is
// instrumented by a Metering created for this call alone, so loading the
// same bytes twice yields two independent modules.
func (r *Runtime) LoadWASM(ctx context.Context, wasm []byte, opts ...LoadOption) (*Module, error) {
	cfg := loadConfig{cost: metering.UniformCost(1)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	var chain []middleware.ModuleMiddleware
	chain = append(chain, cfg.middleware...)
	var meter *metering.Metering
	if cfg.metered {
		var mopts []metering.Option
		if cfg.exhaustionFlag {
			mopts = append(mopts, metering.WithExhaustionFlag())
		}
		meter = metering.NewMetering(cfg.points, cfg.cost, mopts...)
		chain = append(chain, meter)
	}

	wazeroModule, err := r.engine.LoadModule(ctx, wasm, chain...)
	if err != nil {
		return nil, errors.Load("load module", err)
	}

	if err := r.hosts.Bind(r.engine); err != nil {
		return nil, errors.Load("bind hosts", err)
	}

	return &Module{
		runtime:      r,
		wazeroModule: wazeroModule,
		metering:     meter,
		witText:      cfg.witText,
	}, nil
}

type loadConfig struct {
	err            error
	cost           metering.CostFunction
	witText        string
	middleware     []middleware.ModuleMiddleware
	points         uint64
	metered        bool
	exhaustionFlag bool
}

// LoadOption configures LoadWASM.
type LoadOption func(*loadConfig)

// WithPoints meters the module with the given initial budget.
func WithPoints(points uint64) LoadOption {
	return func(c *loadConfig) {
		c.metered = true
		c.points = points
	}
}

// WithCost sets the per-instruction cost. Defaults to 1 for every instruction.
func WithCost(fn metering.CostFunction) LoadOption {
	return func(c *loadConfig) {
		if fn != nil {
			c.cost = fn
		}
	}
}

// WithCostTable resolves table into the cost function.
func WithCostTable(table *metering.CostTable) LoadOption {
	return func(c *loadConfig) {
		fn, err := table.CostFunction()
		if err != nil {
			c.err = err
			return
		}
		c.cost = fn
	}
}

// WithExhaustionFlag exports metering_points_exhausted alongside the budget.
func WithExhaustionFlag() LoadOption {
	return func(c *loadConfig) {
		c.exhaustionFlag = true
	}
}

// WithMiddleware runs extra middleware ahead of metering.
func WithMiddleware(mw ...middleware.ModuleMiddleware) LoadOption {
	return func(c *loadConfig) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithWIT provides function signatures for typed calls, since core modules
// lack type metadata beyond core value types.
func WithWIT(witText string) LoadOption {
	return func(c *loadConfig) {
		c.witText = witText
	}
}
