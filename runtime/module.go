package runtime

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/middleware"
)

type Module struct {
	funcTypesErr  error
	runtime       *Runtime
	wazeroModule  *engine.WazeroModule
	metering      *metering.Metering
	funcTypes     map[string]*funcSignature
	witText       string
	funcTypesOnce sync.Once
}

// Metered reports whether the module was instrumented with a budget.
func (m *Module) Metered() bool {
	return m.metering != nil
}

// InitialPoints returns the budget compiled into the module, or 0.
func (m *Module) InitialPoints() uint64 {
	if m.metering == nil {
		return 0
	}
	return m.metering.InitialLimit()
}

// Globals returns the indices of the metering globals.
func (m *Module) Globals() (metering.Globals, bool) {
	if m.metering == nil {
		return metering.Globals{}, false
	}
	return m.metering.Globals()
}

// Stats returns instrumentation statistics.
func (m *Module) Stats() middleware.Stats {
	return m.wazeroModule.Stats()
}

// Binary returns the compiled bytes, after instrumentation.
func (m *Module) Binary() []byte {
	return m.wazeroModule.Binary()
}

func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	return m.instantiate(ctx, &engine.InstanceConfig{})
}

// InstantiateWithPoints creates an instance starting from points instead of
// the compiled budget.
func (m *Module) InstantiateWithPoints(ctx context.Context, points uint64) (*Instance, error) {
	if m.metering == nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindNotInitialized).
			Detail("module was loaded without metering").
			Build()
	}
	return m.instantiate(ctx, &engine.InstanceConfig{Points: &points})
}

// InstantiateWithConfig creates an instance with engine-level options, such
// as a wazero.ModuleConfig carrying stdio for WASI modules.
func (m *Module) InstantiateWithConfig(ctx context.Context, cfg *engine.InstanceConfig) (*Instance, error) {
	if cfg != nil && cfg.Points != nil && m.metering == nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindNotInitialized).
			Detail("module was loaded without metering").
			Build()
	}
	return m.instantiate(ctx, cfg)
}

func (m *Module) instantiate(ctx context.Context, cfg *engine.InstanceConfig) (*Instance, error) {
	wazeroInstance, err := m.wazeroModule.InstantiateWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Instance{
		module:         m,
		wazeroInstance: wazeroInstance,
	}, nil
}

// Close releases the compiled module. Instances must be closed first.
func (m *Module) Close(ctx context.Context) error {
	return m.wazeroModule.Close(ctx)
}

type Export struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

func (m *Module) Exports() []Export {
	names := m.wazeroModule.ExportNames()
	if names == nil {
		return nil
	}
	exports := make([]Export, len(names))
	for i, name := range names {
		def, _ := m.wazeroModule.ExportedFunction(name)
		exports[i] = Export{Name: name, Params: def.ParamTypes(), Results: def.ResultTypes()}
	}
	return exports
}

type funcSignature struct {
	params  []wit.Type
	results []wit.Type
}

// GetFunctionTypes returns WIT param and result types for a function.
// Signatures come from the WIT text when one was given, otherwise from the
// export's core signature.
func (m *Module) GetFunctionTypes(name string) ([]wit.Type, []wit.Type, error) {
	if m.witText == "" {
		return m.coreFunctionTypes(name)
	}
	m.funcTypesOnce.Do(func() {
		m.funcTypes, m.funcTypesErr = parseWitFunctions(m.witText)
	})

	if m.funcTypesErr != nil {
		return nil, nil, m.funcTypesErr
	}

	sig, ok := m.funcTypes[name]
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}

	return sig.params, sig.results, nil
}

func (m *Module) coreFunctionTypes(name string) ([]wit.Type, []wit.Type, error) {
	def, ok := m.wazeroModule.ExportedFunction(name)
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	params, err := engine.CoreTypes(def.ParamTypes())
	if err != nil {
		return nil, nil, err
	}
	results, err := engine.CoreTypes(def.ResultTypes())
	if err != nil {
		return nil, nil, err
	}
	return params, results, nil
}

// parseWitFunctions extracts function signatures from WIT text.
// Pattern: [export] name: func(params) -> result;
func parseWitFunctions(witText string) (map[string]*funcSignature, error) {
	funcs := make(map[string]*funcSignature)

	funcPattern := regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

	matches := funcPattern.FindAllStringSubmatch(witText, -1)
	for _, match := range matches {
		name := match[1]
		paramsStr := strings.TrimSpace(match[2])
		resultStr := ""
		if len(match) > 3 {
			resultStr = strings.TrimSpace(match[3])
		}

		sig := &funcSignature{}

		if paramsStr != "" {
			paramParts := splitParams(paramsStr)
			for _, p := range paramParts {
				typStr := p
				if idx := strings.LastIndex(p, ":"); idx != -1 {
					typStr = strings.TrimSpace(p[idx+1:])
				}
				t, err := parseWitType(typStr)
				if err != nil {
					return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse param type "+typStr)
				}
				sig.params = append(sig.params, t)
			}
		}

		if resultStr != "" && resultStr != "()" {
			if strings.HasPrefix(resultStr, "(") && strings.HasSuffix(resultStr, ")") {
				inner := strings.TrimPrefix(strings.TrimSuffix(resultStr, ")"), "(")
				if inner != "" {
					parts := splitParams(inner)
					for _, part := range parts {
						t, err := parseWitType(strings.TrimSpace(part))
						if err != nil {
							return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse result type "+part)
						}
						sig.results = append(sig.results, t)
					}
				}
			} else {
				t, err := parseWitType(resultStr)
				if err != nil {
					return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse result type "+resultStr)
				}
				sig.results = []wit.Type{t}
			}
		}

		funcs[name] = sig
	}

	if len(funcs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseParse, "no functions found in WIT text")
	}

	return funcs, nil
}

// splitParams splits parameter list, handling nested parens.
func splitParams(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(':
			depth++
			current.WriteRune(ch)
		case ')':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				if str := strings.TrimSpace(current.String()); str != "" {
					result = append(result, str)
				}
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if str := strings.TrimSpace(current.String()); str != "" {
		result = append(result, str)
	}

	return result
}

func parseWitType(s string) (wit.Type, error) {
	s = strings.TrimSpace(s)
	return wit.ParseType(s)
}
