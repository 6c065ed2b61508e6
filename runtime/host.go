package runtime

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
)

// Host is the interface for struct-based host modules.
// All exported methods (except Namespace and Costs) are registered as host functions.
type Host interface {
	// Namespace returns the import module name (e.g., "env").
	Namespace() string
}

// CostedHost extends Host with per-function costs, keyed by import name.
// Functions not listed are free.
type CostedHost interface {
	Host
	Costs() map[string]uint64
}

// ExplicitRegistrar allows hosts to provide exact import names
// when automatic PascalCase-to-kebab-case conversion doesn't apply
// (e.g., "fd_write").
type ExplicitRegistrar interface {
	Register() map[string]any
}

type HostRegistry struct {
	funcs map[string]map[string]*HostFunc
	bound map[string]bool
	mu    sync.RWMutex
}

type HostFunc struct {
	Handler any
	Cost    uint64
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]*HostFunc),
		bound: make(map[string]bool),
	}
}

func (r *HostRegistry) RegisterHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}

	var costs map[string]uint64
	if ch, ok := h.(CostedHost); ok {
		costs = ch.Costs()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.funcs[ns] == nil {
		r.funcs[ns] = make(map[string]*HostFunc)
	}

	if er, ok := h.(ExplicitRegistrar); ok {
		for name, handler := range er.Register() {
			r.funcs[ns][name] = &HostFunc{
				Handler: handler,
				Cost:    costs[name],
			}
		}
		return nil
	}

	rv := reflect.ValueOf(h)
	rt := rv.Type()

	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)

		if !method.IsExported() || method.Name == "Namespace" || method.Name == "Costs" {
			continue
		}

		name := toKebabCase(method.Name)
		r.funcs[ns][name] = &HostFunc{
			Handler: rv.Method(i).Interface(),
			Cost:    costs[name],
		}
	}

	return nil
}

func (r *HostRegistry) RegisterFunc(namespace, name string, fn any, cost uint64) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			GoType(reflect.TypeOf(fn).String()).
			Detail("handler must be a function").
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]*HostFunc)
	}

	r.funcs[namespace][name] = &HostFunc{
		Handler: fn,
		Cost:    cost,
	}

	return nil
}

// Bind hands every function not yet bound to the engine. Functions are
// bound once; the engine instantiates them with the first module.
func (r *HostRegistry) Bind(eng *engine.WazeroEngine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	namespaces := make([]string, 0, len(r.funcs))
	for ns := range r.funcs {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, namespace := range namespaces {
		funcs := r.funcs[namespace]
		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			key := namespace + "#" + name
			if r.bound[key] {
				continue
			}
			hf := funcs[name]
			if err := eng.RegisterHostFuncWithCost(namespace, name, hf.Cost, hf.Handler); err != nil {
				return errors.Registration(errors.PhaseHost, namespace, name, err)
			}
			r.bound[key] = true
		}
	}
	return nil
}

// toKebabCase converts PascalCase to kebab-case.
// Handles acronyms: GetHTTPURL -> get-http-url
func toKebabCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if unicode.IsUpper(r) {
			acronymEnd := i + 1
			for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
				acronymEnd++
			}

			if acronymEnd > i+1 {
				// Last uppercase before lowercase starts next word, not part of acronym
				if acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
					acronymEnd--
				}
			}

			if i > 0 {
				result.WriteByte('-')
			}

			for j := i; j < acronymEnd; j++ {
				result.WriteRune(unicode.ToLower(runes[j]))
			}
			i = acronymEnd - 1 // -1 because loop will increment
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
