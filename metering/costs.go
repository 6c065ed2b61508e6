package metering

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/wasm"
)

// CostFunction returns the number of points an instruction costs. It must
// be pure: the same instruction always costs the same.
type CostFunction func(instr wasm.Instruction) uint64

// UniformCost charges every instruction the same amount.
func UniformCost(points uint64) CostFunction {
	return func(wasm.Instruction) uint64 { return points }
}

// CostTable is a declarative cost function. Costs maps instruction mnemonics
// ("i64.mul", "memory.grow", "0xfd:12") to points; anything not listed costs
// Default.
//
//	default: 1
//	costs:
//	  call: 10
//	  memory.grow: 100
//	  nop: 0
type CostTable struct {
	Default uint64            `yaml:"default"`
	Costs   map[string]uint64 `yaml:"costs"`
}

// ParseCostTable decodes a YAML cost table. Unknown keys are rejected.
func ParseCostTable(data []byte) (*CostTable, error) {
	var t CostTable
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidData).
			Detail("decode cost table").
			Cause(err).
			Build()
	}
	return &t, nil
}

// LoadCostTable reads and decodes a YAML cost table file.
func LoadCostTable(path string) (*CostTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Path(path).
			Detail("read cost table").
			Cause(err).
			Build()
	}
	t, err := ParseCostTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

type prefixedOp struct {
	prefix byte
	sub    uint32
}

// CostFunction resolves the table into a lookup. Every mnemonic must name a
// known opcode.
func (t *CostTable) CostFunction() (CostFunction, error) {
	var (
		single   [256]uint64
		prefixed = make(map[prefixedOp]uint64)
	)
	for i := range single {
		single[i] = t.Default
	}

	names := make([]string, 0, len(t.Costs))
	for name := range t.Costs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		op, sub, isPrefixed, err := wasm.ParseInstructionName(name)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path("costs", name).
				Detail("unknown instruction").
				Cause(err).
				Build()
		}
		if isPrefixed {
			prefixed[prefixedOp{op, sub}] = t.Costs[name]
			continue
		}
		single[op] = t.Costs[name]
	}

	return func(instr wasm.Instruction) uint64 {
		if sub, ok := instr.SubOpcode(); ok {
			if c, ok := prefixed[prefixedOp{instr.Opcode, sub}]; ok {
				return c
			}
			// falls back to a cost set on the bare prefix ("0xfd"), then Default
		}
		return single[instr.Opcode]
	}, nil
}

// String renders the table as YAML.
func (t *CostTable) String() string {
	out, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Sprintf("CostTable{default: %d, %d entries}", t.Default, len(t.Costs))
	}
	return string(out)
}
