package wasm

import (
	"fmt"
	"strconv"
	"strings"

	wabin "github.com/tetratelabs/wabin/wasm"
)

// proposalNames covers single-byte opcodes newer than the 2.0 core set.
var proposalNames = map[byte]string{
	OpTry:                "try",
	OpCatch:              "catch",
	OpThrow:              "throw",
	OpRethrow:            "rethrow",
	OpThrowRef:           "throw_ref",
	OpReturnCall:         "return_call",
	OpReturnCallIndirect: "return_call_indirect",
	OpCallRef:            "call_ref",
	OpReturnCallRef:      "return_call_ref",
	OpDelegate:           "delegate",
	OpCatchAll:           "catch_all",
	OpTryTable:           "try_table",
	OpRefAsNonNull:       "ref.as_non_null",
	OpRefEq:              "ref.eq",
	OpBrOnNull:           "br_on_null",
	OpBrOnNonNull:        "br_on_non_null",
}

type prefixedOp struct {
	prefix byte
	sub    uint32
}

var gcNames = map[prefixedOp]string{
	{OpPrefixGC, GCBrOnCast}:     "br_on_cast",
	{OpPrefixGC, GCBrOnCastFail}: "br_on_cast_fail",
}

var (
	singleByName   = map[string]byte{}
	prefixedByName = map[string]prefixedOp{}
)

func init() {
	for op := 0; op < 256; op++ {
		if name := opcodeName(byte(op)); name != "" {
			singleByName[name] = byte(op)
		}
	}
	for sub := uint32(0); sub < 256; sub++ {
		if name := wabin.MiscInstructionName(byte(sub)); name != "" {
			prefixedByName[name] = prefixedOp{OpPrefixMisc, sub}
		}
		if name := wabin.VectorInstructionName(byte(sub)); name != "" {
			prefixedByName[name] = prefixedOp{OpPrefixSIMD, sub}
		}
	}
	for op, name := range gcNames {
		prefixedByName[name] = op
	}
}

func opcodeName(op byte) string {
	if isPrefix(op) {
		return ""
	}
	if name := wabin.InstructionName(op); name != "" {
		return name
	}
	return proposalNames[op]
}

// OpcodeName returns the text-format mnemonic for a single-byte opcode, or
// "0xNN" when the opcode has none.
func OpcodeName(op byte) string {
	if name := opcodeName(op); name != "" {
		return name
	}
	return fmt.Sprintf("0x%02x", op)
}

// Name returns the mnemonic of the instruction. Prefixed instructions
// without one are named "0xPP:N" after their prefix and sub-opcode.
func (i Instruction) Name() string {
	if !isPrefix(i.Opcode) {
		return OpcodeName(i.Opcode)
	}
	if i.Sub < 256 {
		switch i.Opcode {
		case OpPrefixMisc:
			if name := wabin.MiscInstructionName(byte(i.Sub)); name != "" {
				return name
			}
		case OpPrefixSIMD:
			if name := wabin.VectorInstructionName(byte(i.Sub)); name != "" {
				return name
			}
		}
	}
	if name, ok := gcNames[prefixedOp{i.Opcode, i.Sub}]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x:%d", i.Opcode, i.Sub)
}

// ParseInstructionName is the inverse of Instruction.Name. It returns the
// opcode and, for prefixed instructions, the sub-opcode. A bare "0xPP"
// names the prefix itself.
func ParseInstructionName(name string) (op byte, sub uint32, prefixed bool, err error) {
	if code, ok := singleByName[name]; ok {
		return code, 0, false, nil
	}
	if p, ok := prefixedByName[name]; ok {
		return p.prefix, p.sub, true, nil
	}

	head, tail, found := strings.Cut(name, ":")
	if !strings.HasPrefix(head, "0x") {
		return 0, 0, false, fmt.Errorf("unknown instruction %q", name)
	}
	b, perr := strconv.ParseUint(head[2:], 16, 8)
	if perr != nil {
		return 0, 0, false, fmt.Errorf("invalid opcode %q: %w", name, perr)
	}
	if !found {
		return byte(b), 0, false, nil
	}
	if !isPrefix(byte(b)) {
		return 0, 0, false, fmt.Errorf("opcode %q takes no sub-opcode", name)
	}
	s, perr := strconv.ParseUint(tail, 10, 32)
	if perr != nil {
		return 0, 0, false, fmt.Errorf("invalid sub-opcode %q: %w", name, perr)
	}
	return byte(b), uint32(s), true, nil
}
