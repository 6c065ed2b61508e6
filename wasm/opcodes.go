package wasm

import wabin "github.com/tetratelabs/wabin/wasm"

// Single-byte opcodes the instrumentation passes refer to by name.
const (
	OpUnreachable  = wabin.OpcodeUnreachable
	OpNop          = wabin.OpcodeNop
	OpBlock        = wabin.OpcodeBlock
	OpLoop         = wabin.OpcodeLoop
	OpIf           = wabin.OpcodeIf
	OpElse         = wabin.OpcodeElse
	OpEnd          = wabin.OpcodeEnd
	OpBr           = wabin.OpcodeBr
	OpBrIf         = wabin.OpcodeBrIf
	OpBrTable      = wabin.OpcodeBrTable
	OpReturn       = wabin.OpcodeReturn
	OpCall         = wabin.OpcodeCall
	OpCallIndirect = wabin.OpcodeCallIndirect
	OpDrop         = wabin.OpcodeDrop
	OpSelect       = wabin.OpcodeSelect
	OpTypedSelect  = wabin.OpcodeTypedSelect
	OpLocalGet     = wabin.OpcodeLocalGet
	OpLocalTee     = wabin.OpcodeLocalTee
	OpGlobalGet    = wabin.OpcodeGlobalGet
	OpGlobalSet    = wabin.OpcodeGlobalSet
	OpMemoryGrow   = wabin.OpcodeMemoryGrow
	OpI32Const     = wabin.OpcodeI32Const
	OpI64Const     = wabin.OpcodeI64Const
	OpI32Add       = wabin.OpcodeI32Add
	OpI32Sub       = wabin.OpcodeI32Sub
	OpI64LtU       = wabin.OpcodeI64LtU
	OpI64Add       = wabin.OpcodeI64Add
	OpI64Sub       = wabin.OpcodeI64Sub
	OpI64Mul       = wabin.OpcodeI64Mul
	OpRefNull      = wabin.OpcodeRefNull
	OpRefFunc      = wabin.OpcodeRefFunc

	OpPrefixMisc = wabin.OpcodeMiscPrefix
	OpPrefixSIMD = wabin.OpcodeVecPrefix
)

// Opcodes from the exception handling, tail call, typed function reference,
// GC and threads proposals.
const (
	OpTry                byte = 0x06
	OpCatch              byte = 0x07
	OpThrow              byte = 0x08
	OpRethrow            byte = 0x09
	OpThrowRef           byte = 0x0A
	OpReturnCall         byte = 0x12
	OpReturnCallIndirect byte = 0x13
	OpCallRef            byte = 0x14
	OpReturnCallRef      byte = 0x15
	OpDelegate           byte = 0x18
	OpCatchAll           byte = 0x19
	OpTryTable           byte = 0x1F
	OpRefAsNonNull       byte = 0xD3
	OpRefEq              byte = 0xD4
	OpBrOnNull           byte = 0xD5
	OpBrOnNonNull        byte = 0xD6

	OpPrefixGC     byte = 0xFB
	OpPrefixAtomic byte = 0xFE
)

// MiscMemoryFill is the memory.fill sub-opcode under OpPrefixMisc.
const MiscMemoryFill = uint32(wabin.OpcodeMiscMemoryFill)

// Sub-opcodes under OpPrefixGC that branch.
const (
	GCBrOnCast     uint32 = 24
	GCBrOnCastFail uint32 = 25
)

// BlockTypeVoid is the empty block type, []->[].
const BlockTypeVoid byte = 0x40

// Value types.
const (
	ValI32 = wabin.ValueTypeI32
	ValI64 = wabin.ValueTypeI64
)

// Extern kinds used by imports and exports.
const (
	KindFunc   = wabin.ExternTypeFunc
	KindGlobal = wabin.ExternTypeGlobal
)
